package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	launcher "github.com/mynameisfoxy/cusrom-proxy-launcher"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/pkg/client"
)

// command holds the CLI's collaborators so tests can capture output and
// isolate the session file.
type command struct {
	out      io.Writer
	sessions *SessionManager
}

func newCommand(out io.Writer) *command {
	return &command{out: out, sessions: NewSessionManager()}
}

// apiClient builds a control API client. The URL and token come from flags
// first, then the saved session.
func (c *command) apiClient(f APIFlags) (*client.Client, error) {
	session, err := c.sessions.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	url, token := f.URL, f.Token
	if session != nil {
		if url == "" {
			url = session.ServerURL
		}
		if token == "" && (session.ServerURL == "" || session.ServerURL == url) {
			token = session.Token
		}
	}
	if url == "" {
		url = defaultAPIURL
	}
	cfg := client.Config{BaseURL: url, Timeout: f.Timeout, Token: token, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cfg)
}

func (c *command) runCommand(f APIFlags, label string, call func(*client.Client) (*client.CommandResult, error)) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	res, err := call(api)
	if err != nil {
		return explain(err)
	}
	_, _ = fmt.Fprintf(c.out, "%s accepted (stage: %s)\n", label, res.Stage)
	return nil
}

func (c *command) Start(ctx context.Context, f APIFlags) error {
	return c.runCommand(f, "start", func(api *client.Client) (*client.CommandResult, error) {
		return api.Start(ctx)
	})
}

func (c *command) Stop(ctx context.Context, f APIFlags) error {
	return c.runCommand(f, "stop", func(api *client.Client) (*client.CommandResult, error) {
		return api.Stop(ctx)
	})
}

func (c *command) Keystore(ctx context.Context, f APIFlags) error {
	return c.runCommand(f, "keystore", func(api *client.Client) (*client.CommandResult, error) {
		return api.GenerateKeystore(ctx)
	})
}

func (c *command) RestartProxy(ctx context.Context, f APIFlags, rf RestartFlags) error {
	return c.runCommand(f, "restart-proxy", func(api *client.Client) (*client.CommandResult, error) {
		return api.RestartProxy(ctx, rf.Rebuild)
	})
}

func (c *command) Status(ctx context.Context, f APIFlags, sf StatusFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	st, err := api.Status(ctx)
	if err != nil {
		return explain(err)
	}
	if sf.JSON {
		return printJSON(c.out, st)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Stage:\t%s\n", st.Stage)
	_, _ = fmt.Fprintf(tw, "Vault:\t%s\n", procState(st.VaultRunning, st.VaultPID))
	_, _ = fmt.Fprintf(tw, "Proxy:\t%s\n", procState(st.ProxyRunning, st.ProxyPID))
	_, _ = fmt.Fprintf(tw, "Root token:\t%s\n", yesNo(st.HasToken))
	if st.APIAddress != "" {
		_, _ = fmt.Fprintf(tw, "Vault API:\t%s\n", st.APIAddress)
	}
	_, _ = fmt.Fprintf(tw, "Secret stored:\t%s\n", yesNo(st.SecretStored))
	if st.LastError != "" {
		_, _ = fmt.Fprintf(tw, "Last error:\t%s\n", st.LastError)
	}
	return tw.Flush()
}

func (c *command) Logs(ctx context.Context, f APIFlags, stream string) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	lines, err := api.Logs(ctx, stream)
	if err != nil {
		return explain(err)
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(c.out, l)
	}
	return nil
}

// streamEvent is the JSON payload of non-status server-sent events.
type streamEvent struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Process string `json:"process"`
	Running bool   `json:"running"`
	Stream  string `json:"stream"`
	Line    string `json:"line"`
	Error   string `json:"error"`
}

// Watch prints events until interrupted.
func (c *command) Watch(ctx context.Context, f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	err = api.Events(ctx, func(e client.Event) error {
		if e.Name == "status" {
			var st client.Status
			if err := json.Unmarshal(e.Data, &st); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "stage: %s\n", st.Stage)
			return nil
		}
		var ev streamEvent
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return err
		}
		switch ev.Kind {
		case "stage":
			_, _ = fmt.Fprintf(c.out, "stage: %s\n", ev.Stage)
		case "running":
			_, _ = fmt.Fprintf(c.out, "%s: %s\n", ev.Process, procState(ev.Running, 0))
		case "log":
			_, _ = fmt.Fprintf(c.out, "[%s] %s\n", ev.Stream, ev.Line)
		case "error":
			_, _ = fmt.Fprintf(c.out, "error: %s\n", ev.Error)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return explain(err)
	}
	return nil
}

func (c *command) SettingsShow(ctx context.Context, f APIFlags, sf SettingsShowFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	s, err := api.Settings(ctx, sf.Reveal)
	if err != nil {
		return explain(err)
	}
	return printJSON(c.out, s)
}

// SettingsSet reads the current settings, applies the changed flags and
// writes them back.
func (c *command) SettingsSet(ctx context.Context, f APIFlags, sf SettingsSetFlags) error {
	changed := sf.changed
	if changed == nil {
		changed = func(string) bool { return true }
	}
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	s, err := api.Settings(ctx, false)
	if err != nil {
		return explain(err)
	}
	if changed("rebuild") {
		s.Rebuild = sf.Rebuild
	}
	for _, fv := range []struct {
		flag string
		dst  *string
		val  string
	}{
		{"password", &s.Password, sf.Password},
		{"secret", &s.Secret, sf.Secret},
		{"source-dir", &s.SourceDir, sf.SourceDir},
		{"source-file", &s.SourceFile, sf.SourceFile},
		{"result-dir", &s.ResultDir, sf.ResultDir},
		{"binary-name", &s.BinaryName, sf.BinaryName},
	} {
		if changed(fv.flag) {
			*fv.dst = fv.val
		}
	}
	updated, err := api.UpdateSettings(ctx, *s)
	if err != nil {
		return explain(err)
	}
	return printJSON(c.out, updated)
}

func (c *command) Resources(ctx context.Context, f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	usage, err := api.Resources(ctx)
	if err != nil {
		return explain(err)
	}
	if len(usage) == 0 {
		_, _ = fmt.Fprintln(c.out, "no samples (is metrics.resources.enabled set?)")
		return nil
	}
	names := make([]string, 0, len(usage))
	for n := range usage {
		names = append(names, n)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPID\tCPU%\tMEM(MB)\tTHREADS")
	for _, n := range names {
		u := usage[n]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%d\n", n, u.PID, u.CPUPercent, u.MemoryMB, u.NumThreads)
	}
	return tw.Flush()
}

func (c *command) Login(ctx context.Context, f APIFlags, lf LoginFlags) error {
	if lf.Password == "" {
		return errors.New("password is required")
	}
	url := f.URL
	if url == "" {
		url = defaultAPIURL
	}
	f.URL, f.Token = url, ""
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	if !api.IsReachable(ctx) {
		return fmt.Errorf("server not reachable at %s - start it first with 'proxy-launcher serve'", url)
	}
	tok, err := api.Login(ctx, lf.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := c.sessions.SaveSession(&Session{
		Token:     tok.Value,
		TokenType: tok.Type,
		ExpiresAt: tok.ExpiresAt,
		ServerURL: url,
	}); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Logged in to %s (expires %s)\n", url, tok.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func (c *command) Logout() error {
	if err := c.sessions.ClearSession(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	_, _ = fmt.Fprintln(c.out, "Logged out")
	return nil
}

func (c *command) HashPassword(password string) error {
	hash, err := launcher.HashPassword(password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, hash)
	return nil
}

// explain adds a hint to API errors the user can act on.
func explain(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		if strings.Contains(err.Error(), "connection refused") {
			return fmt.Errorf("%w (is 'proxy-launcher serve' running?)", err)
		}
		return err
	}
	switch apiErr.StatusCode {
	case 401:
		return fmt.Errorf("%w (run 'proxy-launcher login')", err)
	case 409:
		return fmt.Errorf("%w (wait for the current step to finish)", err)
	}
	return err
}

func procState(running bool, pid int) string {
	switch {
	case running && pid > 0:
		return fmt.Sprintf("running (pid %d)", pid)
	case running:
		return "running"
	default:
		return "stopped"
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
