package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
)

const (
	DefaultKVPath  = "secret/data/secret_key"
	DefaultField   = "encode_key"
	DefaultTimeout = 10 * time.Second
)

// Config selects where the encryption secret is written.
type Config struct {
	// KVPath is the KV v2 data path, without the /v1/ prefix.
	KVPath  string        `mapstructure:"kv_path"`
	Field   string        `mapstructure:"secret_field"`
	Timeout time.Duration `mapstructure:"request_timeout"`
}

func (c Config) withDefaults() Config {
	if c.KVPath == "" {
		c.KVPath = DefaultKVPath
	}
	c.KVPath = strings.Trim(c.KVPath, "/")
	if c.Field == "" {
		c.Field = DefaultField
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// ProvisioningError is returned when the secret write is rejected or the
// server cannot be reached. Status is 0 for transport failures.
type ProvisioningError struct {
	Status int
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provision secret: %v", e.Err)
	}
	return fmt.Sprintf("provision secret: status %d: %v", e.Status, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Client writes the encryption secret into a dev-mode vault server. The
// address and token change with every server session, so they are passed
// per call. Requests are never retried.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg.withDefaults(), logger: logger}
}

func (c *Client) newAPI(addr, token string) (*api.Client, error) {
	conf := api.DefaultConfig()
	conf.Address = addr
	conf.MaxRetries = 0
	conf.Timeout = c.cfg.Timeout
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)
	client.AddHeader("Accept", "application/json")
	return client, nil
}

// Exists reports whether the secret is already stored at the KV path.
func (c *Client) Exists(ctx context.Context, addr, token string) (bool, error) {
	client, err := c.newAPI(addr, token)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	secret, err := client.Logical().ReadWithContext(ctx, c.cfg.KVPath)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", c.cfg.KVPath, err)
	}
	if secret == nil || secret.Data == nil {
		return false, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return false, nil
	}
	_, ok = data[c.cfg.Field]
	return ok, nil
}

// PutSecret writes secret under the configured field with cas=0, so an
// existing value is never overwritten. Only HTTP 200 counts as success.
func (c *Client) PutSecret(ctx context.Context, addr, token, secret string) error {
	err := c.put(ctx, addr, token, secret)
	metrics.IncSecretWrite(err == nil)
	if err != nil {
		c.logger.Error("secret provisioning failed", "addr", addr, "path", c.cfg.KVPath, "error", err)
		return err
	}
	c.logger.Info("secret provisioned", "addr", addr, "path", c.cfg.KVPath)
	return nil
}

func (c *Client) put(ctx context.Context, addr, token, secret string) error {
	client, err := c.newAPI(addr, token)
	if err != nil {
		return &ProvisioningError{Err: err}
	}
	req := client.NewRequest(http.MethodPost, "/v1/"+c.cfg.KVPath)
	body := map[string]interface{}{
		"data":    map[string]string{c.cfg.Field: secret},
		"options": map[string]int{"cas": 0},
	}
	if err := req.SetJSONBody(body); err != nil {
		return &ProvisioningError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	//nolint:staticcheck // raw request keeps the exact status code
	resp, err := client.RawRequestWithContext(ctx, req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		var re *api.ResponseError
		if errors.As(err, &re) {
			status = re.StatusCode
		}
		return &ProvisioningError{Status: status, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &ProvisioningError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return nil
}
