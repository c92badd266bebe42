package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
	API        APIFlags
}

func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(c, globalFlags),
		createStopCommand(c, globalFlags),
		createKeystoreCommand(c, globalFlags),
		createRestartProxyCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createLogsCommand(c, globalFlags),
		createWatchCommand(c, globalFlags),
		createSettingsCommand(c, globalFlags),
		createResourcesCommand(c, globalFlags),
		createLoginCommand(c, globalFlags),
		createLogoutCommand(c),
		createHashPasswordCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "proxy-launcher",
		Short: "Vault dev server and custom proxy launcher",
		Long: `proxy-launcher starts a Vault dev server, stores the proxy secret in it,
optionally rebuilds the proxy from source, generates its keystore and
keeps both processes running.

Examples:
  proxy-launcher serve launcher.toml          # Run the launcher and its control API
  proxy-launcher start                        # Start the pipeline
  proxy-launcher status
  proxy-launcher logs vault
  proxy-launcher restart-proxy --rebuild`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.API.URL, "api-url", "", "control API base URL (default from session or "+defaultAPIURL+")")
	root.PersistentFlags().DurationVar(&flags.API.Timeout, "api-timeout", defaultAPITimeout, "control API request timeout")
	root.PersistentFlags().StringVar(&flags.API.Token, "token", "", "bearer token (overrides the saved session)")
	root.PersistentFlags().StringVar(&flags.API.CACert, "ca-cert", "", "CA certificate for an HTTPS control API")
	root.PersistentFlags().BoolVar(&flags.API.Insecure, "insecure", false, "skip TLS verification")

	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the launcher and its control API",
		Long: `Run the launcher in the foreground. Configuration comes from the TOML
file, PROXY_LAUNCHER_* environment variables and the persisted settings file.

Examples:
  proxy-launcher serve
  proxy-launcher serve launcher.toml
  proxy-launcher serve --daemonize --pidfile launcher.pid --logfile launcher.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

func createStartCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start Vault, provision the secret and launch the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), globalFlags.API)
		},
	}
}

func createStopCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop Vault and the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), globalFlags.API)
		},
	}
}

func createKeystoreCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keystore",
		Short: "Regenerate the proxy keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Keystore(cmd.Context(), globalFlags.API)
		},
	}
}

func createRestartProxyCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart-proxy",
		Short: "Restart the proxy, optionally rebuilding it first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RestartProxy(cmd.Context(), globalFlags.API, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Rebuild, "rebuild", false, "rebuild and move the proxy binary before restarting")
	return cmd
}

func createStatusCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline stage and process state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), globalFlags.API, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func createLogsCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "logs <main|vault|proxy>",
		Short:     "Print a console log",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"main", "vault", "proxy"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), globalFlags.API, args[0])
		},
	}
}

func createWatchCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow stage changes and console output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), globalFlags.API)
		},
	}
}

func createSettingsCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the persisted workflow settings",
	}

	showFlags := &SettingsShowFlags{}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SettingsShow(cmd.Context(), globalFlags.API, *showFlags)
		},
	}
	show.Flags().BoolVar(&showFlags.Reveal, "reveal", false, "show password and secret")

	setFlags := &SettingsSetFlags{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Change individual settings",
		Long: `Change individual settings. Only flags that are given are sent.

Examples:
  proxy-launcher settings set --rebuild --source-dir /src/proxy
  proxy-launcher settings set --password s3cret --secret key-material`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setFlags.changed = cmd.Flags().Changed
			return c.SettingsSet(cmd.Context(), globalFlags.API, *setFlags)
		},
	}
	set.Flags().BoolVar(&setFlags.Rebuild, "rebuild", false, "rebuild the proxy before launching")
	set.Flags().StringVar(&setFlags.Password, "password", "", "keystore password")
	set.Flags().StringVar(&setFlags.Secret, "secret", "", "secret stored in Vault")
	set.Flags().StringVar(&setFlags.SourceDir, "source-dir", "", "proxy source directory")
	set.Flags().StringVar(&setFlags.SourceFile, "source-file", "", "entry file relative to source-dir")
	set.Flags().StringVar(&setFlags.ResultDir, "result-dir", "", "directory holding the proxy binary")
	set.Flags().StringVar(&setFlags.BinaryName, "binary-name", "", "proxy binary name")

	cmd.AddCommand(show, set)
	return cmd
}

func createResourcesCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show CPU and memory of the managed processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Resources(cmd.Context(), globalFlags.API)
		},
	}
}

func createLoginCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the control API and save the session",
		Long: `Log in to the control API and save the token for future commands.

Examples:
  proxy-launcher login --password=secret
  proxy-launcher login --api-url=https://host:8787/api --password=secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(cmd.Context(), globalFlags.API, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Password, "password", "", "operator password")
	return cmd
}

func createLogoutCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logout()
		},
	}
}

func createHashPasswordCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for server.auth.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(args[0])
		},
	}
}
