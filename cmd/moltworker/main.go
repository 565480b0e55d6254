package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(newCommand())
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot(mc command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	apiFlags := &APIFlags{}
	processesFlags := &ProcessesFlags{}
	logsFlags := &LogsFlags{}
	hashFlags := &HashPasswordFlags{}
	initFlags := &InitFlags{}
	loginFlags := &LoginFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStatusCommand(mc, apiFlags),
		createProcessesCommand(mc, processesFlags),
		createLogsCommand(mc, logsFlags),
		createRestartCommand(mc, apiFlags),
		createEnvCommand(mc, apiFlags),
		createHashPasswordCommand(mc, hashFlags),
		createInitCommand(mc, initFlags),
		createLoginCommand(mc, loginFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "moltworker",
		Short: "Gateway supervisor and relay proxy",
		Long: `Moltworker keeps a single verified gateway process running and relays
HTTP and WebSocket traffic to it, injecting the gateway token.

Examples:
  moltworker init --type=local
  moltworker serve --config=moltworker.toml
  moltworker status
  moltworker restart --api-url=http://remote:8080`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Long: `Run the proxy in the foreground. The gateway is discovered or launched on
the first request unless --eager is given. SIGINT/SIGTERM stop the proxy and
kill the gateway.

Examples:
  moltworker serve
  moltworker serve --config=moltworker.toml --listen=:9000 --eager`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ServeFlags{
				ConfigPath: globalFlags.ConfigPath,
				Listen:     serveFlags.Listen,
				Eager:      serveFlags.Eager,
			})
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "listen address, overrides server.listen")
	cmd.Flags().BoolVar(&serveFlags.Eager, "eager", false, "launch the gateway at startup")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "proxy URL (e.g. http://host:8080)")
	cmd.Flags().StringVar(&f.AdminBase, "admin-base", "", "admin API base path (default /_admin)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&f.Username, "username", "", "admin API username (basic auth)")
	cmd.Flags().StringVar(&f.Password, "password", "", "admin API password (basic auth)")
	cmd.Flags().StringVar(&f.Token, "token", "", "admin API bearer token from POST {admin}/login")
}

func createHashPasswordCommand(mc command, f *HashPasswordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for auth.users",
		Long: `Print a bcrypt hash to paste into [[auth.users]] password_hash.
Without --password the password is read from stdin.

Examples:
  echo -n 's3cret' | moltworker hash-password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.HashPassword(*f, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&f.Password, "password", "", "password to hash")
	cmd.Flags().IntVar(&f.Cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}

func createInitCommand(mc command, f *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a starter moltworker.toml. Presets: container, local, secure, observed.
The gateway token and any client secrets are generated unless given.

Examples:
  moltworker init --type=local
  moltworker init --type=secure --output=/etc/moltworker/moltworker.toml
  moltworker init --type=observed --output=-`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Init(*f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "container", "preset name")
	cmd.Flags().StringVar(&f.Output, "output", "moltworker.toml", "output path, - for stdout")
	cmd.Flags().StringVar(&f.Command, "gateway-command", "", "override gateway.command")
	cmd.Flags().IntVar(&f.Port, "gateway-port", 0, "override gateway.port")
	cmd.Flags().StringVar(&f.Token, "gateway-token", "", "gateway token (generated when empty)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func createLoginCommand(mc command, f *LoginFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Get a bearer token for the admin API",
		Long: `Exchange credentials for a JWT to pass with --token.

Examples:
  moltworker login --username=ops --password=s3cret
  moltworker login --client-id=ops --client-secret=...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Login(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "client id from [[auth.clients]]")
	cmd.Flags().StringVar(&f.ClientSecret, "client-secret", "", "client secret")
	return cmd
}

func createStatusCommand(mc command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long: `Show the gateway state as seen by the proxy. Never launches or kills anything.

Examples:
  moltworker status
  moltworker status --api-url=http://remote:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Status(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createProcessesCommand(mc command, f *ProcessesFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List processes started by the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Processes(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().BoolVar(&f.Logs, "logs", false, "include captured output")
	return cmd
}

func createLogsCommand(mc command, f *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show captured output of one process",
		Long: `Show the captured stdout/stderr tail of a process.

Examples:
  moltworker logs --id=proc-4f0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Logs(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.ID, "id", "", "process id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createRestartCommand(mc command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Kill gateway instances and relaunch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Restart(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createEnvCommand(mc command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "List environment variable names injected into the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Env(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
