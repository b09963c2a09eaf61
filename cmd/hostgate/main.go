package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/workzone/hostgate/internal/core/domain"
	"github.com/workzone/hostgate/internal/shell/store"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := rootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// rootCmd represents the base command; without a subcommand it serves.
func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hostgate",
		Short: "Verify domain ownership and route verified domains through a reverse proxy",
		Long: `hostgate accepts a domain, decides whether the caller controls it and,
once it does, installs a host route on a Caddy-style reverse proxy.

A domain is accepted when it sits under the trusted suffix, when it already
resolves to this server, or when a TXT challenge token has been published.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(checkCmd(&configPath))
	cmd.AddCommand(configCmd(&configPath))
	cmd.AddCommand(versionCmd())

	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, challenge poller and janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func checkCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "check <domain>",
		Short: "Dry-run the verification chain for a domain",
		Long: "Evaluate every verification step for a domain and print what was found.\n" +
			"No token is issued and the proxy is never contacted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDomain(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadValidConfig(*configPath)
			if err != nil {
				return err
			}
			logger := SetupLogger(cfg)

			ctx := cmd.Context()
			s, err := store.Open(ctx, cfg.Store)
			if err != nil {
				return &ServerError{Op: "check", Err: err, ExitCode: ExitStoreError}
			}
			defer s.Close()

			engine, err := newEngine(cfg, s, logger)
			if err != nil {
				return &ServerError{Op: "check", Err: err, ExitCode: ExitConfigError}
			}

			in, err := engine.Inspect(ctx, d)
			if err != nil {
				return &ServerError{Op: "check", Err: err, ExitCode: ExitStoreError}
			}
			return printValue(cmd, output, in)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (yaml|json)")

	return cmd
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return &ServerError{Op: "config", Err: err, ExitCode: ExitConfigError}
			}
			return printValue(cmd, "yaml", cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hostgate %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

func serve(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}

	logger := SetupLogger(cfg)
	logger.Info("starting hostgate",
		"version", Version,
		"config", configPath,
	)

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}

func loadValidConfig(configPath string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ServerError{Op: "Validate", Err: err, ExitCode: ExitConfigError}
	}
	return cfg, nil
}

func printValue(cmd *cobra.Command, format string, v any) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
