package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cerberus-iot/cerberus/internal/app"
	"github.com/cerberus-iot/cerberus/internal/config"
)

type serveOptions struct {
	dataDir  string
	httpAddr string
	grpcAddr string
	logLevel string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC ingest services",
		Long: `Run the ingest services until SIGINT or SIGTERM.

Configuration is layered: defaults, then --config, then CERBERUS_* environment
variables (after loading any --env-file), then command line flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, opts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "base directory for all data files")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", "", "gRPC listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	return cmd
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(rootOpts *RootOptions, opts *serveOptions) (*config.Config, error) {
	envFiles := rootOpts.EnvFiles
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if rootOpts.ConfigFile != "" {
		var err error
		cfg, err = config.LoadFromFile(rootOpts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	config.LoadFromEnv(cfg)

	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.httpAddr != "" {
		cfg.HTTP.Addr = opts.httpAddr
	}
	if opts.grpcAddr != "" {
		cfg.GRPC.Addr = opts.grpcAddr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if rootOpts.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(cfg, nil)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	// Stop reports the shutdown result again, so the first copy is dropped.
	_ = a.Shutdown().ListenForSignals(ctx)
	return a.Stop(context.Background())
}
