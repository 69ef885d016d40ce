// Command coldtier runs the tiering gateway and its maintenance passes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/coldtier/internal/config"
	"github.com/tunnelmesh/coldtier/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coldtier",
		Short: "coldtier - S3 gateway with tape tiering",
		Long: `coldtier serves an S3-compatible object API from a filesystem and moves
GLACIER objects to tape and back through the TapeCloud (eeadm) tools.

Objects written with x-amz-storage-class: GLACIER are queued for migration;
POST ?restore requests queue a recall. The lifecycle scheduler drains both
queues periodically and evicts restored copies whose retention lapsed.

Examples:
  # Run the gateway, metrics endpoint and scheduler
  coldtier serve --config /etc/coldtier/coldtier.yaml

  # Run a single pass now, ignoring its interval
  coldtier migrate --force

  # Inspect an object's tiering state
  coldtier status /var/lib/coldtier/buckets/archive/data.bin`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (default from config, else info)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "coldtier %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPassCmd(passMigrate),
		newPassCmd(passRestore),
		newPassCmd(passExpiry),
		newEnqueueCmd(),
		newStatusCmd(),
		newServiceCmd(),
		versionCmd,
	)
	return rootCmd
}

// loadConfig reads --config (or the defaults) and configures logging.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	setupLogging()
	return cfg, nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// runAsService runs serve under the service manager.
func runAsService() {
	args := svc.StripServiceFlag(os.Args[1:])
	configPath := svc.DefaultConfigPath
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	setupLogging()
	log.Info().Str("config", configPath).Str("version", Version).Msg("Starting as service")

	prg := &svc.Program{
		ConfigPath: configPath,
		Run: func(ctx context.Context, configPath string) error {
			cfgFile = configPath
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(ctx, cfg)
		},
	}
	if err := svc.Run(prg, &svc.ServiceConfig{Name: svc.DefaultName, ConfigPath: configPath}); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
