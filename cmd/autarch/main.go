package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"chimera/internal/config"
	"chimera/internal/control"
	"chimera/internal/core"
	"chimera/internal/logging"
)

// defaultConfigFile is where run and config init look without --config.
const defaultConfigFile = "chimera.yaml"

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X main.version=... -X main.commit=... -X main.date=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autarch",
	Short: "CHIMERA AUTARCH - self-evolving orchestration node",
	Long: `Autarch is a self-evolving orchestration node.

It accepts natural-language intents over a WebSocket control plane,
compiles them into tool plans, and dispatches steps locally or to
registered worker nodes. A metacognitive engine tracks per-topic
confidence and schedules federated learning rounds when it decays;
every applied improvement is recorded as an evolution.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the node and blocks until SIGINT/SIGTERM
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the autarch node",
	Long: `Starts the core, binds the control plane, and serves until a
termination signal arrives. Exits 0 on graceful shutdown and 1 on a
fatal startup failure such as a bind or database error.`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

// versionCmd prints build metadata
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autarch %s (commit %s, built %s)\n", version, commit, date)
	},
}

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite existing %s", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return fmt.Errorf("write configuration: %w", err)
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile, "Path to the YAML configuration file")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runNode wires the node together and runs it to completion. The config
// file is optional; a missing file means defaults plus CHIMERA_* env
// overrides.
func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Configure(logging.Options{
		Dir:   cfg.Logging.Dir,
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	}); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := core.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	srv := control.NewServer(node)
	if err := srv.Listen(); err != nil {
		node.Close()
		return err
	}

	logger.Info("Autarch node running",
		zap.String("version", version),
		zap.String("control_plane", srv.ListenAddr().String()),
		zap.String("database", cfg.Persistence.DatabasePath))

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(runCtx) })
	g.Go(func() error { return srv.Run(runCtx) })
	runErr := g.Wait()

	if stats, serr := node.Store().GetStats(); serr == nil {
		logger.Info("Store at shutdown",
			zap.Int64("evolutions", stats["evolutions"]),
			zap.Int64("tool_metrics", stats["tool_metrics"]),
			zap.Int64("model_versions", stats["model_versions"]),
			zap.Int64("dropped_metrics", stats["dropped_metrics"]))
	}
	if path, at, ok := node.Store().LastBackup(); ok {
		logger.Info("Last backup", zap.String("path", path), zap.Time("taken_at", at))
	}
	node.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("node terminated: %w", runErr)
	}
	logger.Info("Shutdown complete")
	return nil
}
