package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/annotator/internal/control"
	"github.com/vietddude/annotator/internal/core/config"
)

var (
	cfgPath    string
	isDebug    bool
	maxRecords int
)

var rootCmd = &cobra.Command{
	Use:   "annotator",
	Short: "Sentiment annotation worker",
	Long: `Annotator claims unprocessed comments from the document store, classifies them
in batches and writes the labelled rows to the relational sink.`,
	Run: runAnnotator,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the annotation worker until the target is reached or a signal arrives",
	Run:   runAnnotator,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().IntVar(&maxRecords, "max-records", -1, "stop after this many processed records, 0 = unbounded (overrides worker.max_records)")
	}
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads .env and the config file and installs the logger.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func runAnnotator(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if maxRecords >= 0 {
		cfg.Worker.MaxRecords = maxRecords
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewAnnotator(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize Annotator", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Annotator", "error", err)
		os.Exit(1)
	}

	slog.Info("Annotator started", "config", cfgPath, "worker_id", app.WorkerID())

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case <-app.Done():
		if err := app.Err(); err != nil {
			slog.Error("Annotation worker failed", "error", err)
		}
	}

	// The batch in flight has to finish before the process exits.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	stats := app.Worker().Stats()
	slog.Info("Annotator stopped",
		"processed", stats.Processed,
		"quarantined", stats.Quarantined,
		"batches", stats.Batches,
	)
}
