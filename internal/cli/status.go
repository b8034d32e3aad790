package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/annotator/internal/control"
	"github.com/vietddude/annotator/internal/core/config"
	redisclient "github.com/vietddude/annotator/internal/infra/redis"
	"github.com/vietddude/annotator/internal/infra/storage/postgres"
)

var quarantineLimit int64

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record states, sink label distribution and recent quarantines",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().Int64Var(&quarantineLimit, "quarantined", 10, "number of recent quarantine entries to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store, err := control.OpenStore(ctx, cfg.Store, nil)
	if err != nil {
		slog.Error("Failed to open document store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close(ctx)
	}()

	counts, err := store.Counts(ctx)
	if err != nil {
		slog.Error("Failed to count records", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATE\tRECORDS")
	_, _ = fmt.Fprintf(w, "unclaimed\t%d\n", counts.Unclaimed)
	_, _ = fmt.Fprintf(w, "locked\t%d\n", counts.Locked)
	_, _ = fmt.Fprintf(w, "done\t%d\n", counts.Done)
	_, _ = fmt.Fprintf(w, "error\t%d\n", counts.Error)
	_, _ = fmt.Fprintf(w, "total\t%d\n", counts.Total())
	_ = w.Flush()

	if cfg.Sink.Driver == config.DriverPostgres {
		printLabelCounts(ctx, cfg)
	}
	if cfg.Redis.URL != "" {
		printQuarantine(ctx, cfg.Redis)
	}
}

func printLabelCounts(ctx context.Context, cfg *config.AppConfig) {
	db, err := postgres.NewDB(ctx, cfg.Sink.Database)
	if err != nil {
		slog.Warn("Failed to connect to sink", "error", err)
		return
	}
	defer func() {
		_ = db.Close()
	}()

	counts, err := postgres.NewSinkRepo(db.DB, cfg.Sink.Table, false).CountByLabel(ctx)
	if err != nil {
		slog.Warn("Failed to count sink rows", "error", err)
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "LABEL\tROWS")
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.Label, c.Count)
	}
	_ = w.Flush()
}

func printQuarantine(ctx context.Context, cfg redisclient.Config) {
	client, err := redisclient.NewClient(cfg)
	if err != nil {
		slog.Warn("Failed to connect to Redis", "error", err)
		return
	}
	defer func() {
		_ = client.Close()
	}()

	ledger := redisclient.NewQuarantineLedger(client, cfg.TTL)
	total, err := ledger.Count(ctx)
	if err != nil {
		slog.Warn("Failed to count quarantine entries", "error", err)
		return
	}
	entries, err := ledger.Recent(ctx, quarantineLimit)
	if err != nil {
		slog.Warn("Failed to read quarantine entries", "error", err)
		return
	}

	fmt.Printf("\nQuarantined: %d\n", total)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tTIER\tWORKER\tAT\tREASON")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Tier, e.WorkerID, e.At.Format(time.RFC3339), e.Message)
	}
	_ = w.Flush()
}
