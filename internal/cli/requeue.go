package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/annotator/internal/control"
	"github.com/vietddude/annotator/internal/core/domain"
	redisclient "github.com/vietddude/annotator/internal/infra/redis"
)

var (
	requeueStatus string
	olderThan     time.Duration
	clearLedger   bool
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return errored or stale locked records to the unclaimed state",
	Long: `Requeue clears the processing state of records in the given state so the
next worker claims them again. Use --status locked --older-than 30m to recover
records held by a worker that crashed between the sink write and the done mark.`,
	Run: runRequeue,
}

func init() {
	requeueCmd.Flags().StringVar(&requeueStatus, "status", "error", "state to requeue: error, locked or done")
	requeueCmd.Flags().DurationVar(&olderThan, "older-than", 0, "only requeue records whose state is older than this")
	requeueCmd.Flags().BoolVar(&clearLedger, "clear-ledger", false, "also clear the Redis quarantine ledger (only with --status error and no --older-than)")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	status, ok := domain.ParseProcStatus(requeueStatus)
	if !ok || status == domain.ProcStatusUnclaimed {
		fmt.Printf("Invalid status %q: want error, locked or done\n", requeueStatus)
		os.Exit(1)
	}

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

	n, err := store.Requeue(ctx, status, olderThan)
	if err != nil {
		slog.Error("Failed to requeue records", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Requeued %d %s records\n", n, status)

	if !clearLedger {
		return
	}
	if cfg.Redis.URL == "" {
		fmt.Println("No Redis configured, quarantine ledger left untouched")
		return
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	cleared, err := clearQuarantine(ctx, redisclient.NewQuarantineLedger(client, cfg.Redis.TTL), status, olderThan)
	if err != nil {
		slog.Error("Failed to clear quarantine ledger", "error", err)
		os.Exit(1)
	}
	if cleared {
		fmt.Println("Quarantine ledger cleared")
	} else {
		fmt.Println("Quarantine ledger left untouched: only a full requeue of error records clears it")
	}
}

type ledgerClearer interface {
	Clear(ctx context.Context) error
}

// clearQuarantine clears the ledger only when every quarantined record was
// returned to the unclaimed state.
func clearQuarantine(ctx context.Context, ledger ledgerClearer, status domain.ProcStatus, olderThan time.Duration) (bool, error) {
	if status != domain.ProcStatusError || olderThan > 0 {
		return false, nil
	}
	if err := ledger.Clear(ctx); err != nil {
		return false, err
	}
	return true, nil
}
