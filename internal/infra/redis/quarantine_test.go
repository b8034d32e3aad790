package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T) (*QuarantineLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &Client{rdb: redis.NewClient(&redis.Options{Addr: mr.Addr()}), prefix: "test"}
	t.Cleanup(func() { client.Close() })
	return NewQuarantineLedger(client, time.Hour), mr
}

func TestQuarantineLedger_RecordAndRecent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		err := ledger.Record(ctx, QuarantineEntry{
			ID:      id,
			Tier:    "record",
			Message: "sink error",
			At:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := ledger.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "c" || entries[1].ID != "b" {
		t.Errorf("expected newest first, got %s, %s", entries[0].ID, entries[1].ID)
	}

	n, _ := ledger.Count(ctx)
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
}

func TestQuarantineLedger_ExpiredEntriesDropped(t *testing.T) {
	ledger, mr := newTestLedger(t)
	ctx := context.Background()

	ledger.Record(ctx, QuarantineEntry{ID: "x", Tier: "batch"})
	mr.FastForward(2 * time.Hour)

	entries, err := ledger.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected expired entry to be dropped, got %v", entries)
	}
	if n, _ := ledger.Count(ctx); n != 0 {
		t.Errorf("expected index cleaned up, got %d", n)
	}
}

func TestQuarantineLedger_Clear(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	ledger.Record(ctx, QuarantineEntry{ID: "x"})
	ledger.Record(ctx, QuarantineEntry{ID: "y"})
	if err := ledger.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n, _ := ledger.Count(ctx); n != 0 {
		t.Errorf("expected empty ledger, got %d", n)
	}
}
