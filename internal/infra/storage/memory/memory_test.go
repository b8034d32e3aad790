package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/infra/storage"
)

func TestRecordRepo_ClaimOne(t *testing.T) {
	store := NewMemoryStorage()
	store.Insert(&domain.Record{ID: "1"}, &domain.Record{ID: "2"})
	repo := NewRecordRepo(store)
	ctx := context.Background()

	first, err := repo.ClaimOne(ctx, "w1")
	if err != nil || first == nil || first.ID != "1" {
		t.Fatalf("ClaimOne = %v, %v", first, err)
	}
	locked, ok := first.Proc.(domain.Locked)
	if !ok || locked.WorkerID != "w1" {
		t.Errorf("expected locked by w1, got %#v", first.Proc)
	}

	second, _ := repo.ClaimOne(ctx, "w2")
	if second == nil || second.ID != "2" {
		t.Fatalf("expected record 2, got %v", second)
	}

	none, err := repo.ClaimOne(ctx, "w1")
	if err != nil || none != nil {
		t.Errorf("expected nil, nil on exhausted store, got %v, %v", none, err)
	}
}

func TestRecordRepo_MarksAndCounts(t *testing.T) {
	store := NewMemoryStorage()
	store.Insert(&domain.Record{ID: "a"}, &domain.Record{ID: "b"}, &domain.Record{ID: "c"})
	repo := NewRecordRepo(store)
	ctx := context.Background()

	a, _ := repo.ClaimOne(ctx, "w")
	b, _ := repo.ClaimOne(ctx, "w")
	if err := repo.MarkDone(ctx, a, domain.LabelPositive, 0.7); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := repo.MarkError(ctx, b, "boom"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}
	missing := &domain.Record{ID: "missing", Proc: domain.Locked{WorkerID: "w"}}
	if err := repo.MarkDone(ctx, missing, domain.LabelPositive, 0.7); err == nil {
		t.Error("expected error for unknown id")
	}

	counts, _ := repo.Counts(ctx)
	want := domain.StatusCounts{Unclaimed: 1, Done: 1, Error: 1}
	if counts != want {
		t.Errorf("Counts = %+v, want %+v", counts, want)
	}

	rec, _ := store.Get("a")
	if label, score, ok := rec.Pred(); !ok || label != domain.LabelPositive || score != 0.7 {
		t.Errorf("unexpected prediction on a: %v %v %v", label, score, ok)
	}
}

func TestRecordRepo_Requeue(t *testing.T) {
	store := NewMemoryStorage()
	now := time.Now()
	store.now = func() time.Time { return now }
	store.Insert(&domain.Record{ID: "old"}, &domain.Record{ID: "new"})
	repo := NewRecordRepo(store)
	ctx := context.Background()

	repo.ClaimOne(ctx, "w")
	now = now.Add(time.Hour)
	repo.ClaimOne(ctx, "w")

	n, err := repo.Requeue(ctx, domain.ProcStatusLocked, 30*time.Minute)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale lock requeued, got %d", n)
	}
	if rec, _ := store.Get("old"); rec.Proc.Status() != domain.ProcStatusUnclaimed {
		t.Errorf("old should be unclaimed, got %s", rec.Proc.Status())
	}
	if rec, _ := store.Get("new"); rec.Proc.Status() != domain.ProcStatusLocked {
		t.Errorf("new should stay locked, got %s", rec.Proc.Status())
	}
}

func TestSinkRepo_InsertRejectsDuplicate(t *testing.T) {
	store := NewMemoryStorage()
	sink := NewSinkRepo(store, false)
	ctx := context.Background()

	row := &domain.SinkRow{ID: "1", SentimentLabel: domain.LabelNeutral}
	if err := sink.Write(ctx, row); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	err := sink.Write(ctx, row)
	if !storage.IsSinkError(err, storage.SinkErrorDuplicate) {
		t.Fatalf("expected duplicate sink error, got %v", err)
	}
}

func TestSinkRepo_UpsertReplaces(t *testing.T) {
	store := NewMemoryStorage()
	sink := NewSinkRepo(store, true)
	ctx := context.Background()

	sink.Write(ctx, &domain.SinkRow{ID: "1", SentimentLabel: domain.LabelNegative, SentimentScore: 0.5})
	first := store.Rows()["1"].IngestTS
	if err := sink.Write(ctx, &domain.SinkRow{ID: "1", SentimentLabel: domain.LabelPositive, SentimentScore: 0.9}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	rows := store.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows["1"].SentimentLabel != domain.LabelPositive || rows["1"].SentimentScore != 0.9 {
		t.Errorf("row not replaced: %+v", rows["1"])
	}
	if !rows["1"].IngestTS.Equal(first) {
		t.Error("ingest_ts must not change on upsert")
	}
}

func TestRecordRepo_MarkRequiresLock(t *testing.T) {
	store := NewMemoryStorage()
	store.Insert(&domain.Record{ID: "a"}, &domain.Record{ID: "b"})
	repo := NewRecordRepo(store)
	ctx := context.Background()

	a, _ := repo.ClaimOne(ctx, "w1")

	tests := []struct {
		name string
		rec  *domain.Record
	}{
		{"unclaimed record", &domain.Record{ID: "b", Proc: domain.Locked{WorkerID: "w1"}}},
		{"other worker", &domain.Record{ID: "a", Proc: domain.Locked{WorkerID: "w2"}}},
		{"not locked by caller", &domain.Record{ID: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.MarkDone(ctx, tt.rec, domain.LabelNeutral, 0.5)
			if !errors.Is(err, storage.ErrRecordNotFound) {
				t.Errorf("expected ErrRecordNotFound, got %v", err)
			}
		})
	}

	if rec, _ := store.Get("b"); rec.Proc.Status() != domain.ProcStatusUnclaimed {
		t.Errorf("unclaimed record was modified: %#v", rec.Proc)
	}

	if err := repo.MarkDone(ctx, a, domain.LabelNeutral, 0.5); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := repo.MarkError(ctx, a, "late"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("done record must not be marked again, got %v", err)
	}
}
