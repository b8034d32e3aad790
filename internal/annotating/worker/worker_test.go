package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/core/labels"
	"github.com/vietddude/annotator/internal/infra/classifier"
	redisclient "github.com/vietddude/annotator/internal/infra/redis"
	"github.com/vietddude/annotator/internal/infra/storage"
	"github.com/vietddude/annotator/internal/infra/storage/memory"
)

// Mock classifier: every text gets the same distribution unless err is set.
type mockClassifier struct {
	mu      sync.Mutex
	probs   []float64
	err     error
	calls   [][]string
	started chan struct{}
	release chan struct{}
}

func (m *mockClassifier) Classify(ctx context.Context, texts []string) ([]classifier.Prediction, error) {
	m.mu.Lock()
	m.calls = append(m.calls, texts)
	m.mu.Unlock()

	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	out := make([]classifier.Prediction, len(texts))
	for i := range out {
		out[i] = classifier.Prediction{Probabilities: m.probs}
	}
	return out, nil
}

func (m *mockClassifier) Classes(ctx context.Context) (map[int]string, error) {
	return labels.DefaultClasses, nil
}

func (m *mockClassifier) Close() error { return nil }

// Sink that rejects a fixed set of ids.
type failingSink struct {
	storage.Sink
	fail map[string]bool
}

func (s *failingSink) Write(ctx context.Context, row *domain.SinkRow) error {
	if s.fail[row.ID] {
		return &storage.SinkError{Kind: storage.SinkErrorConstraint, ID: row.ID, Err: errors.New("check violated")}
	}
	return s.Sink.Write(ctx, row)
}

// Store wrapper recording the time of every claim attempt.
type timedStore struct {
	storage.DocumentStore
	mu     sync.Mutex
	claims []time.Time
}

func (s *timedStore) ClaimOne(ctx context.Context, workerID string) (*domain.Record, error) {
	s.mu.Lock()
	s.claims = append(s.claims, time.Now())
	s.mu.Unlock()
	return s.DocumentStore.ClaimOne(ctx, workerID)
}

type mockLedger struct {
	mu      sync.Mutex
	entries []redisclient.QuarantineEntry
}

func (l *mockLedger) Record(ctx context.Context, e redisclient.QuarantineEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func seed(n int) *memory.MemoryStorage {
	store := memory.NewMemoryStorage()
	for i := 0; i < n; i++ {
		store.Insert(&domain.Record{ID: fmt.Sprintf("r%d", i), UserID: "u", Comment: fmt.Sprintf("comment %d", i)})
	}
	return store
}

func positive() []float64 { return []float64{0.01, 0.02, 0.07, 0.8, 0.1} }

func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func counts(t *testing.T, repo storage.DocumentStore) domain.StatusCounts {
	t.Helper()
	c, err := repo.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	return c
}

func TestWorker_ProcessesToTarget(t *testing.T) {
	store := seed(5)
	repo := memory.NewRecordRepo(store)
	clf := &mockClassifier{probs: positive()}
	cfg := Config{BatchSize: 2, MaxRecords: 5, PollWait: 10 * time.Millisecond}

	w := NewWorker(cfg, repo, "w1", clf, nil, memory.NewSinkRepo(store, false), nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	c := counts(t, repo)
	if c.Done != 5 || c.Locked != 0 || c.Error != 0 {
		t.Errorf("unexpected counts: %+v", c)
	}
	rows := store.Rows()
	if len(rows) != 5 {
		t.Fatalf("expected 5 sink rows, got %d", len(rows))
	}
	for id, row := range rows {
		if row.SentimentLabel != domain.LabelPositive {
			t.Errorf("row %s: expected pos, got %s", id, row.SentimentLabel)
		}
		if row.SentimentScore != 0.8 {
			t.Errorf("row %s: expected score 0.8, got %v", id, row.SentimentScore)
		}
		if row.RawJSON != nil {
			t.Errorf("row %s: raw_json should be empty when disabled", id)
		}
	}
	rec, _ := store.Get("r0")
	if label, _, ok := rec.Pred(); !ok || label != domain.LabelPositive {
		t.Errorf("expected r0 done with pos, got %#v", rec.Proc)
	}

	stats := w.Stats()
	if stats.Processed != 5 || stats.Batches != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if w.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", w.State())
	}
}

func TestWorker_TargetDoesNotStrandLocks(t *testing.T) {
	store := seed(10)
	repo := memory.NewRecordRepo(store)
	cfg := Config{BatchSize: 5, MaxRecords: 3, PollWait: 10 * time.Millisecond}

	w := NewWorker(cfg, repo, "w1", &mockClassifier{probs: positive()}, nil, memory.NewSinkRepo(store, false), nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	c := counts(t, repo)
	if c.Done != 3 || c.Locked != 0 || c.Unclaimed != 7 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestWorker_BatchFailureQuarantinesWholeBatch(t *testing.T) {
	store := seed(5)
	repo := memory.NewRecordRepo(store)
	ledger := &mockLedger{}
	clf := &mockClassifier{err: errors.New("model unavailable")}
	cfg := Config{BatchSize: 5, PollWait: 10 * time.Millisecond}

	w := NewWorker(cfg, repo, "w1", clf, nil, memory.NewSinkRepo(store, false), ledger)
	runUntil(t, w, func() bool { return counts(t, repo).Error == 5 })

	if n := len(store.Rows()); n != 0 {
		t.Errorf("expected no sink rows, got %d", n)
	}
	rec, _ := store.Get("r3")
	errored, ok := rec.Proc.(domain.Errored)
	if !ok {
		t.Fatalf("expected errored record, got %#v", rec.Proc)
	}
	if errored.Message != "inference failed: model unavailable" {
		t.Errorf("unexpected message: %q", errored.Message)
	}
	if w.Stats().Processed != 0 {
		t.Errorf("processed counter should not move on batch failure")
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.entries) != 5 {
		t.Fatalf("expected 5 ledger entries, got %d", len(ledger.entries))
	}
	if ledger.entries[0].Tier != TierBatch || ledger.entries[0].WorkerID != "w1" {
		t.Errorf("unexpected ledger entry: %+v", ledger.entries[0])
	}
}

func TestWorker_SinkFailureIsolatesRecord(t *testing.T) {
	store := seed(5)
	repo := memory.NewRecordRepo(store)
	sink := &failingSink{Sink: memory.NewSinkRepo(store, false), fail: map[string]bool{"r2": true}}
	cfg := Config{BatchSize: 5, MaxRecords: 4, PollWait: 10 * time.Millisecond}

	w := NewWorker(cfg, repo, "w1", &mockClassifier{probs: positive()}, nil, sink, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	c := counts(t, repo)
	if c.Done != 4 || c.Error != 1 {
		t.Errorf("expected 4 done and 1 error, got %+v", c)
	}
	rows := store.Rows()
	if len(rows) != 4 {
		t.Errorf("expected 4 rows, got %d", len(rows))
	}
	if _, ok := rows["r2"]; ok {
		t.Error("failed record must not have a sink row")
	}
	rec, _ := store.Get("r2")
	if e, ok := rec.Proc.(domain.Errored); !ok || e.Message != "sink error: sink constraint error for r2: check violated" {
		t.Errorf("unexpected state for r2: %#v", rec.Proc)
	}
}

func TestWorker_EmptyDistributionIsRecordLevel(t *testing.T) {
	store := seed(2)
	repo := memory.NewRecordRepo(store)
	cfg := Config{BatchSize: 2, PollWait: 10 * time.Millisecond}

	w := NewWorker(cfg, repo, "w1", &mockClassifier{probs: nil}, nil, memory.NewSinkRepo(store, false), nil)
	runUntil(t, w, func() bool { return counts(t, repo).Error == 2 })

	rec, _ := store.Get("r0")
	e, ok := rec.Proc.(domain.Errored)
	if !ok || e.Message != "processing error: "+classifier.ErrEmptyDistribution.Error() {
		t.Errorf("unexpected state: %#v", rec.Proc)
	}
}

func TestWorker_BlankCommentsReplaced(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.Insert(
		&domain.Record{ID: "a", Comment: ""},
		&domain.Record{ID: "b", Comment: "   "},
		&domain.Record{ID: "c", Comment: "great"},
	)
	repo := memory.NewRecordRepo(store)
	clf := &mockClassifier{probs: positive()}
	cfg := Config{BatchSize: 3, MaxRecords: 3}

	w := NewWorker(cfg, repo, "w1", clf, nil, memory.NewSinkRepo(store, false), nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(clf.calls) != 1 {
		t.Fatalf("expected one classify call, got %d", len(clf.calls))
	}
	want := []string{" ", " ", "great"}
	for i, text := range clf.calls[0] {
		if text != want[i] {
			t.Errorf("text %d: expected %q, got %q", i, want[i], text)
		}
	}
}

func TestWorker_IdleBackoff(t *testing.T) {
	repo := &timedStore{DocumentStore: memory.NewRecordRepo(memory.NewMemoryStorage())}
	pollWait := 40 * time.Millisecond
	cfg := Config{BatchSize: 4, PollWait: pollWait}

	w := NewWorker(cfg, repo, "w1", &mockClassifier{probs: positive()}, nil, memory.NewSinkRepo(memory.NewMemoryStorage(), false), nil)
	runUntil(t, w, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.claims) >= 3
	})

	repo.mu.Lock()
	defer repo.mu.Unlock()
	for i := 1; i < len(repo.claims); i++ {
		if gap := repo.claims[i].Sub(repo.claims[i-1]); gap < pollWait {
			t.Errorf("claim %d came %v after the previous one, want >= %v", i, gap, pollWait)
		}
	}
	if w.Stats().IdlePolls < 3 {
		t.Errorf("expected at least 3 idle polls, got %d", w.Stats().IdlePolls)
	}
}

func TestWorker_CancelWhileIdle(t *testing.T) {
	repo := memory.NewRecordRepo(memory.NewMemoryStorage())
	cfg := Config{BatchSize: 4, PollWait: time.Hour}
	w := NewWorker(cfg, repo, "w1", &mockClassifier{probs: positive()}, nil, memory.NewSinkRepo(memory.NewMemoryStorage(), false), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("idle worker did not observe cancellation")
	}
}

func TestWorker_CancelMidBatchCompletesBatch(t *testing.T) {
	store := seed(4)
	repo := memory.NewRecordRepo(store)
	clf := &mockClassifier{
		probs:   positive(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cfg := Config{BatchSize: 4, PollWait: 10 * time.Millisecond}
	w := NewWorker(cfg, repo, "w1", clf, nil, memory.NewSinkRepo(store, false), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-clf.started:
	case <-time.After(time.Second):
		t.Fatal("classifier was never called")
	}
	if w.State() != StateClassifying {
		t.Errorf("expected classifying state, got %s", w.State())
	}
	cancel()
	close(clf.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	c := counts(t, repo)
	if c.Done != 4 || c.Locked != 0 {
		t.Errorf("in-flight batch should complete, got %+v", c)
	}
	if len(store.Rows()) != 4 {
		t.Errorf("expected 4 rows, got %d", len(store.Rows()))
	}
}

func TestWorker_ReplayUnderUpsert(t *testing.T) {
	store := seed(3)
	repo := memory.NewRecordRepo(store)
	sink := memory.NewSinkRepo(store, true)
	cfg := Config{BatchSize: 3, MaxRecords: 3}

	w := NewWorker(cfg, repo, "w1", &mockClassifier{probs: positive()}, nil, sink, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	if _, err := repo.Requeue(context.Background(), domain.ProcStatusDone, 0); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	w = NewWorker(cfg, repo, "w2", &mockClassifier{probs: []float64{0.9, 0.05, 0.05}}, nil, sink, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	rows := store.Rows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows after replay, got %d", len(rows))
	}
	if rows["r1"].SentimentLabel != domain.LabelVeryNegative {
		t.Errorf("replay should replace the row, got %s", rows["r1"].SentimentLabel)
	}
	if c := counts(t, repo); c.Done != 3 {
		t.Errorf("expected 3 done, got %+v", c)
	}
}
