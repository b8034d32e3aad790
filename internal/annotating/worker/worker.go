// Package worker runs the annotation loop: claim a batch, classify it, commit
// each record to the sink and mark it done or error.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vietddude/annotator/internal/annotating/claim"
	"github.com/vietddude/annotator/internal/annotating/metrics"
	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/core/labels"
	"github.com/vietddude/annotator/internal/infra/classifier"
	redisclient "github.com/vietddude/annotator/internal/infra/redis"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// Config holds configuration for the annotation worker.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`      // Max records per claim (default: 64)
	MaxRecords    int           `yaml:"max_records"`     // Stop after this many processed, 0 = unbounded
	PollWait      time.Duration `yaml:"poll_wait"`       // Sleep when the store is empty (default: 2s)
	RawJSON       bool          `yaml:"raw_json"`        // Persist the original document in raw_json
	Upsert        bool          `yaml:"upsert"`          // Replace existing sink rows by id
	LogEvery      int           `yaml:"log_every"`       // Status line every N processed (default: 100)
	MaxInputChars int           `yaml:"-"`               // Copied from classifier.max_input_chars
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize: 64,
		PollWait:  2 * time.Second,
		LogEvery:  100,
	}
}

// Ledger receives every quarantined record.
type Ledger interface {
	Record(ctx context.Context, e redisclient.QuarantineEntry) error
}

// Stats is a snapshot of the worker counters.
type Stats struct {
	WorkerID    string    `json:"worker_id"`
	State       State     `json:"state"`
	Processed   int64     `json:"processed"`
	Quarantined int64     `json:"quarantined"`
	Batches     int64     `json:"batches"`
	IdlePolls   int64     `json:"idle_polls"`
	LastBatchAt time.Time `json:"last_batch_at"`
	StartedAt   time.Time `json:"started_at"`
}

// Worker is one sequential annotation loop. Safety across processes comes
// from the store's atomic claim, not from anything held here.
type Worker struct {
	cfg        Config
	claimer    *claim.Claimer
	store      storage.DocumentStore
	classifier classifier.Classifier
	mapper     *labels.Mapper
	sink       storage.Sink
	ledger     Ledger
	classes    map[int]string
	log        *slog.Logger

	mu    sync.RWMutex
	stats Stats
}

// NewWorker creates a new annotation worker. ledger may be nil.
func NewWorker(
	cfg Config,
	store storage.DocumentStore,
	workerID string,
	clf classifier.Classifier,
	mapper *labels.Mapper,
	sink storage.Sink,
	ledger Ledger,
) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = def.PollWait
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = def.LogEvery
	}
	if mapper == nil {
		mapper = labels.Default()
	}

	return &Worker{
		cfg:        cfg,
		claimer:    claim.NewClaimer(store, workerID),
		store:      store,
		classifier: clf,
		mapper:     mapper,
		sink:       sink,
		ledger:     ledger,
		log:        slog.Default().With("component", "worker", "worker_id", workerID),
		stats:      Stats{WorkerID: workerID, State: StateIdle},
	}
}

// Run loops until the processed target is reached or ctx is cancelled.
// Cancellation is only observed between batches: once a batch is claimed,
// every record in it reaches done or error before Run looks at ctx again.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.stats.StartedAt = time.Now()
	w.mu.Unlock()
	defer w.setState(StateStopped)

	w.loadClasses(ctx)
	w.log.Info("Starting annotation worker",
		"batchSize", w.cfg.BatchSize,
		"maxRecords", w.cfg.MaxRecords,
		"pollWait", w.cfg.PollWait,
	)

	// Batch work must not be interrupted half way.
	batchCtx := context.WithoutCancel(ctx)

	for {
		w.setState(StateIdle)

		if w.targetReached() {
			w.log.Info("Target reached", "processed", w.Stats().Processed)
			return nil
		}

		select {
		case <-ctx.Done():
			w.log.Info("Annotation worker stopped", "processed", w.Stats().Processed)
			return nil
		default:
		}

		batch, err := w.claimer.ClaimBatch(batchCtx, w.nextBatchSize())
		if err != nil {
			w.log.Error("Failed to claim batch", "claimed", len(batch), "error", err)
		}
		if len(batch) == 0 {
			w.mu.Lock()
			w.stats.IdlePolls++
			w.mu.Unlock()
			metrics.IdlePolls.Inc()
			w.sleep(ctx, w.cfg.PollWait)
			continue
		}

		w.processBatch(batchCtx, batch)
	}
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// State returns the current loop state.
func (w *Worker) State() State {
	return w.Stats().State
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.stats.State = s
	w.mu.Unlock()
	publishState(s)
}

func (w *Worker) loadClasses(ctx context.Context) {
	classes, err := w.classifier.Classes(ctx)
	if err != nil || len(classes) == 0 {
		w.log.Warn("Using default classifier classes", "error", err)
		classes = labels.DefaultClasses
	}
	w.classes = classes
	w.log.Info("Classifier classes", "classes", classes)
}

func (w *Worker) targetReached() bool {
	return w.cfg.MaxRecords > 0 && w.Stats().Processed >= int64(w.cfg.MaxRecords)
}

// nextBatchSize never claims more than the remaining target, so stopping at
// the target does not strand locked records.
func (w *Worker) nextBatchSize() int {
	if w.cfg.MaxRecords <= 0 {
		return w.cfg.BatchSize
	}
	remaining := int64(w.cfg.MaxRecords) - w.Stats().Processed
	return int(min(int64(w.cfg.BatchSize), remaining))
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) processBatch(ctx context.Context, batch []*domain.Record) {
	start := time.Now()
	w.setState(StateClaimed)
	metrics.BatchSize.Observe(float64(len(batch)))
	w.mu.Lock()
	w.stats.Batches++
	w.stats.LastBatchAt = start
	w.mu.Unlock()

	comments := make([]string, len(batch))
	for i, rec := range batch {
		comments[i] = rec.Comment
	}
	texts := classifier.PrepareTexts(comments, w.cfg.MaxInputChars)

	w.setState(StateClassifying)
	preds, err := w.classifier.Classify(ctx, texts)
	if err == nil && len(preds) != len(batch) {
		err = fmt.Errorf("%w: got %d, want %d", classifier.ErrResultCount, len(preds), len(batch))
	}
	if err != nil {
		msg := fmt.Sprintf("inference failed: %v", err)
		w.log.Error("Batch classification failed", "size", len(batch), "error", err)
		w.setState(StateCommitting)
		for _, rec := range batch {
			w.quarantine(ctx, rec, TierBatch, msg)
		}
		return
	}

	w.setState(StateCommitting)
	for i, rec := range batch {
		w.commit(ctx, rec, preds[i])
	}

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	w.log.Debug("Batch processed", "size", len(batch), "duration", time.Since(start))
}

// commit writes the sink row first and marks the record done afterwards. A
// crash in between leaves the record locked; the row is replayed safely
// under upsert once an operator requeues it.
func (w *Worker) commit(ctx context.Context, rec *domain.Record, pred classifier.Prediction) {
	label, score, err := w.resolve(pred)
	if err != nil {
		w.quarantine(ctx, rec, TierRecord, fmt.Sprintf("processing error: %v", err))
		return
	}

	row := domain.NewSinkRow(rec, label, score, w.cfg.RawJSON)
	if err := w.sink.Write(ctx, row); err != nil {
		w.quarantine(ctx, rec, TierRecord, fmt.Sprintf("sink error: %v", err))
		return
	}

	if err := w.store.MarkDone(ctx, rec, label, score); err != nil {
		w.quarantine(ctx, rec, TierRecord, fmt.Sprintf("processing error: mark done: %v", err))
		return
	}

	metrics.RecordsProcessed.WithLabelValues(string(label)).Inc()
	w.mu.Lock()
	w.stats.Processed++
	processed := w.stats.Processed
	w.mu.Unlock()

	if processed%int64(w.cfg.LogEvery) == 0 {
		w.log.Info("Processed records", "processed", processed)
	}
}

var errScoreRange = errors.New("score outside [0,1]")

func (w *Worker) resolve(pred classifier.Prediction) (domain.Label, float64, error) {
	if len(pred.Probabilities) == 0 {
		return "", 0, classifier.ErrEmptyDistribution
	}
	idx, score := pred.Argmax()
	if math.IsNaN(score) || score < 0 || score > 1 {
		return "", 0, fmt.Errorf("%w: %v", errScoreRange, score)
	}
	return w.mapper.MapIndex(idx, w.classes), score, nil
}

func (w *Worker) quarantine(ctx context.Context, rec *domain.Record, tier, msg string) {
	id := rec.ID
	metrics.RecordsQuarantined.WithLabelValues(tier).Inc()
	w.mu.Lock()
	w.stats.Quarantined++
	w.mu.Unlock()

	if err := w.store.MarkError(ctx, rec, msg); err != nil {
		w.log.Error("Failed to quarantine record", "id", id, "error", err)
	} else {
		w.log.Warn("Record quarantined", "id", id, "tier", tier, "reason", msg)
	}

	if w.ledger == nil {
		return
	}
	entry := redisclient.QuarantineEntry{
		ID:       id,
		Tier:     tier,
		Message:  msg,
		WorkerID: w.claimer.WorkerID(),
		At:       time.Now(),
	}
	if err := w.ledger.Record(ctx, entry); err != nil {
		w.log.Warn("Failed to record quarantine entry", "id", id, "error", err)
	}
}
