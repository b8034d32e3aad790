package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// MemoryStorage keeps records and sink rows in process memory. It backs local
// runs without external services and the tests.
type MemoryStorage struct {
	order   []string
	records map[string]*domain.Record
	rows    map[string]*domain.SinkRow
	now     func() time.Time
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*domain.Record),
		rows:    make(map[string]*domain.SinkRow),
		now:     time.Now,
	}
}

// Insert adds records as unclaimed, in order. Existing ids are replaced.
func (s *MemoryStorage) Insert(records ...*domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		cp := *r
		cp.Proc = domain.Unclaimed{}
		if _, ok := s.records[r.ID]; !ok {
			s.order = append(s.order, r.ID)
		}
		s.records[r.ID] = &cp
	}
}

// Get returns a copy of the record.
func (s *MemoryStorage) Get(id string) (*domain.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Rows returns a copy of every sink row keyed by id.
func (s *MemoryStorage) Rows() map[string]domain.SinkRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.SinkRow, len(s.rows))
	for id, row := range s.rows {
		out[id] = *row
	}
	return out
}

// -----------------------------------------------------------------------------
// Record Repository
// -----------------------------------------------------------------------------

type RecordRepo struct {
	store *MemoryStorage
}

func NewRecordRepo(store *MemoryStorage) *RecordRepo {
	return &RecordRepo{store: store}
}

func (r *RecordRepo) ClaimOne(ctx context.Context, workerID string) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, id := range r.store.order {
		rec := r.store.records[id]
		if _, ok := rec.Proc.(domain.Unclaimed); !ok {
			continue
		}
		rec.Proc = domain.Locked{Since: r.store.now(), WorkerID: workerID}
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *RecordRepo) MarkDone(ctx context.Context, rec *domain.Record, label domain.Label, score float64) error {
	return r.mark(rec, domain.Done{Label: label, Score: score, Since: r.store.now()})
}

func (r *RecordRepo) MarkError(ctx context.Context, rec *domain.Record, msg string) error {
	return r.mark(rec, domain.Errored{Message: msg, Since: r.store.now()})
}

func (r *RecordRepo) mark(claimed *domain.Record, state domain.ProcState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.records[claimed.ID]
	if !ok || claimed.LockedBy() == "" || rec.LockedBy() != claimed.LockedBy() {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, claimed.ID)
	}
	rec.Proc = state
	return nil
}

func (r *RecordRepo) Counts(ctx context.Context) (domain.StatusCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var c domain.StatusCounts
	for _, rec := range r.store.records {
		switch rec.Proc.(type) {
		case domain.Unclaimed:
			c.Unclaimed++
		case domain.Locked:
			c.Locked++
		case domain.Done:
			c.Done++
		case domain.Errored:
			c.Error++
		}
	}
	return c, nil
}

func (r *RecordRepo) Requeue(ctx context.Context, status domain.ProcStatus, olderThan time.Duration) (int64, error) {
	if status == domain.ProcStatusUnclaimed {
		return 0, errors.New("unclaimed records cannot be requeued")
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cutoff := r.store.now().Add(-olderThan)
	var n int64
	for _, rec := range r.store.records {
		if rec.Proc.Status() != status {
			continue
		}
		if olderThan > 0 && !procSince(rec.Proc).Before(cutoff) {
			continue
		}
		rec.Proc = domain.Unclaimed{}
		n++
	}
	return n, nil
}

func (r *RecordRepo) Close(ctx context.Context) error { return nil }

func procSince(p domain.ProcState) time.Time {
	switch s := p.(type) {
	case domain.Locked:
		return s.Since
	case domain.Done:
		return s.Since
	case domain.Errored:
		return s.Since
	}
	return time.Time{}
}

// -----------------------------------------------------------------------------
// Sink Repository
// -----------------------------------------------------------------------------

type SinkRepo struct {
	store  *MemoryStorage
	upsert bool
}

func NewSinkRepo(store *MemoryStorage, upsert bool) *SinkRepo {
	return &SinkRepo{store: store, upsert: upsert}
}

func (r *SinkRepo) Write(ctx context.Context, row *domain.SinkRow) error {
	if err := ctx.Err(); err != nil {
		return &storage.SinkError{Kind: storage.SinkErrorConnectivity, ID: row.ID, Err: err}
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *row
	if existing, ok := r.store.rows[row.ID]; ok {
		if !r.upsert {
			return &storage.SinkError{
				Kind: storage.SinkErrorDuplicate,
				ID:   row.ID,
				Err:  errors.New("duplicate key"),
			}
		}
		cp.IngestTS = existing.IngestTS
	} else {
		cp.IngestTS = r.store.now()
	}
	r.store.rows[row.ID] = &cp
	return nil
}
