// Package claim turns "find N unclaimed records" into a race-free batch
// acquisition on top of the store's atomic single-record claim.
package claim

import (
	"context"
	"fmt"

	"github.com/vietddude/annotator/internal/annotating/metrics"
	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// Claimer acquires batches for one worker.
type Claimer struct {
	store    storage.DocumentStore
	workerID string
}

// NewClaimer creates a claimer that locks records in the name of workerID.
func NewClaimer(store storage.DocumentStore, workerID string) *Claimer {
	return &Claimer{store: store, workerID: workerID}
}

// WorkerID returns the id written into proc.worker.
func (c *Claimer) WorkerID() string {
	return c.workerID
}

// ClaimBatch claims up to n records one by one and stops early once the store
// has nothing left. It never blocks on an empty store.
//
// If a claim fails after some records were locked, those records are returned
// together with the error so the caller can still drive them to a terminal
// state.
func (c *Claimer) ClaimBatch(ctx context.Context, n int) ([]*domain.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	batch := make([]*domain.Record, 0, n)
	for len(batch) < n {
		rec, err := c.store.ClaimOne(ctx, c.workerID)
		if err != nil {
			return batch, fmt.Errorf("claim %d of %d: %w", len(batch)+1, n, err)
		}
		if rec == nil {
			break
		}
		metrics.RecordsClaimed.Inc()
		batch = append(batch, rec)
	}
	return batch, nil
}
