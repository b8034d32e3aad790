package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/annotator/internal/core/domain"
)

var (
	// ErrRecordNotFound is returned when a terminal mark matches no record
	// locked by the marking worker.
	ErrRecordNotFound = errors.New("locked record not found")
)

// DocumentStore holds the records to annotate and their processing state.
type DocumentStore interface {
	// ClaimOne atomically moves one unclaimed record to locked and returns it
	// as it is after the update. It returns nil, nil when nothing is unclaimed.
	ClaimOne(ctx context.Context, workerID string) (*domain.Record, error)

	// MarkDone sets a record returned by ClaimOne to done with its
	// prediction. Only the exact record, still locked by the same worker, is
	// updated.
	MarkDone(ctx context.Context, rec *domain.Record, label domain.Label, score float64) error

	// MarkError quarantines a record returned by ClaimOne with a diagnostic
	// message, under the same guard as MarkDone.
	MarkError(ctx context.Context, rec *domain.Record, msg string) error

	// Counts returns the number of records per processing status.
	Counts(ctx context.Context) (domain.StatusCounts, error)

	// Requeue resets records in the given status back to unclaimed. Only
	// records whose proc timestamp is older than olderThan are touched; zero
	// means all of them. Returns the number of records reset.
	Requeue(ctx context.Context, status domain.ProcStatus, olderThan time.Duration) (int64, error)

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Sink commits annotated rows to the relational store.
type Sink interface {
	// Write inserts (or upserts) one row. Failures are *SinkError.
	Write(ctx context.Context, row *domain.SinkRow) error
}

// SinkErrorKind classifies a sink failure.
type SinkErrorKind string

const (
	SinkErrorDuplicate    SinkErrorKind = "duplicate"
	SinkErrorConstraint   SinkErrorKind = "constraint"
	SinkErrorConnectivity SinkErrorKind = "connectivity"
	SinkErrorUnknown      SinkErrorKind = "unknown"
)

// SinkError is returned by Sink implementations.
type SinkError struct {
	Kind SinkErrorKind
	ID   string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s error for %s: %v", e.Kind, e.ID, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsSinkError reports whether err is a sink error of the given kind.
func IsSinkError(err error, kind SinkErrorKind) bool {
	var se *SinkError
	return errors.As(err, &se) && se.Kind == kind
}
