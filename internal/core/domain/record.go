package domain

import (
	"encoding/json"
	"time"
)

// Record is a document pulled from the document store for annotation.
type Record struct {
	ID      string
	UserID  string
	Comment string
	Proc    ProcState
	// Raw is the original document serialized as JSON. Only persisted to the
	// sink when raw payloads are enabled.
	Raw json.RawMessage
	// Key is the store's native primary key exactly as the claim read it.
	// Stores keyed by ID leave it nil.
	Key any
}

// LockedBy returns the worker holding the record, or "" when it is not locked.
func (r *Record) LockedBy() string {
	if l, ok := r.Proc.(Locked); ok {
		return l.WorkerID
	}
	return ""
}

// Pred returns the prediction stored on a done record.
func (r *Record) Pred() (Label, float64, bool) {
	if d, ok := r.Proc.(Done); ok {
		return d.Label, d.Score, true
	}
	return "", 0, false
}

// ProcStatus is the persisted status string of a record.
type ProcStatus string

const (
	ProcStatusUnclaimed ProcStatus = ""
	ProcStatusLocked    ProcStatus = "locked"
	ProcStatusDone      ProcStatus = "done"
	ProcStatusError     ProcStatus = "error"
)

// ParseProcStatus accepts the operator-facing status names.
func ParseProcStatus(s string) (ProcStatus, bool) {
	switch ProcStatus(s) {
	case ProcStatusLocked, ProcStatusDone, ProcStatusError:
		return ProcStatus(s), true
	case "unclaimed":
		return ProcStatusUnclaimed, true
	}
	return "", false
}

// ProcState is the processing state of a record. It is one of Unclaimed,
// Locked, Done or Errored.
type ProcState interface {
	Status() ProcStatus
	isProcState()
}

// Unclaimed records have never been claimed (proc absent).
type Unclaimed struct{}

// Locked records are held by exactly one worker.
type Locked struct {
	Since    time.Time
	WorkerID string
}

// Done records were committed to the sink.
type Done struct {
	Label Label
	Score float64
	Since time.Time
}

// Errored records are quarantined and never claimed again.
type Errored struct {
	Message string
	Since   time.Time
}

func (Unclaimed) Status() ProcStatus { return ProcStatusUnclaimed }
func (Locked) Status() ProcStatus    { return ProcStatusLocked }
func (Done) Status() ProcStatus      { return ProcStatusDone }
func (Errored) Status() ProcStatus   { return ProcStatusError }

func (Unclaimed) isProcState() {}
func (Locked) isProcState()    {}
func (Done) isProcState()      {}
func (Errored) isProcState()   {}

// StatusCounts holds the number of records per processing status.
type StatusCounts struct {
	Unclaimed int64 `json:"unclaimed"`
	Locked    int64 `json:"locked"`
	Done      int64 `json:"done"`
	Error     int64 `json:"error"`
}

// Total returns the number of records across all statuses.
func (c StatusCounts) Total() int64 {
	return c.Unclaimed + c.Locked + c.Done + c.Error
}
