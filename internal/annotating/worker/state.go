package worker

import "github.com/vietddude/annotator/internal/annotating/metrics"

// State is a position in the worker loop.
type State string

const (
	StateIdle        State = "idle"        // no batch held
	StateClaimed     State = "claimed"     // non-empty batch acquired
	StateClassifying State = "classifying" // waiting on the classifier
	StateCommitting  State = "committing"  // writing rows and terminal marks
	StateStopped     State = "stopped"
)

var allStates = []State{StateIdle, StateClaimed, StateClassifying, StateCommitting, StateStopped}

func publishState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.WorkerState.WithLabelValues(string(st)).Set(v)
	}
}

// Failure tiers used for quarantine metrics and the ledger.
const (
	TierBatch  = "batch"
	TierRecord = "record"
)
