package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/annotator/internal/annotating/worker"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// Pinger is any dependency that can report its own reachability.
type Pinger interface {
	Health(ctx context.Context) error
}

// StatsSource exposes live worker counters.
type StatsSource interface {
	Stats() worker.Stats
}

// Dependency is a named pinger. Critical dependencies turn the whole
// report critical when unreachable; the others only degrade it.
type Dependency struct {
	Name     string
	Pinger   Pinger
	Critical bool
}

// Thresholds on the share of terminal records that ended in error.
const (
	degradedErrorRate = 0.05
	criticalErrorRate = 0.5
)

// Monitor aggregates health status from the store, the worker and the
// external dependencies.
type Monitor struct {
	store      storage.DocumentStore
	worker     StatsSource
	deps       []Dependency
	interval   time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. stats may be nil.
func NewMonitor(store storage.DocumentStore, stats StatsSource, deps ...Dependency) *Monitor {
	return &Monitor{
		store:    store,
		worker:   stats,
		deps:     deps,
		interval: 10 * time.Second,
	}
}

// CheckHealth builds a report, reusing the previous one when it is recent.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Counting records is a full scan on some stores
	if m.lastReport != nil && time.Since(m.lastCheck) < m.interval {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Dependencies: make(map[string]DependencyHealth),
		CheckedAt:    time.Now(),
	}

	counts, err := m.store.Counts(ctx)
	if err != nil {
		report.SystemStatus = StatusCritical
		report.Dependencies["store"] = DependencyHealth{Status: StatusCritical, Error: err.Error()}
	} else {
		report.Records = counts
		report.Dependencies["store"] = DependencyHealth{Status: StatusHealthy}
		if terminal := counts.Done + counts.Error; terminal > 0 {
			report.ErrorRate = float64(counts.Error) / float64(terminal)
		}
	}

	for _, dep := range m.deps {
		if err := dep.Pinger.Health(ctx); err != nil {
			status := StatusDegraded
			if dep.Critical {
				status = StatusCritical
			}
			report.Dependencies[dep.Name] = DependencyHealth{Status: status, Error: err.Error()}
			report.SystemStatus = worst(report.SystemStatus, status)
			continue
		}
		report.Dependencies[dep.Name] = DependencyHealth{Status: StatusHealthy}
	}

	switch {
	case report.ErrorRate > criticalErrorRate:
		report.SystemStatus = worst(report.SystemStatus, StatusCritical)
	case report.ErrorRate > degradedErrorRate:
		report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
	}

	if m.worker != nil {
		stats := m.worker.Stats()
		report.Worker = &stats
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
