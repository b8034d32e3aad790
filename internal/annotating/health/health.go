// Package health provides annotation health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/annotator/internal/annotating/worker"
	"github.com/vietddude/annotator/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// DependencyHealth is the result of pinging one external collaborator.
type DependencyHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Records      domain.StatusCounts         `json:"records"`
	ErrorRate    float64                     `json:"error_rate"`
	Worker       *worker.Stats               `json:"worker,omitempty"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checked_at"`
}
