package agent

import (
	"time"

	"github.com/3cpo-dev/missionfleet/internal/core"
)

// HealthResponse is served on /v0/health.
type HealthResponse struct {
	Status  string             `json:"status"`
	Time    time.Time          `json:"time"`
	Version string             `json:"version"`
	Workers int                `json:"workers"`
	Busy    int                `json:"busy"`
	Totals  map[string]float64 `json:"totals,omitempty"`
}

// WorkersResponse is served on /v0/workers.
type WorkersResponse struct {
	Workers []core.WorkerStatus `json:"workers"`
}
