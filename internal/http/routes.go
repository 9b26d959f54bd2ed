// Package httpx exposes the health and stats surface of a render worker
// process.
package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/overlayfx/renderfarm/internal/adapters/worker"
	"github.com/overlayfx/renderfarm/internal/service"
)

// WorkerStateSource reports the live states of the process's worker loops.
type WorkerStateSource interface {
	States() []worker.State
}

// RouterServices holds the services the router serves from.
type RouterServices struct {
	Jobs      *service.JobService
	Workers   WorkerStateSource // Optional: nil when the process runs no worker loops
	StartedAt time.Time
	Logger    *slog.Logger
}

// NewRouter creates the health/stats router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	startedAt := services.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	health := &HealthHandlers{Workers: services.Workers, StartedAt: startedAt}
	mux.HandleFunc("GET /health", health.Health)
	mux.HandleFunc("HEAD /health", health.Health)

	if services.Jobs != nil {
		stats := &StatsHandlers{Jobs: services.Jobs}
		mux.HandleFunc("GET /stats", stats.Stats)
	}

	return mux
}
