package httpx

import (
	"net/http"
	"time"

	"github.com/overlayfx/renderfarm/internal/adapters/worker"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string         `json:"status"`
	WorkerID      string         `json:"worker_id,omitempty"`
	Running       bool           `json:"running"`
	CurrentJobID  string         `json:"current_job_id,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Workers       []worker.State `json:"workers,omitempty"`
}

// HealthHandlers serves liveness and worker status.
type HealthHandlers struct {
	Workers   WorkerStateSource
	StartedAt time.Time
}

// Health reports process liveness and what the worker loops are doing right
// now. The top-level worker fields mirror the first busy loop so single-worker
// deployments keep a flat shape.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
	}

	if h.Workers != nil {
		states := h.Workers.States()
		resp.Workers = states
		if len(states) > 0 {
			resp.WorkerID = states[0].WorkerID
		}
		for _, st := range states {
			if st.Busy {
				resp.Running = true
				resp.WorkerID = st.WorkerID
				resp.CurrentJobID = st.CurrentJobID
				break
			}
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}
