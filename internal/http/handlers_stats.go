package httpx

import (
	"net/http"

	"github.com/overlayfx/renderfarm/internal/service"
)

// StatsHandlers serves queue statistics.
type StatsHandlers struct {
	Jobs *service.JobService
}

// Stats returns queue depth by status plus the active total.
func (h *StatsHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Jobs.Stats(r.Context())
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "stats_failed",
			Err:     err,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   stats,
		"active": stats.Active(),
	})
}
