package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/mchcare/internal/aggregate"
)

type StatsHandler struct {
	cache  *aggregate.Cache
	logger *slog.Logger
}

func NewStatsHandler(c *aggregate.Cache, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{cache: c, logger: logger}
}

// Get handles GET /api/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cache.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
