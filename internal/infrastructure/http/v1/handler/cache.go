package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type statsResponse struct {
	State    string `json:"state"`
	Driver   string `json:"driver"`
	Version  int64  `json:"version"`
	Tiles    int64  `json:"tiles"`
	Features int64  `json:"features"`
	// Upstream maps each contacted host to its circuit breaker state.
	Upstream map[string]string `json:"upstream"`
}

type sweepResponse struct {
	Tiles    int64 `json:"tiles"`
	Features int64 `json:"features"`
}

func (h *Handler) CacheStats(c *gin.Context) {
	stats, err := h.features.Stats(c.Request.Context())
	if err != nil {
		h.RespondWithError(c, http.StatusInternalServerError, err)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "", statsResponse{
		State:    h.store.State().String(),
		Driver:   stats.Driver,
		Version:  stats.Version,
		Tiles:    stats.Tiles,
		Features: stats.Features,
		Upstream: h.breakers.BreakerStates(),
	})
}

// CacheSweep deletes expired records on demand.
func (h *Handler) CacheSweep(c *gin.Context) {
	result, err := h.features.Sweep(c.Request.Context())
	if err != nil {
		h.RespondWithError(c, http.StatusInternalServerError, err)
		return
	}

	requestLogger(c).Info("manual sweep", "tiles", result.Tiles, "features", result.Features)

	h.RespondWithJSON(c, http.StatusOK, "swept", sweepResponse{
		Tiles:    result.Tiles,
		Features: result.Features,
	})
}
