package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/jaennil/guide_helper/features/internal/layer"
	"github.com/jaennil/guide_helper/features/internal/source"
	"github.com/jaennil/guide_helper/features/pkg/grid"
)

type featuresRequest struct {
	Namespace string `validate:"required"`
	BBox      string `validate:"required"`
}

// Features loads every tile of the layer covering bbox and returns the
// features as GeoJSON. Tiles that could not be loaded are listed in the
// X-Failed-Tiles header.
func (h *Handler) Features(c *gin.Context) {
	l := requestLogger(c)

	req := featuresRequest{
		Namespace: c.Param("namespace"),
		BBox:      c.Query("bbox"),
	}
	if err := h.validate.Struct(req); err != nil {
		l.Warn("invalid features request", "error", err)
		h.RespondWithError(c, http.StatusBadRequest, ErrInvalidBBox)
		return
	}

	extent, err := grid.ParseBound(req.BBox)
	if err != nil {
		l.Warn("invalid bbox", "bbox", req.BBox, "error", err)
		h.RespondWithError(c, http.StatusBadRequest, ErrInvalidBBox)
		return
	}

	strategy, err := h.features.Strategy(req.Namespace)
	if err != nil {
		if errors.Is(err, layer.ErrUnknownLayer) {
			h.RespondWithError(c, http.StatusNotFound, err)
			return
		}
		h.RespondWithError(c, http.StatusInternalServerError, err)
		return
	}

	// counted before partitioning so an oversized bbox allocates nothing
	if n, limit := grid.Count(extent), h.maxTiles(); n > float64(limit) {
		h.RespondWithError(c, http.StatusBadRequest, fmt.Errorf("%w: %.0f > %d", ErrTooManyTiles, n, limit))
		return
	}

	vector := source.NewVector()
	result := vector.LoadExtent(c.Request.Context(), extent, strategy,
		h.features.Loader(req.Namespace, vector),
		h.opts.LoadConcurrency,
	)

	if len(result.Failed) > 0 {
		failed := make([]string, len(result.Failed))
		for i, t := range result.Failed {
			failed[i] = t.String()
		}
		c.Header("X-Failed-Tiles", strings.Join(failed, ";"))

		if len(result.Failed) == len(result.Requested) {
			h.RespondWithError(c, http.StatusBadGateway, ErrAllTilesFailed)
			return
		}
	}

	body, err := json.Marshal(vector.FeatureCollection(extent))
	if err != nil {
		h.RespondWithError(c, http.StatusInternalServerError, err)
		return
	}

	l.Debug("features served", "namespace", req.Namespace, "tiles", len(result.Requested), "failed", len(result.Failed))

	c.Data(http.StatusOK, "application/geo+json", body)
}

func (h *Handler) maxTiles() int {
	if h.opts.MaxTilesPerLoad > 0 && h.opts.MaxTilesPerLoad < grid.MaxTiles {
		return h.opts.MaxTilesPerLoad
	}
	return grid.MaxTiles
}
