package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type layerResponse struct {
	Namespace    string     `json:"namespace"`
	Title        string     `json:"title"`
	Country      string     `json:"country"`
	Provider     string     `json:"provider"`
	Jurisdiction [4]float64 `json:"jurisdiction"`
}

func (h *Handler) Layers(c *gin.Context) {
	layers := h.features.Layers()

	out := make([]layerResponse, 0, len(layers))
	for _, l := range layers {
		j := l.Jurisdiction
		out = append(out, layerResponse{
			Namespace:    l.Namespace,
			Title:        l.Title,
			Country:      l.Country,
			Provider:     string(l.Endpoint.Kind),
			Jurisdiction: [4]float64{j.Min[0], j.Min[1], j.Max[0], j.Max[1]},
		})
	}

	h.RespondWithJSON(c, http.StatusOK, "", out)
}
