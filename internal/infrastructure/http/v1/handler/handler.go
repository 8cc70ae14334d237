package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/jaennil/guide_helper/features/internal/usecase"
	"github.com/jaennil/guide_helper/features/pkg/logger"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type StoreState interface {
	State() featurestore.State
}

type BreakerReporter interface {
	BreakerStates() map[string]string
}

type Options struct {
	MaxTilesPerLoad int
	LoadConcurrency int
}

type Handler struct {
	features *usecase.FeatureCacheUseCase
	store    StoreState
	breakers BreakerReporter
	validate *validator.Validate
	opts     Options
}

func NewHandler(uc *usecase.FeatureCacheUseCase, store StoreState, breakers BreakerReporter, validate *validator.Validate, opts Options) *Handler {
	return &Handler{
		features: uc,
		store:    store,
		breakers: breakers,
		validate: validate,
		opts:     opts,
	}
}

func (h *Handler) RespondWithJSON(c *gin.Context, code int, message string, data any) {
	c.JSON(code, response{
		Success: code < http.StatusBadRequest,
		Message: message,
		Data:    data,
	})
}

func (h *Handler) RespondWithError(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		requestLogger(c).Error("http_server error",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", code,
			"error", err,
		)
		c.Error(err)
	}
	if code == http.StatusInternalServerError {
		err = InternalServerError
	}
	h.RespondWithJSON(c, code, err.Error(), nil)
}

func requestLogger(c *gin.Context) logger.Logger {
	if l, ok := c.Get("logger"); ok {
		if l, ok := l.(logger.Logger); ok {
			return l
		}
	}
	return logger.FromContext(c.Request.Context())
}
