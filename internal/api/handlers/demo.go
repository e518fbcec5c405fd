package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/demo"
	"github.com/tillgate/tillgate/internal/metrics"
)

// DemoHandler provisions sandbox tenants for anonymous visitors.
type DemoHandler struct {
	manager *demo.Manager
	logger  zerolog.Logger
}

// NewDemoHandler creates a DemoHandler.
func NewDemoHandler(manager *demo.Manager, logger zerolog.Logger) *DemoHandler {
	return &DemoHandler{
		manager: manager,
		logger:  logger.With().Str("component", "demo_handler").Logger(),
	}
}

// Provision creates a sandbox tenant and returns its credentials. The
// plaintext password appears only in this response.
// POST /api/v1/demo
func (h *DemoHandler) Provision(c *gin.Context) {
	creds, err := h.manager.Provision(c.Request.Context(), c.ClientIP())
	if err != nil {
		if errors.Is(err, demo.ErrRateLimited) {
			metrics.DemoProvisions.WithLabelValues("rate_limited").Inc()
		} else {
			metrics.DemoProvisions.WithLabelValues("error").Inc()
		}
		respondDomainError(c, err)
		return
	}

	metrics.DemoProvisions.WithLabelValues("success").Inc()
	c.JSON(http.StatusCreated, creds)
}
