// Package api is the HTTP surface over the engine: webhook intake,
// record streaming behind signed URLs, retrieval assembly, connector
// administration and health.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/health"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/retrieval"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/internal/streamer"
	"github.com/catherinevee/syncmgr/internal/telemetry"
	"github.com/catherinevee/syncmgr/internal/webhook"
)

// Server wires the HTTP handlers to the engine components.
type Server struct {
	registry  *connector.Registry
	scheduler *connector.Scheduler
	intake    *webhook.Intake
	streamer  *streamer.Streamer
	assembler *retrieval.Assembler
	signer    *Signer
	health    *health.Service
	metrics   *telemetry.Metrics
	store     store.Store
	log       logger.Logger
}

// Deps carries the components the server dispatches to.
type Deps struct {
	Registry  *connector.Registry
	Scheduler *connector.Scheduler
	Intake    *webhook.Intake
	Streamer  *streamer.Streamer
	Assembler *retrieval.Assembler
	Signer    *Signer
	Health    *health.Service
	Metrics   *telemetry.Metrics
	Store     store.Store
}

// NewServer builds the HTTP server over its dependencies.
func NewServer(deps Deps) *Server {
	return &Server{
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		intake:    deps.Intake,
		streamer:  deps.Streamer,
		assembler: deps.Assembler,
		signer:    deps.Signer,
		health:    deps.Health,
		metrics:   deps.Metrics,
		store:     deps.Store,
		log:       logger.New("api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Provider webhooks. Dropbox sends a GET verification challenge
	// before the first POST, so both methods route to the intake.
	router.GET("/:provider/webhook", s.handleWebhook)
	router.POST("/:provider/webhook", s.handleWebhook)

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		connectors := v1.Group("/connectors")
		{
			connectors.GET("", s.handleListConnectors)
			connectors.POST("/:id/sync", s.handleTriggerSync)
			connectors.POST("/:id/incremental", s.handleTriggerIncremental)
			connectors.POST("/:id/reindex", s.handleReindex)
			connectors.GET("/:id/filters/:key/options", s.handleFilterOptions)
		}

		records := v1.Group("/records")
		{
			records.POST("/:id/signed-url", s.handleSignedURL)
			records.GET("/:id/stream", s.handleStream)
		}

		v1.POST("/retrieval/assemble", s.handleAssemble)
	}

	return router
}

func (s *Server) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")
	if s.metrics != nil {
		s.metrics.WebhooksReceived.WithLabelValues(provider).Inc()
	}
	s.intake.Handle(provider, c.Writer, c.Request)
}

func (s *Server) handleHealth(c *gin.Context) {
	rep := s.health.Report(c.Request.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rep)
}

// abortWithError maps the error taxonomy onto HTTP statuses.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	case apperrors.KindAuth:
		status = http.StatusUnauthorized
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindCursorInvalid:
		status = http.StatusConflict
	case apperrors.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.WithError(err).Error("request failed",
			logger.String("path", c.Request.URL.Path))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
