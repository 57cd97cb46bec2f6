// Package api serves the inventory edit and sync-status HTTP surface plus the
// marketplace webhook receiver.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/1benisin/brickops-sub002/config"
	"github.com/1benisin/brickops-sub002/internal/catalog"
	"github.com/1benisin/brickops-sub002/internal/edit"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/status"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/internal/worker"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// Server represents the API server.
type Server struct {
	config  config.APIConfig
	webhook config.WebhookConfig
	st      store.Store
	edits   *edit.Service
	status  *status.Service
	catalog *catalog.Service
	refresh *worker.Refresh
	log     *logger.Logger
	router  *gin.Engine
	server  *http.Server
	limiter *rate.Limiter
}

// NewServer creates a new API server.
func NewServer(
	cfg config.APIConfig,
	whCfg config.WebhookConfig,
	st store.Store,
	edits *edit.Service,
	stat *status.Service,
	cat *catalog.Service,
	refresh *worker.Refresh,
	log *logger.Logger,
) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.HandleMethodNotAllowed = true

	s := &Server{
		config:  cfg,
		webhook: whCfg,
		st:      st,
		edits:   edits,
		status:  stat,
		catalog: cat,
		refresh: refresh,
		log:     log,
		router:  router,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit*2),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware() {
	// Rate limiting middleware
	s.router.Use(func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests, please try again later",
			})
			c.Abort()
			return
		}
		c.Next()
	})

	// Logging and metrics middleware
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start)
		httpStatus := c.Writer.Status()

		apiRequestsTotal.WithLabelValues(c.Request.Method, path, fmt.Sprintf("%d", httpStatus)).Inc()
		apiRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration.Seconds())

		s.log.Info("API request",
			"method", c.Request.Method,
			"path", path,
			"status", httpStatus,
			"duration", duration.String(),
		)
	})
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		items := v1.Group("/tenants/:tenant/items")
		{
			items.POST("", s.handleCreateItem)
			items.GET("", s.handleListItems)
			items.GET("/:item", s.handleGetItem)
			items.PATCH("/:item", s.handleUpdateItem)
			items.DELETE("/:item", s.handleDeleteItem)
			items.POST("/:item/adjust", s.handleAdjustItem)
			items.PUT("/:item/file", s.handleSetFile)
			items.GET("/:item/sync", s.handleItemSyncStatus)
			items.GET("/:item/ledger", s.handleItemLedger)
		}
		v1.POST("/tenants/:tenant/outbox/:message/retract", s.handleRetract)
	}

	s.router.POST("/webhook/:provider/:token", s.handleWebhook)
}

// Start begins serving; blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Timeout,
		WriteTimeout: s.config.Timeout,
	}
	s.log.Info("API server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the gin engine for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrNegativeQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, model.ErrAuth):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal server error"})
	}
}

// actorID reads the acting user from the request; edits always record who
// made them.
func actorID(c *gin.Context) string {
	if v := c.GetHeader("X-Actor-ID"); v != "" {
		return v
	}
	return "anonymous"
}
