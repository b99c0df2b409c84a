// Package api exposes the enrichment pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/learning"
	"github.com/alvmarrod/domain-enricher/internal/memory"
	"github.com/alvmarrod/domain-enricher/internal/scheduler"
	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/version"
)

const shutdownTimeout = 10 * time.Second

// Scheduler is the execution control used by the handlers
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (scheduler.SubmitResult, error)
	Cancel(runID string) error
	Pause()
	Resume()
	WorkerStatus() scheduler.WorkerStatus
	Execution(runID string) *memory.Snapshot
}

// RunStore is the read side of runs used by the handlers
type RunStore interface {
	GetEnrichmentStatus(ctx context.Context, runID string) (*storage.EnrichmentStatus, error)
	ListRunDomains(ctx context.Context, runID string) ([]storage.RunDomain, error)
	ListModeration(ctx context.Context) ([]storage.DomainModeration, error)
	Ping(ctx context.Context) error
}

// Moderator applies manual moderation actions
type Moderator interface {
	Resolve(ctx context.Context, runID, d string, r gate.Resolution) (storage.Completion, error)
	Reset(ctx context.Context, runID, d string) error
}

// Learner records corrections and reports on them
type Learner interface {
	RecordCorrection(ctx context.Context, c learning.Correction) (*storage.LearningRecord, error)
	Stats(ctx context.Context) (learning.Stats, error)
	LearnedSummary(ctx context.Context) ([]learning.PatternSummary, error)
}

// Deps are the components served by the API
type Deps struct {
	Scheduler Scheduler
	Store     RunStore
	Moderator Moderator
	Learner   Learner
	Gatherer  prometheus.Gatherer
}

// Server is the HTTP front of the enricher
type Server struct {
	router *gin.Engine
	server *http.Server
}

// NewServer builds the router. A nil Gatherer serves the default Prometheus registry.
func NewServer(addr string, deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handlers{deps: deps}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/enrich", h.enrich)

		runs := v1.Group("/runs/:runId")
		runs.GET("/status", h.runStatus)
		runs.POST("/cancel", h.cancel)
		runs.POST("/domains/:domain/reset", h.reset)
		runs.POST("/domains/:domain/resolve", h.resolve)

		v1.GET("/moderation", h.moderation)

		v1.POST("/learning/corrections", h.correction)
		v1.GET("/learning/stats", h.learningStats)
		v1.GET("/learning/summary", h.learningSummary)

		v1.POST("/worker/pause", h.pause)
		v1.POST("/worker/resume", h.resume)
		v1.GET("/worker/status", h.workerStatus)
	}

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	logrus.Infof("API listening on %s (version %s)", s.server.Addr, version.Version)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requestLogger writes one logrus line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}
