package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/learning"
	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/scheduler"
	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/version"
)

const statusIdle = "idle"

type handlers struct {
	deps Deps
}

// EnrichRequest is the body of POST /api/v1/enrich
type EnrichRequest struct {
	RunID   string   `json:"runId"`
	Domains []string `json:"domains"`
	Force   bool     `json:"force"`
	Mode    string   `json:"mode"`
}

// RunStatusResponse is the body of GET /api/v1/runs/:runId/status
type RunStatusResponse struct {
	RunID          string              `json:"runId"`
	Status         string              `json:"status"`
	ExecutionID    string              `json:"executionId,omitempty"`
	Processed      int                 `json:"processed"`
	Total          int                 `json:"total"`
	CurrentDomain  string              `json:"currentDomain,omitempty"`
	CurrentDomains []string            `json:"currentDomains,omitempty"`
	Error          string              `json:"error,omitempty"`
	Counts         map[string]int      `json:"counts"`
	Results        []storage.RunDomain `json:"results"`
}

// ResolveRequest is the body of POST /api/v1/runs/:runId/domains/:domain/resolve
type ResolveRequest struct {
	Type       storage.SupplierType `json:"type"`
	INN        string               `json:"inn"`
	Emails     []string             `json:"emails"`
	SourceURLs struct {
		INN   string `json:"inn"`
		Email string `json:"email"`
	} `json:"sourceUrls"`
}

// health handles GET /health
func (h *handlers) health(c *gin.Context) {
	if err := h.deps.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

// enrich handles POST /api/v1/enrich
func (h *handlers) enrich(c *gin.Context) {
	var req EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request: "+err.Error())
		return
	}

	result, err := h.deps.Scheduler.Submit(c.Request.Context(), scheduler.SubmitRequest{
		RunID:   req.RunID,
		Domains: req.Domains,
		Force:   req.Force,
		Mode:    req.Mode,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// runStatus handles GET /api/v1/runs/:runId/status
func (h *handlers) runStatus(c *gin.Context) {
	runID := c.Param("runId")
	ctx := c.Request.Context()

	stored, err := h.deps.Store.GetEnrichmentStatus(ctx, runID)
	if err != nil {
		respondErr(c, err)
		return
	}
	results, err := h.deps.Store.ListRunDomains(ctx, runID)
	if err != nil {
		respondErr(c, err)
		return
	}

	resp := RunStatusResponse{
		RunID:   runID,
		Status:  statusIdle,
		Counts:  make(map[string]int),
		Results: results,
	}
	for _, rd := range results {
		resp.Counts[runstate.Label(rd.Status)]++
	}

	// The live execution is fresher than what was last flushed
	if snap := h.deps.Scheduler.Execution(runID); snap != nil {
		applyStatus(&resp, &snap.Status)
		resp.CurrentDomains = snap.CurrentDomains
		if len(snap.CurrentDomains) > 0 {
			resp.CurrentDomain = snap.CurrentDomains[0]
		}
	} else if stored != nil {
		applyStatus(&resp, stored)
	}

	c.JSON(http.StatusOK, resp)
}

func applyStatus(resp *RunStatusResponse, status *storage.EnrichmentStatus) {
	resp.Status = string(status.Status)
	resp.ExecutionID = status.ExecutionID
	resp.Processed = status.Processed
	resp.Total = status.Total
	resp.CurrentDomain = status.LastDomain
	resp.Error = status.Error
}

// cancel handles POST /api/v1/runs/:runId/cancel
func (h *handlers) cancel(c *gin.Context) {
	runID := c.Param("runId")
	if err := h.deps.Scheduler.Cancel(runID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": runID, "cancelled": true})
}

// reset handles POST /api/v1/runs/:runId/domains/:domain/reset
func (h *handlers) reset(c *gin.Context) {
	runID, d, ok := runDomainParams(c)
	if !ok {
		return
	}
	if err := h.deps.Moderator.Reset(c.Request.Context(), runID, d); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": runID, "domain": d, "status": runstate.Label(storage.StatusPending)})
}

// resolve handles POST /api/v1/runs/:runId/domains/:domain/resolve
func (h *handlers) resolve(c *gin.Context) {
	runID, d, ok := runDomainParams(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request: "+err.Error())
		return
	}

	completion, err := h.deps.Moderator.Resolve(c.Request.Context(), runID, d, gate.Resolution{
		Type:           req.Type,
		INN:            req.INN,
		Emails:         req.Emails,
		INNSourceURL:   req.SourceURLs.INN,
		EmailSourceURL: req.SourceURLs.Email,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runId":      runID,
		"domain":     d,
		"status":     completion.Status,
		"supplierId": completion.SupplierID,
	})
}

// moderation handles GET /api/v1/moderation
func (h *handlers) moderation(c *gin.Context) {
	entries, err := h.deps.Store.ListModeration(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// correction handles POST /api/v1/learning/corrections
func (h *handlers) correction(c *gin.Context) {
	var req learning.Correction
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request: "+err.Error())
		return
	}
	record, err := h.deps.Learner.RecordCorrection(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// learningStats handles GET /api/v1/learning/stats
func (h *handlers) learningStats(c *gin.Context) {
	stats, err := h.deps.Learner.Stats(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// learningSummary handles GET /api/v1/learning/summary
func (h *handlers) learningSummary(c *gin.Context) {
	summary, err := h.deps.Learner.LearnedSummary(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": summary})
}

func (h *handlers) pause(c *gin.Context) {
	h.deps.Scheduler.Pause()
	c.JSON(http.StatusOK, h.deps.Scheduler.WorkerStatus())
}

func (h *handlers) resume(c *gin.Context) {
	h.deps.Scheduler.Resume()
	c.JSON(http.StatusOK, h.deps.Scheduler.WorkerStatus())
}

func (h *handlers) workerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Scheduler.WorkerStatus())
}

// runDomainParams reads :runId and a normalized :domain, answering 400 itself on failure
func runDomainParams(c *gin.Context) (runID, d string, ok bool) {
	runID = c.Param("runId")
	d = domain.Normalize(c.Param("domain"))
	if d == "" {
		respondBadRequest(c, "invalid domain "+c.Param("domain"))
		return "", "", false
	}
	return runID, d, true
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrStateConflict),
		errors.Is(err, storage.ErrAlreadyClaimed),
		errors.Is(err, scheduler.ErrExecutionRunning):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, scheduler.ErrNoExecution):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, scheduler.ErrInvalidDomain),
		errors.Is(err, learning.ErrInvalidCorrection),
		errors.Is(err, gate.ErrInvalidResolution),
		errors.Is(err, runstate.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		respondInternalError(c, "internal error")
		return
	}
	respondError(c, status, err.Error())
}

// respondError sends a JSON error response.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondBadRequest sends a 400 with message.
func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, message)
}

// respondInternalError sends a 500 with message.
func respondInternalError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, message)
}
