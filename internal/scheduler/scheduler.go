// Package scheduler runs enrichment executions: a bounded pool of workers per run pulls
// pending domains and takes each through the processor, while progress is kept on the
// execution board and flushed into the run metadata.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/memory"
	"github.com/alvmarrod/domain-enricher/internal/metrics"
	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

var (
	// ErrInvalidRequest is returned for submissions missing required fields
	ErrInvalidRequest = errors.New("invalid enrichment request")
	// ErrInvalidDomain is returned when a submitted domain does not normalize
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrNoExecution is returned when a run has no execution in this process
	ErrNoExecution = errors.New("run has no active execution")
	// ErrExecutionRunning is returned when a run is submitted while it is being processed
	ErrExecutionRunning = memory.ErrExecutionRunning
)

// ModeAuto is the default execution mode
const ModeAuto = "auto"

const cancelledError = "cancelled"

// Store is the persistence the scheduler needs beyond the processor
type Store interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	CreateRun(ctx context.Context, id string) error
	ListRuns(ctx context.Context) ([]storage.Run, error)
	AddRunDomains(ctx context.Context, runID string, domains []string) (int, error)
	ListPendingDomains(ctx context.Context, runID string) ([]string, error)
	ListStaleRuns(ctx context.Context, cutoff time.Time) ([]string, error)
	CountRunDomains(ctx context.Context, runID string) (int, error)
	GetEnrichmentStatus(ctx context.Context, runID string) (*storage.EnrichmentStatus, error)
	SaveEnrichmentStatus(ctx context.Context, runID string, status *storage.EnrichmentStatus) error
}

// DomainProcessor handles a single claimed-or-claimable domain
type DomainProcessor interface {
	Process(ctx context.Context, runID, domain string, force bool) (Outcome, error)
}

// Options configures the scheduler
type Options struct {
	RunConcurrency int
	StaleAfter     time.Duration
	SweepSchedule  string
	FlushInterval  time.Duration
	StopTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.RunConcurrency <= 0 {
		o.RunConcurrency = 2
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.SweepSchedule == "" {
		o.SweepSchedule = "@every 1m"
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
	return o
}

// SubmitRequest asks for a run's domains to be enriched
type SubmitRequest struct {
	RunID   string
	Domains []string
	Force   bool
	Mode    string
}

// SubmitResult acknowledges an accepted submission
type SubmitResult struct {
	Accepted    bool   `json:"accepted"`
	ExecutionID string `json:"executionId"`
}

// WorkerStatus describes the scheduler's claiming state
type WorkerStatus struct {
	Paused     bool              `json:"paused"`
	Executions []ExecutionStatus `json:"executions"`
}

// ExecutionStatus is the public view of a live execution
type ExecutionStatus struct {
	RunID          string                  `json:"runId"`
	ExecutionID    string                  `json:"executionId"`
	Status         storage.ExecutionStatus `json:"status"`
	Processed      int                     `json:"processed"`
	Total          int                     `json:"total"`
	CurrentDomains []string                `json:"currentDomains"`
}

// runHandle controls one live execution
type runHandle struct {
	executionID string
	mode        string
	force       bool
	queue       *Queue
	cancelOnce  sync.Once
	cancelled   chan struct{}
	// rescan asks for a follow-up execution once this one ends
	rescan atomic.Bool
}

func (h *runHandle) cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancelled)
		h.queue.Drain()
	})
}

// Scheduler runs executions and the background sweep and flush loops
type Scheduler struct {
	store     Store
	processor DomainProcessor
	machine   *runstate.Machine
	board     *memory.ExecutionBoard
	tracker   *metrics.Tracker
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runHandle

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	cron     *cron.Cron
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a scheduler. tracker may be nil.
func New(store Store, processor DomainProcessor, machine *runstate.Machine, board *memory.ExecutionBoard, tracker *metrics.Tracker, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		processor: processor,
		machine:   machine,
		board:     board,
		tracker:   tracker,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*runHandle),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the stale sweep on its cron schedule and the periodic progress flush
func (s *Scheduler) Start() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := s.cron.AddFunc(s.opts.SweepSchedule, func() { s.Sweep(s.ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.opts.SweepSchedule, err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.flushLoop()

	logrus.Infof("Scheduler started: %d workers per run, sweep %s", s.opts.RunConcurrency, s.opts.SweepSchedule)
	return nil
}

// Sweep requeues processing domains whose claim is older than the stale threshold and
// makes sure their runs pick them up again
func (s *Scheduler) Sweep(ctx context.Context) int64 {
	runs, err := s.store.ListStaleRuns(ctx, time.Now().Add(-s.opts.StaleAfter))
	if err != nil {
		logrus.Warnf("Stale sweep failed: %v", err)
		return 0
	}
	n, err := s.machine.RequeueStale(ctx, s.opts.StaleAfter)
	if err != nil {
		logrus.Warnf("Stale sweep failed: %v", err)
		return 0
	}
	if n == 0 {
		return 0
	}

	logrus.Infof("Stale sweep requeued %d domains of %d runs", n, len(runs))
	for _, runID := range runs {
		s.resumeStranded(ctx, runID)
	}
	return n
}

// resumeStranded schedules the pending domains of a run nobody is processing. A live
// execution of the run is asked to rescan when it ends; otherwise a new one starts.
func (s *Scheduler) resumeStranded(ctx context.Context, runID string) {
	s.mu.Lock()
	handle, live := s.runs[runID]
	s.mu.Unlock()
	if live {
		handle.rescan.Store(true)
		return
	}

	previous, err := s.store.GetEnrichmentStatus(ctx, runID)
	if err != nil {
		logrus.Warnf("Cannot resume run %s: %v", runID, err)
		return
	}
	if _, err := s.relaunch(ctx, runID, previous); err != nil {
		logrus.Warnf("Failed to resume run %s: %v", runID, err)
	}
}

// relaunch starts a new execution reusing the mode and force flag of the previous one
func (s *Scheduler) relaunch(ctx context.Context, runID string, previous *storage.EnrichmentStatus) (string, error) {
	mode, force := ModeAuto, false
	if previous != nil {
		if previous.Mode != "" {
			mode = previous.Mode
		}
		force = previous.Force
	}
	return s.launch(ctx, runID, mode, force)
}

func (s *Scheduler) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.board.Flush(s.ctx, s.store); err != nil {
				logrus.Warnf("Progress flush failed: %v", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// Submit validates a request, registers the run's domains and starts an execution in
// the background
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.RunID == "" {
		return SubmitResult{}, fmt.Errorf("%w: runId is required", ErrInvalidRequest)
	}
	if len(req.Domains) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: at least one domain is required", ErrInvalidRequest)
	}

	domains, invalid := normalizeAll(req.Domains)
	if len(invalid) > 0 {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidDomain, invalid)
	}

	if snap := s.board.Get(req.RunID); snap != nil && snap.Status.Active() {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrExecutionRunning, req.RunID)
	}

	if _, err := s.store.GetRun(ctx, req.RunID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return SubmitResult{}, err
		}
		if err := s.store.CreateRun(ctx, req.RunID); err != nil {
			return SubmitResult{}, err
		}
	}

	if _, err := s.store.AddRunDomains(ctx, req.RunID, domains); err != nil {
		return SubmitResult{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeAuto
	}
	executionID, err := s.launch(ctx, req.RunID, mode, req.Force)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Accepted: true, ExecutionID: executionID}, nil
}

// launch registers a queued execution, persists it and starts its workers
func (s *Scheduler) launch(ctx context.Context, runID, mode string, force bool) (string, error) {
	if s.stopping() {
		return "", errors.New("scheduler is stopping")
	}

	status := storage.NewEnrichmentStatus(uuid.NewString(), mode, force, time.Now().UTC())
	if err := s.board.Register(runID, status); err != nil {
		return "", err
	}
	if err := s.store.SaveEnrichmentStatus(ctx, runID, status); err != nil {
		s.board.Finish(runID, err.Error())
		return "", err
	}

	handle := &runHandle{
		executionID: status.ExecutionID,
		mode:        mode,
		force:       force,
		queue:       NewQueue(),
		cancelled:   make(chan struct{}),
	}
	s.mu.Lock()
	s.runs[runID] = handle
	active := len(s.runs)
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.SetExecutionsActive(active)
	}

	logrus.WithFields(logrus.Fields{"run": runID, "execution": status.ExecutionID, "force": force}).Info("Execution queued")

	s.wg.Add(1)
	go s.execute(runID, handle)
	return status.ExecutionID, nil
}

// execute processes every pending domain of the run with a bounded worker pool
func (s *Scheduler) execute(runID string, handle *runHandle) {
	defer s.wg.Done()
	defer s.forget(runID, handle)

	errMsg := ""
	defer func() {
		if s.stopping() && errMsg == "" {
			// Left running so the next process resumes it
			logrus.WithField("run", runID).Info("Execution interrupted by shutdown")
		} else {
			s.board.Finish(runID, errMsg)
		}
		if err := s.board.Flush(s.ctx, s.store); err != nil {
			logrus.Warnf("Final flush of run %s failed: %v", runID, err)
		}
		logrus.WithFields(logrus.Fields{"run": runID, "execution": handle.executionID}).Infof("Execution finished (error=%q)", errMsg)

		if errMsg == "" && !s.stopping() && handle.rescan.Load() {
			if _, err := s.launch(s.ctx, runID, handle.mode, handle.force); err != nil {
				logrus.Warnf("Failed to rescan run %s: %v", runID, err)
			}
		}
	}()

	total, err := s.store.CountRunDomains(s.ctx, runID)
	if err != nil {
		errMsg = err.Error()
		return
	}
	pending, err := s.store.ListPendingDomains(s.ctx, runID)
	if err != nil {
		errMsg = err.Error()
		return
	}

	s.board.Start(runID, total, total-len(pending))
	for _, d := range pending {
		handle.queue.Push(d)
	}
	handle.queue.Stop()

	logrus.Infof("Run %s: %d pending of %d domains, starting %d workers", runID, len(pending), total, s.opts.RunConcurrency)

	var workers sync.WaitGroup
	for i := 0; i < s.opts.RunConcurrency; i++ {
		workers.Add(1)
		go s.worker(runID, i+1, handle, &workers)
	}
	workers.Wait()

	select {
	case <-handle.cancelled:
		errMsg = cancelledError
	default:
	}
}

// worker pops domains until the queue is drained or the execution is cancelled
func (s *Scheduler) worker(runID string, id int, handle *runHandle, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		if !s.waitIfPaused(handle) {
			logrus.Debugf("Worker %d: run %s cancelled while paused", id, runID)
			return
		}

		select {
		case <-handle.cancelled:
			logrus.Debugf("Worker %d: run %s cancelled", id, runID)
			return
		case <-s.stopChan:
			logrus.Debugf("Worker %d received stop signal", id)
			return
		default:
		}

		d, ok := handle.queue.Pop()
		if !ok {
			logrus.Debugf("Worker %d: queue drained, exiting", id)
			return
		}

		s.board.Begin(runID, id, d)
		outcome, err := s.processor.Process(s.ctx, runID, d, handle.force)
		switch {
		case errors.Is(err, storage.ErrAlreadyClaimed):
			logrus.Debugf("Worker %d: %s already claimed, moving on", id, d)
			s.board.Release(runID, id)
		case err != nil:
			logrus.Warnf("Worker %d: failed to process %s: %v", id, d, err)
			s.board.Release(runID, id)
		default:
			logrus.Debugf("Worker %d: %s -> %s", id, outcome.Domain, runstate.Label(outcome.Status))
			s.board.Advance(runID, id, d)
		}
	}
}

// waitIfPaused blocks while claiming is paused. Returns false if the execution was
// cancelled or the scheduler stopped meanwhile.
func (s *Scheduler) waitIfPaused(handle *runHandle) bool {
	s.pauseMu.Lock()
	if !s.paused {
		s.pauseMu.Unlock()
		return true
	}
	resume := s.resumeCh
	s.pauseMu.Unlock()

	select {
	case <-resume:
		return true
	case <-handle.cancelled:
		return false
	case <-s.stopChan:
		return false
	}
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Scheduler) forget(runID string, handle *runHandle) {
	s.mu.Lock()
	if s.runs[runID] == handle {
		delete(s.runs, runID)
	}
	active := len(s.runs)
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.SetExecutionsActive(active)
	}
}

// Cancel stops claiming new domains of a run. Domains already processing finish normally
// and the execution ends as failed with error "cancelled".
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	handle, exists := s.runs[runID]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoExecution, runID)
	}

	handle.cancel()
	logrus.WithField("run", runID).Info("Execution cancelled")
	return nil
}

// Pause stops every worker from claiming new domains until Resume
func (s *Scheduler) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
	logrus.Info("Workers paused")
}

// Resume lets paused workers claim again
func (s *Scheduler) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
	logrus.Info("Workers resumed")
}

// WorkerStatus reports whether claiming is paused and which executions are live
func (s *Scheduler) WorkerStatus() WorkerStatus {
	s.pauseMu.Lock()
	paused := s.paused
	s.pauseMu.Unlock()

	status := WorkerStatus{Paused: paused, Executions: []ExecutionStatus{}}
	for _, snap := range s.board.Active() {
		status.Executions = append(status.Executions, ExecutionStatus{
			RunID:          snap.RunID,
			ExecutionID:    snap.Status.ExecutionID,
			Status:         snap.Status.Status,
			Processed:      snap.Status.Processed,
			Total:          snap.Status.Total,
			CurrentDomains: snap.CurrentDomains,
		})
	}
	return status
}

// Execution returns the live execution of a run, nil if none
func (s *Scheduler) Execution(runID string) *memory.Snapshot {
	return s.board.Get(runID)
}

// Recover resumes executions a previous process left queued or running, and starts one
// for every other run still holding pending domains unless its last execution was
// cancelled. Stale processing rows are requeued first; already terminal domains are
// never reprocessed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	// Nothing is in flight in this process yet, so every processing row is stale
	if _, err := s.machine.RequeueStale(ctx, 0); err != nil {
		return 0, fmt.Errorf("failed to requeue stale domains: %w", err)
	}

	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, run := range runs {
		status, err := s.store.GetEnrichmentStatus(ctx, run.ID)
		if err != nil {
			logrus.Warnf("Skipping recovery of run %s: %v", run.ID, err)
			continue
		}

		if status == nil || !status.Active() {
			if status != nil && status.Error == cancelledError {
				continue
			}
			pending, err := s.store.ListPendingDomains(ctx, run.ID)
			if err != nil {
				logrus.Warnf("Skipping recovery of run %s: %v", run.ID, err)
				continue
			}
			if len(pending) == 0 {
				continue
			}
		}

		executionID, err := s.relaunch(ctx, run.ID, status)
		if err != nil {
			logrus.Warnf("Failed to resume run %s: %v", run.ID, err)
			continue
		}
		if status != nil {
			logrus.Infof("Resumed run %s (execution %s replaces %s)", run.ID, executionID, status.ExecutionID)
		} else {
			logrus.Infof("Resumed run %s (execution %s)", run.ID, executionID)
		}
		resumed++
	}
	return resumed, nil
}

// Stop cancels every execution, waits for in-flight domains and flushes progress
// (safe to call multiple times)
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		logrus.Info("Stopping scheduler...")

		s.mu.Lock()
		for _, handle := range s.runs {
			handle.queue.Drain()
		}
		s.mu.Unlock()
		close(s.stopChan)

		if s.cron != nil {
			<-s.cron.Stop().Done()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logrus.Debug("All executions stopped")
		case <-time.After(s.opts.StopTimeout):
			logrus.Warnf("Executions timeout (%s) - abandoning in-flight domains", s.opts.StopTimeout)
			s.cancel()
		}

		if err := s.board.Flush(context.Background(), s.store); err != nil {
			logrus.Errorf("Failed to flush execution board: %v", err)
		}
		s.cancel()
		logrus.Info("Scheduler stopped")
	})
}

// Wait blocks until every execution launched so far has finished
func (s *Scheduler) Wait() {
	for {
		s.mu.Lock()
		n := len(s.runs)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func normalizeAll(raw []string) (domains, invalid []string) {
	seen := make(map[string]bool)
	for _, r := range raw {
		d := domain.Normalize(r)
		if d == "" {
			invalid = append(invalid, r)
			continue
		}
		if !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	return domains, invalid
}
