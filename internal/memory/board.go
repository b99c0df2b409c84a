package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/storage"
)

// ErrExecutionRunning is returned when a run already has an active execution in this process
var ErrExecutionRunning = errors.New("run already has an execution in progress")

// StatusWriter persists execution status objects
type StatusWriter interface {
	SaveEnrichmentStatus(ctx context.Context, runID string, status *storage.EnrichmentStatus) error
}

// execution is the live state of one run's enrichment
type execution struct {
	status        storage.EnrichmentStatus
	currentDomain map[int]string // worker id -> domain being processed
	dirty         bool
}

// Snapshot is a point-in-time copy of an execution
type Snapshot struct {
	RunID          string
	Status         storage.EnrichmentStatus
	CurrentDomains []string
}

// ExecutionBoard holds execution progress in memory and writes it to run metadata on flush
type ExecutionBoard struct {
	mu         sync.RWMutex
	executions map[string]*execution // runID -> execution
	now        func() time.Time
}

// NewExecutionBoard creates an empty board
func NewExecutionBoard() *ExecutionBoard {
	return &ExecutionBoard{
		executions: make(map[string]*execution),
		now:        time.Now,
	}
}

// Register adds a queued execution. A run whose previous execution is still active is refused.
func (b *ExecutionBoard) Register(runID string, status *storage.EnrichmentStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, exists := b.executions[runID]; exists && existing.status.Active() {
		return fmt.Errorf("%w: %s (execution %s)", ErrExecutionRunning, runID, existing.status.ExecutionID)
	}

	b.executions[runID] = &execution{
		status:        *status,
		currentDomain: make(map[int]string),
		dirty:         true,
	}
	return nil
}

// Start marks the execution running with the number of domains the run owns. done is
// the number of those domains already past pending when the execution starts, so that
// a resumed run still ends with processed equal to total.
func (b *ExecutionBoard) Start(runID string, total, done int) {
	b.update(runID, func(e *execution) {
		now := b.now().UTC()
		e.status.Status = storage.ExecutionRunning
		e.status.StartedAt = &now
		e.status.Total = total
		e.status.Processed = done
	})
}

// Begin records that a worker started on a domain
func (b *ExecutionBoard) Begin(runID string, workerID int, domain string) {
	b.update(runID, func(e *execution) {
		e.currentDomain[workerID] = domain
		e.status.LastDomain = domain
	})
}

// Advance counts a domain that reached a terminal state or was skipped
func (b *ExecutionBoard) Advance(runID string, workerID int, domain string) {
	b.update(runID, func(e *execution) {
		delete(e.currentDomain, workerID)
		e.status.Processed++
		e.status.LastDomain = domain
	})
}

// Release clears a worker's current domain without counting it
func (b *ExecutionBoard) Release(runID string, workerID int) {
	b.update(runID, func(e *execution) {
		delete(e.currentDomain, workerID)
	})
}

// Finish moves the execution to completed, or failed when errMsg is set
func (b *ExecutionBoard) Finish(runID, errMsg string) {
	b.update(runID, func(e *execution) {
		now := b.now().UTC()
		e.status.FinishedAt = &now
		e.status.Status = storage.ExecutionCompleted
		if errMsg != "" {
			e.status.Status = storage.ExecutionFailed
			e.status.Error = errMsg
		}
		e.currentDomain = make(map[int]string)
	})
}

func (b *ExecutionBoard) update(runID string, fn func(e *execution)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.executions[runID]
	if !exists {
		return
	}
	fn(e)
	e.dirty = true
}

// Get returns a copy of a run's execution, nil if the run has none in this process
func (b *ExecutionBoard) Get(runID string) *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, exists := b.executions[runID]
	if !exists {
		return nil
	}
	return snapshotOf(runID, e)
}

// Active returns the executions that have not finished
func (b *ExecutionBoard) Active() []Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var active []Snapshot
	for runID, e := range b.executions {
		if e.status.Active() {
			active = append(active, *snapshotOf(runID, e))
		}
	}
	return active
}

func snapshotOf(runID string, e *execution) *Snapshot {
	snap := &Snapshot{RunID: runID, Status: e.status}
	for _, d := range e.currentDomain {
		snap.CurrentDomains = append(snap.CurrentDomains, d)
	}
	return snap
}

// Flush writes every changed execution status to storage. Finished executions are
// dropped from the board once written.
func (b *ExecutionBoard) Flush(ctx context.Context, store StatusWriter) error {
	b.mu.Lock()
	pending := make(map[string]storage.EnrichmentStatus)
	for runID, e := range b.executions {
		if e.dirty {
			pending[runID] = e.status
			e.dirty = false
		}
	}
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	startTime := time.Now()
	written := 0
	var firstErr error
	for runID, status := range pending {
		status := status
		if err := store.SaveEnrichmentStatus(ctx, runID, &status); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logrus.Warnf("Failed to flush execution status of run %s: %v", runID, err)
			b.markDirty(runID)
			continue
		}
		written++
	}

	b.mu.Lock()
	for runID, status := range pending {
		if e, exists := b.executions[runID]; exists && !e.dirty && !status.Active() {
			delete(b.executions, runID)
		}
	}
	b.mu.Unlock()

	logrus.Debugf("Flush complete: %d execution statuses written in %v", written, time.Since(startTime))
	return firstErr
}

func (b *ExecutionBoard) markDirty(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, exists := b.executions[runID]; exists {
		e.dirty = true
	}
}
