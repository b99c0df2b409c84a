// Package runstate enforces the per-run domain lifecycle:
// pending -> processing -> {supplier, reseller, requires_moderation, needs_moderation},
// with explicit resets back to pending.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvmarrod/domain-enricher/internal/storage"
)

// ErrInvalidTransition is returned for transitions the state machine does not allow
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidateTransition checks if a status transition is valid.
// Returns an error wrapping ErrInvalidTransition if it is not allowed.
func ValidateTransition(from, to storage.DomainStatus) error {
	validTransitions := map[storage.DomainStatus][]storage.DomainStatus{
		storage.StatusPending: {
			storage.StatusProcessing, // Worker claim
		},
		storage.StatusProcessing: {
			storage.StatusSupplier,
			storage.StatusReseller,
			storage.StatusRequiresModeration,
			storage.StatusNeedsModeration,
			storage.StatusPending, // Stale sweep after a worker crash
		},
		storage.StatusSupplier: {
			storage.StatusPending, // Operator reset
		},
		storage.StatusReseller: {
			storage.StatusPending, // Operator reset
		},
		storage.StatusRequiresModeration: {
			storage.StatusPending,  // Operator reset
			storage.StatusSupplier, // Manual resolve
			storage.StatusReseller, // Manual resolve
		},
		storage.StatusNeedsModeration: {
			storage.StatusPending,
			storage.StatusSupplier,
			storage.StatusReseller,
		},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, Label(from), Label(to))
}

// IsTerminal reports whether a status ends automatic processing
func IsTerminal(status storage.DomainStatus) bool {
	switch status {
	case storage.StatusSupplier, storage.StatusReseller,
		storage.StatusRequiresModeration, storage.StatusNeedsModeration:
		return true
	}
	return false
}

// IsModeration treats both historical spellings of the moderation state as one
func IsModeration(status storage.DomainStatus) bool {
	return status == storage.StatusRequiresModeration || status == storage.StatusNeedsModeration
}

// Label renders a status for messages; pending has no stored value
func Label(status storage.DomainStatus) string {
	if status == storage.StatusPending {
		return "pending"
	}
	return string(status)
}

// Parse converts an external status name into a DomainStatus
func Parse(s string) (storage.DomainStatus, error) {
	switch storage.DomainStatus(s) {
	case storage.StatusProcessing, storage.StatusSupplier, storage.StatusReseller,
		storage.StatusRequiresModeration, storage.StatusNeedsModeration:
		return storage.DomainStatus(s), nil
	}
	if s == "" || s == "pending" {
		return storage.StatusPending, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Store is the persistence the machine drives. Every method is a conditional update
// that refuses to act on a row in the wrong state.
type Store interface {
	GetRunDomain(ctx context.Context, runID, domain string) (*storage.RunDomain, error)
	ClaimRunDomain(ctx context.Context, runID, domain string, now time.Time) error
	FinishRunDomain(ctx context.Context, c storage.Completion, now time.Time) error
	ResolveRunDomain(ctx context.Context, c storage.Completion, now time.Time) error
	ResetRunDomain(ctx context.Context, runID, domain string, now time.Time) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Machine applies validated transitions to run domains
type Machine struct {
	store Store
	now   func() time.Time
}

// NewMachine creates a state machine over store
func NewMachine(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Claim moves a pending domain to processing. Losing a race returns storage.ErrAlreadyClaimed.
func (m *Machine) Claim(ctx context.Context, runID, domain string) error {
	return m.store.ClaimRunDomain(ctx, runID, domain, m.now())
}

// Finish moves a processing domain to its terminal status
func (m *Machine) Finish(ctx context.Context, c storage.Completion) error {
	if err := ValidateTransition(storage.StatusProcessing, c.Status); err != nil {
		return err
	}
	if c.Status == storage.StatusPending {
		return fmt.Errorf("%w: finish requires a terminal status", ErrInvalidTransition)
	}
	if IsModeration(c.Status) {
		if c.Reason == "" {
			return fmt.Errorf("%w: moderation requires a reason", ErrInvalidTransition)
		}
		if len(c.AttemptedURLs) == 0 {
			return fmt.Errorf("%w: moderation of %s without attempted urls", ErrInvalidTransition, c.Domain)
		}
	}

	err := m.store.FinishRunDomain(ctx, c, m.now())
	if errors.Is(err, storage.ErrStateConflict) {
		return m.explainConflict(ctx, c.RunID, c.Domain, c.Status, err)
	}
	return err
}

// Resolve applies a moderator's classification to a domain awaiting moderation
func (m *Machine) Resolve(ctx context.Context, c storage.Completion) error {
	if c.Status != storage.StatusSupplier && c.Status != storage.StatusReseller {
		return fmt.Errorf("%w: resolve target must be supplier or reseller, got %s", ErrInvalidTransition, Label(c.Status))
	}
	err := m.store.ResolveRunDomain(ctx, c, m.now())
	if errors.Is(err, storage.ErrStateConflict) {
		return m.explainConflict(ctx, c.RunID, c.Domain, c.Status, err)
	}
	return err
}

// Reset returns a terminal domain to pending, clearing its evidence and its moderation entry
func (m *Machine) Reset(ctx context.Context, runID, domain string) error {
	err := m.store.ResetRunDomain(ctx, runID, domain, m.now())
	if errors.Is(err, storage.ErrStateConflict) {
		return m.explainConflict(ctx, runID, domain, storage.StatusPending, err)
	}
	return err
}

// RequeueStale returns processing domains claimed longer than staleAfter ago to pending
func (m *Machine) RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return m.store.RequeueStale(ctx, m.now().Add(-staleAfter))
}

// explainConflict turns a zero-row conditional update into a transition error naming the actual state
func (m *Machine) explainConflict(ctx context.Context, runID, domain string, to storage.DomainStatus, cause error) error {
	rd, err := m.store.GetRunDomain(ctx, runID, domain)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run domain %s/%s: %w", runID, domain, storage.ErrNotFound)
		}
		return cause
	}
	if vErr := ValidateTransition(rd.Status, to); vErr != nil {
		return fmt.Errorf("%w: %w", cause, vErr)
	}
	return cause
}
