package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/extract"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

// ErrInvalidResolution is returned when a moderator's classification fails validation
var ErrInvalidResolution = errors.New("invalid resolution")

// ReasonResolved is written on rows classified by a moderator
const ReasonResolved = "resolved_by_moderator"

// Resolution is a moderator's classification of a domain awaiting moderation
type Resolution struct {
	Type           storage.SupplierType `json:"type"`
	INN            string               `json:"inn"`
	Emails         []string             `json:"emails"`
	INNSourceURL   string               `json:"innSourceUrl"`
	EmailSourceURL string               `json:"emailSourceUrl"`
}

// Resolver persists the final transition of a resolved row
type Resolver interface {
	Resolve(ctx context.Context, c storage.Completion) error
}

// ResolutionStore is what resolving needs beyond the gate's own store
type ResolutionStore interface {
	GetRunDomain(ctx context.Context, runID, domain string) (*storage.RunDomain, error)
	AddSupplierDomain(ctx context.Context, supplierID int64, domain string, emails []string) error
	SetSupplierType(ctx context.Context, supplierID int64, typ storage.SupplierType) error
}

// Resolve registers a moderated domain under the supplier owning the given INN (creating it
// when unknown), moves the row to supplier or reseller and lifts the blacklist entry.
func (g *Gate) Resolve(ctx context.Context, rs ResolutionStore, resolver Resolver, runID, d string, r Resolution) (storage.Completion, error) {
	r, err := normalizeResolution(r)
	if err != nil {
		return storage.Completion{}, err
	}

	rd, err := rs.GetRunDomain(ctx, runID, d)
	if err != nil {
		return storage.Completion{}, err
	}
	if rd.Status != storage.StatusRequiresModeration && rd.Status != storage.StatusNeedsModeration {
		return storage.Completion{}, fmt.Errorf("%w: %s is %q, not awaiting moderation", storage.ErrStateConflict, d, rd.Status)
	}

	supplierID, err := g.registerResolved(ctx, rs, d, r)
	if err != nil {
		return storage.Completion{}, err
	}

	completion := storage.Completion{
		RunID:          runID,
		Domain:         d,
		Status:         storage.DomainStatus(r.Type),
		Reason:         ReasonResolved,
		INN:            r.INN,
		Emails:         r.Emails,
		INNSourceURL:   r.INNSourceURL,
		EmailSourceURL: r.EmailSourceURL,
		SupplierID:     &supplierID,
	}
	if err := resolver.Resolve(ctx, completion); err != nil {
		return storage.Completion{}, err
	}
	g.Invalidate(d)

	logrus.WithFields(logrus.Fields{
		"run_id": runID,
		"domain": d,
		"type":   r.Type,
	}).Info("Moderation resolved")
	return completion, nil
}

func (g *Gate) registerResolved(ctx context.Context, rs ResolutionStore, d string, r Resolution) (int64, error) {
	owner, err := g.store.FindSupplierByINN(ctx, r.INN)
	if err != nil {
		return 0, err
	}
	if owner == nil {
		return g.store.CreateSupplier(ctx, &storage.Supplier{
			Name:    d,
			INN:     r.INN,
			Type:    r.Type,
			Emails:  storage.StringList(r.Emails),
			Domains: []string{d},
		})
	}

	if err := rs.AddSupplierDomain(ctx, owner.ID, d, r.Emails); err != nil {
		return 0, err
	}
	if owner.Type != r.Type {
		if err := rs.SetSupplierType(ctx, owner.ID, r.Type); err != nil {
			return 0, fmt.Errorf("failed to reclassify supplier %d: %w", owner.ID, err)
		}
	}
	return owner.ID, nil
}

func normalizeResolution(r Resolution) (Resolution, error) {
	if r.Type != storage.SupplierTypeSupplier && r.Type != storage.SupplierTypeReseller {
		return r, fmt.Errorf("%w: type must be supplier or reseller", ErrInvalidResolution)
	}
	r.INN = extract.CleanINN(r.INN)
	if !extract.ValidINN(r.INN) {
		return r, fmt.Errorf("%w: invalid INN", ErrInvalidResolution)
	}

	emails := make([]string, 0, len(r.Emails))
	for _, e := range r.Emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if !extract.ValidEmail(e) {
			return r, fmt.Errorf("%w: invalid email %q", ErrInvalidResolution, e)
		}
		emails = append(emails, e)
	}
	r.Emails = emails
	return r, nil
}

// Transitioner is the part of the run state machine a moderator drives
type Transitioner interface {
	Resolver
	Reset(ctx context.Context, runID, domain string) error
}

// Moderator applies manual moderation actions and keeps the gate's cache in step
type Moderator struct {
	gate    *Gate
	store   ResolutionStore
	machine Transitioner
}

// NewModerator binds a gate to the run state machine
func NewModerator(g *Gate, store ResolutionStore, machine Transitioner) *Moderator {
	return &Moderator{gate: g, store: store, machine: machine}
}

// Resolve classifies a domain awaiting moderation
func (m *Moderator) Resolve(ctx context.Context, runID, d string, r Resolution) (storage.Completion, error) {
	return m.gate.Resolve(ctx, m.store, m.machine, runID, d, r)
}

// Reset returns a terminal domain to pending. Its blacklist entry is removed with it.
func (m *Moderator) Reset(ctx context.Context, runID, d string) error {
	if err := m.machine.Reset(ctx, runID, d); err != nil {
		return err
	}
	m.gate.Invalidate(d)
	logrus.WithFields(logrus.Fields{"run_id": runID, "domain": d}).Info("Domain reset")
	return nil
}
