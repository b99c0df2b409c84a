// Package gate decides whether a domain is worth extracting at all, and what an
// extraction result means for the supplier registry.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/strategy"
)

// SkipReason says why a domain is not extracted
type SkipReason string

const (
	SkipNone       SkipReason = "none"
	SkipSupplier   SkipReason = "supplier"
	SkipModeration SkipReason = "moderation"
)

// Moderation reasons written by Decide
const (
	ReasonTimeout             = "timeout"
	ReasonINNNotFound         = "inn_not_found"
	ReasonEmailNotFound       = "email_not_found"
	ReasonINNAndEmailNotFound = "inn_and_email_not_found"
	ReasonMultipleINN         = "multiple_inn_found"
	ReasonINNConflict         = "inn_conflict"
	ReasonAlreadySupplier     = "already_supplier"
)

// BlacklistMarkerPrefix starts the attempted-URL placeholder of a gated domain
const BlacklistMarkerPrefix = "moderation-blacklist:"

const (
	blacklistedReasonPrefix = "blacklisted: "
	maxDistinctINNs         = 2
)

// Store is the registry and blacklist persistence used by the gate
type Store interface {
	SupplierExistsByDomain(ctx context.Context, domains ...string) (bool, error)
	FindSupplierByINN(ctx context.Context, inn string) (*storage.Supplier, error)
	CreateSupplier(ctx context.Context, sup *storage.Supplier) (int64, error)
	FindModeration(ctx context.Context, domains ...string) (*storage.DomainModeration, error)
	AddModeration(ctx context.Context, domain, reason string) error
	RemoveModeration(ctx context.Context, domain string) error
}

// Verdict is the gate's answer before extraction
type Verdict struct {
	Skip   bool
	Reason SkipReason
	Detail string
}

// Decision is the gate's answer after extraction
type Decision struct {
	Status             storage.DomainStatus
	Reason             string
	SupplierID         *int64
	Conflict           bool
	ConflictSupplierID *int64
	CreatedSupplier    bool
}

// Gate is the dedup and moderation gate. It is safe for concurrent use.
type Gate struct {
	store Store
	cache *moderationCache
}

// New creates a gate whose blacklist reads are cached for ttl. A zero ttl disables caching.
func New(store Store, ttl time.Duration) *Gate {
	return &Gate{store: store, cache: newModerationCache(ttl)}
}

// Keys lists the lookup keys for a normalized domain: the domain itself and its root
func Keys(d string) []string {
	keys := []string{d}
	if root := domain.RootDomain(d); root != d {
		keys = append(keys, root)
	}
	return keys
}

// ShouldSkip checks the supplier registry, then the moderation blacklist. force bypasses
// the blacklist only; a known supplier is always skipped.
func (g *Gate) ShouldSkip(ctx context.Context, d string, force bool) (Verdict, error) {
	keys := Keys(d)

	known, err := g.store.SupplierExistsByDomain(ctx, keys...)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to check supplier registry: %w", err)
	}
	if known {
		return Verdict{Skip: true, Reason: SkipSupplier, Detail: d}, nil
	}
	if force {
		return Verdict{Reason: SkipNone}, nil
	}

	entry, err := g.lookupModeration(ctx, d, keys)
	if err != nil {
		return Verdict{}, err
	}
	if entry != nil {
		return Verdict{Skip: true, Reason: SkipModeration, Detail: entry.Reason}, nil
	}
	return Verdict{Reason: SkipNone}, nil
}

func (g *Gate) lookupModeration(ctx context.Context, d string, keys []string) (*storage.DomainModeration, error) {
	if entry, ok := g.cache.get(d); ok {
		return entry, nil
	}
	entry, err := g.store.FindModeration(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to check moderation blacklist: %w", err)
	}
	g.cache.put(d, entry)
	return entry, nil
}

// Blacklist adds a domain to the moderation blacklist
func (g *Gate) Blacklist(ctx context.Context, d, reason string) error {
	if err := g.store.AddModeration(ctx, d, reason); err != nil {
		return err
	}
	g.cache.invalidate(d)
	return nil
}

// Unblacklist removes a domain from the moderation blacklist
func (g *Gate) Unblacklist(ctx context.Context, d string) error {
	if err := g.store.RemoveModeration(ctx, d); err != nil {
		return err
	}
	g.cache.invalidate(d)
	return nil
}

// Invalidate drops cached blacklist reads for d after a write made outside the gate
func (g *Gate) Invalidate(d string) {
	g.cache.invalidate(d)
}

// Decide classifies an extraction result. A result without an owner creates a new
// supplier; every moderation outcome is also written to the blacklist.
func (g *Gate) Decide(ctx context.Context, d string, result strategy.ExtractionResult) (Decision, error) {
	decision, err := g.classify(ctx, d, result)
	if err != nil {
		return Decision{}, err
	}

	if decision.Status == storage.StatusRequiresModeration {
		if err := g.Blacklist(ctx, d, decision.Reason); err != nil {
			return Decision{}, fmt.Errorf("failed to blacklist %s: %w", d, err)
		}
	}
	return decision, nil
}

func (g *Gate) classify(ctx context.Context, d string, result strategy.ExtractionResult) (Decision, error) {
	if reason := missingReason(result); reason != "" {
		return Decision{Status: storage.StatusRequiresModeration, Reason: reason}, nil
	}
	if len(result.INNs) > maxDistinctINNs {
		return Decision{Status: storage.StatusRequiresModeration, Reason: ReasonMultipleINN}, nil
	}

	inn := result.INN()
	owner, err := g.store.FindSupplierByINN(ctx, inn)
	if err != nil {
		return Decision{}, err
	}

	if owner == nil {
		sup := &storage.Supplier{
			Name:    d,
			INN:     inn,
			Type:    storage.SupplierTypeSupplier,
			Emails:  storage.StringList(result.Emails),
			Domains: []string{d},
		}
		id, createErr := g.store.CreateSupplier(ctx, sup)
		if createErr == nil {
			logrus.WithFields(logrus.Fields{"domain": d, "inn": inn}).Info("Created supplier")
			return Decision{Status: storage.StatusSupplier, SupplierID: &id, CreatedSupplier: true}, nil
		}

		// Another worker may have registered this INN in the meantime
		owner, err = g.store.FindSupplierByINN(ctx, inn)
		if err != nil {
			return Decision{}, errors.Join(createErr, err)
		}
		if owner == nil {
			return Decision{}, fmt.Errorf("failed to create supplier for %s: %w", d, createErr)
		}
	}

	ownerID := owner.ID
	switch {
	case owner.Type == storage.SupplierTypeReseller:
		return Decision{Status: storage.StatusReseller, SupplierID: &ownerID}, nil
	case !owner.HasDomain(d):
		return Decision{
			Status:             storage.StatusRequiresModeration,
			Reason:             ReasonINNConflict,
			Conflict:           true,
			ConflictSupplierID: &ownerID,
		}, nil
	default:
		return Decision{Status: storage.StatusSupplier, SupplierID: &ownerID}, nil
	}
}

// missingReason names what the ladder failed to find, or "" when both values are present
func missingReason(result strategy.ExtractionResult) string {
	hasINN, hasEmail := len(result.INNs) > 0, len(result.Emails) > 0
	if hasINN && hasEmail {
		return ""
	}
	if result.TimedOut() {
		return ReasonTimeout
	}
	if result.Err != nil && !errors.Is(result.Err, strategy.ErrNotFound) && !hasINN && !hasEmail {
		return "error: " + result.Err.Error()
	}
	switch {
	case !hasINN && !hasEmail:
		return ReasonINNAndEmailNotFound
	case !hasINN:
		return ReasonINNNotFound
	default:
		return ReasonEmailNotFound
	}
}

// BlacklistedReason is the run-domain reason for a domain gated by the blacklist
func BlacklistedReason(detail string) string {
	return blacklistedReasonPrefix + detail
}

// BlacklistMarker is the attempted-URL placeholder recorded for a gated domain
func BlacklistMarker(d string) string {
	return BlacklistMarkerPrefix + d
}

// IsBlacklistMarker reports whether an attempted URL is a gate placeholder
func IsBlacklistMarker(u string) bool {
	return strings.HasPrefix(u, BlacklistMarkerPrefix)
}
