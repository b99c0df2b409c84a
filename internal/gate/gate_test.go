package gate_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/strategy"
)

// countingStore counts blacklist reads so cache behaviour can be observed
type countingStore struct {
	*storage.Storage
	moderationReads atomic.Int32
}

func (s *countingStore) FindModeration(ctx context.Context, domains ...string) (*storage.DomainModeration, error) {
	s.moderationReads.Add(1)
	return s.Storage.FindModeration(ctx, domains...)
}

func newTestStore(t *testing.T) *countingStore {
	t.Helper()

	store, err := storage.NewStorage(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &countingStore{Storage: store}
}

func createSupplier(t *testing.T, store *countingStore, inn string, typ storage.SupplierType, domains ...string) int64 {
	t.Helper()

	id, err := store.CreateSupplier(context.Background(), &storage.Supplier{
		Name:    domains[0],
		INN:     inn,
		Type:    typ,
		Domains: domains,
	})
	require.NoError(t, err)
	return id
}

func TestShouldSkip_KnownSupplierIgnoresForce(t *testing.T) {
	store := newTestStore(t)
	createSupplier(t, store, "7707083893", storage.SupplierTypeSupplier, "known-supplier.ru", "known-alias.ru")
	g := gate.New(store, time.Minute)
	ctx := context.Background()

	for _, d := range []string{"known-supplier.ru", "known-alias.ru"} {
		for _, force := range []bool{false, true} {
			verdict, err := g.ShouldSkip(ctx, d, force)
			require.NoError(t, err)
			assert.True(t, verdict.Skip, "%s force=%v", d, force)
			assert.Equal(t, gate.SkipSupplier, verdict.Reason)
		}
	}
}

func TestShouldSkip_BlacklistRespectsForce(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, time.Minute)
	ctx := context.Background()
	require.NoError(t, g.Blacklist(ctx, "spam.ru", "inn_conflict"))

	verdict, err := g.ShouldSkip(ctx, "spam.ru", false)
	require.NoError(t, err)
	assert.Equal(t, gate.Verdict{Skip: true, Reason: gate.SkipModeration, Detail: "inn_conflict"}, verdict)

	verdict, err = g.ShouldSkip(ctx, "spam.ru", true)
	require.NoError(t, err)
	assert.Equal(t, gate.Verdict{Skip: false, Reason: gate.SkipNone}, verdict)
}

func TestShouldSkip_UnknownDomain(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, time.Minute)

	verdict, err := g.ShouldSkip(context.Background(), "fresh.ru", false)
	require.NoError(t, err)
	assert.False(t, verdict.Skip)
	assert.Equal(t, gate.SkipNone, verdict.Reason)
}

func TestModerationCache(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.ShouldSkip(ctx, "cached.ru", false)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.moderationReads.Load())

	// A blacklist write through the gate is visible immediately
	require.NoError(t, g.Blacklist(ctx, "cached.ru", "manual"))
	verdict, err := g.ShouldSkip(ctx, "cached.ru", false)
	require.NoError(t, err)
	assert.True(t, verdict.Skip)
	assert.Equal(t, int32(2), store.moderationReads.Load())

	require.NoError(t, g.Unblacklist(ctx, "cached.ru"))
	verdict, err = g.ShouldSkip(ctx, "cached.ru", false)
	require.NoError(t, err)
	assert.False(t, verdict.Skip)

	// Writes made elsewhere need an explicit invalidation
	require.NoError(t, store.AddModeration(ctx, "cached.ru", "external"))
	verdict, err = g.ShouldSkip(ctx, "cached.ru", false)
	require.NoError(t, err)
	assert.False(t, verdict.Skip)

	g.Invalidate("cached.ru")
	verdict, err = g.ShouldSkip(ctx, "cached.ru", false)
	require.NoError(t, err)
	assert.True(t, verdict.Skip)
	assert.Equal(t, "external", verdict.Detail)
}

func TestModerationCache_Disabled(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.ShouldSkip(ctx, "nocache.ru", false)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), store.moderationReads.Load())
}

func result(inns, emails []string, err error) strategy.ExtractionResult {
	return strategy.ExtractionResult{
		INNs:          inns,
		Emails:        emails,
		AttemptedURLs: []string{"https://x.ru/"},
		Err:           err,
	}
}

func TestDecide_MissingValues(t *testing.T) {
	tests := []struct {
		name   string
		result strategy.ExtractionResult
		reason string
	}{
		{"nothing found", result(nil, nil, strategy.ErrNotFound), gate.ReasonINNAndEmailNotFound},
		{"no inn", result(nil, []string{"info@newsupplier.ru"}, strategy.ErrNotFound), gate.ReasonINNNotFound},
		{"no email", result([]string{"7707083893"}, nil, strategy.ErrNotFound), gate.ReasonEmailNotFound},
		{"timeout", result(nil, nil, context.DeadlineExceeded), gate.ReasonTimeout},
		{"timeout with partial", result([]string{"7707083893"}, nil, context.DeadlineExceeded), gate.ReasonTimeout},
		{"transport error", result(nil, nil, errors.New("http_probe: connection refused")), "error: http_probe: connection refused"},
		{"error with partial", result(nil, []string{"info@newsupplier.ru"}, errors.New("dns")), gate.ReasonINNNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			g := gate.New(store, time.Minute)

			decision, err := g.Decide(context.Background(), "x.ru", tt.result)
			require.NoError(t, err)
			assert.Equal(t, storage.StatusRequiresModeration, decision.Status)
			assert.Equal(t, tt.reason, decision.Reason)

			entry, err := store.FindModeration(context.Background(), "x.ru")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, tt.reason, entry.Reason)
		})
	}
}

func TestDecide_MultipleINNs(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, time.Minute)

	decision, err := g.Decide(context.Background(), "holding.ru",
		result([]string{"7707083893", "7712345671", "5027001233"}, []string{"info@holding-group.ru"}, nil))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRequiresModeration, decision.Status)
	assert.Equal(t, gate.ReasonMultipleINN, decision.Reason)
}

func TestDecide_TwoINNsUsesFirst(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, time.Minute)

	decision, err := g.Decide(context.Background(), "pair.ru",
		result([]string{"7712345671", "7707083893"}, []string{"info@pair-supplier.ru"}, nil))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSupplier, decision.Status)

	sup, err := store.FindSupplierByINN(context.Background(), "7712345671")
	require.NoError(t, err)
	require.NotNil(t, sup)
	assert.Equal(t, *decision.SupplierID, sup.ID)
}

func TestDecide_NewSupplier(t *testing.T) {
	store := newTestStore(t)
	g := gate.New(store, time.Minute)
	ctx := context.Background()

	decision, err := g.Decide(ctx, "newsupplier.ru", result([]string{"7707083893"}, []string{"info@newsupplier.ru"}, nil))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSupplier, decision.Status)
	assert.True(t, decision.CreatedSupplier)
	require.NotNil(t, decision.SupplierID)

	sup, err := store.GetSupplier(ctx, *decision.SupplierID)
	require.NoError(t, err)
	assert.Equal(t, "7707083893", sup.INN)
	assert.Equal(t, []string{"newsupplier.ru"}, sup.Domains)
	assert.Equal(t, storage.StringList{"info@newsupplier.ru"}, sup.Emails)

	entry, err := store.FindModeration(ctx, "newsupplier.ru")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDecide_ExistingOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("owner lists the domain", func(t *testing.T) {
		store := newTestStore(t)
		id := createSupplier(t, store, "7707083893", storage.SupplierTypeSupplier, "brand.ru", "brand-shop.ru")
		decision, err := gate.New(store, time.Minute).Decide(ctx, "brand-shop.ru",
			result([]string{"7707083893"}, []string{"shop@brand-shop.ru"}, nil))
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSupplier, decision.Status)
		assert.Equal(t, id, *decision.SupplierID)
		assert.False(t, decision.CreatedSupplier)
	})

	t.Run("owner is a reseller", func(t *testing.T) {
		store := newTestStore(t)
		id := createSupplier(t, store, "7707083893", storage.SupplierTypeReseller, "dealer.ru")
		decision, err := gate.New(store, time.Minute).Decide(ctx, "dealer-two.ru",
			result([]string{"7707083893"}, []string{"sale@dealer-two.ru"}, nil))
		require.NoError(t, err)
		assert.Equal(t, storage.StatusReseller, decision.Status)
		assert.Equal(t, id, *decision.SupplierID)
		assert.False(t, decision.Conflict)
	})

	t.Run("owner does not list the domain", func(t *testing.T) {
		store := newTestStore(t)
		id := createSupplier(t, store, "7707083893", storage.SupplierTypeSupplier, "original.ru")
		decision, err := gate.New(store, time.Minute).Decide(ctx, "copycat.ru",
			result([]string{"7707083893"}, []string{"info@copycat-shop.ru"}, nil))
		require.NoError(t, err)
		assert.Equal(t, storage.StatusRequiresModeration, decision.Status)
		assert.Equal(t, gate.ReasonINNConflict, decision.Reason)
		assert.True(t, decision.Conflict)
		assert.Equal(t, id, *decision.ConflictSupplierID)
		assert.Nil(t, decision.SupplierID)
	})
}

func TestBlacklistHelpers(t *testing.T) {
	assert.Equal(t, "moderation-blacklist:spam.ru", gate.BlacklistMarker("spam.ru"))
	assert.True(t, gate.IsBlacklistMarker(gate.BlacklistMarker("spam.ru")))
	assert.False(t, gate.IsBlacklistMarker("https://spam.ru/"))
	assert.Equal(t, "blacklisted: inn_conflict", gate.BlacklistedReason("inn_conflict"))
	assert.Equal(t, []string{"shop.ru"}, gate.Keys("shop.ru"))
}
