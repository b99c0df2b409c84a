package learning_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/domain-enricher/internal/learning"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

func newStore(t *testing.T) *storage.Storage {
	t.Helper()

	store, err := storage.NewStorage(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// finish drives a domain through claim and finish with the given outcome
func finish(t *testing.T, store *storage.Storage, c storage.Completion) {
	t.Helper()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.ClaimRunDomain(ctx, c.RunID, c.Domain, now))
	if c.AttemptedURLs == nil {
		c.AttemptedURLs = []string{"https://" + c.Domain + "/"}
	}
	require.NoError(t, store.FinishRunDomain(ctx, c, now))
}

func seed(t *testing.T, store *storage.Storage) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "run-1"))
	_, err := store.AddRunDomains(ctx, "run-1", []string{"found.ru", "noinn.ru", "nomail.ru", "other.ru"})
	require.NoError(t, err)

	finish(t, store, storage.Completion{
		RunID: "run-1", Domain: "found.ru", Status: storage.StatusSupplier,
		INN: "7707083893", Emails: []string{"sales@found.ru"},
	})
	finish(t, store, storage.Completion{
		RunID: "run-1", Domain: "noinn.ru", Status: storage.StatusRequiresModeration,
		Reason: "inn_not_found", Emails: []string{"info@noinn.ru"},
	})
	finish(t, store, storage.Completion{
		RunID: "run-1", Domain: "nomail.ru", Status: storage.StatusRequiresModeration,
		Reason: "email_not_found", INN: "7712345671",
	})
	finish(t, store, storage.Completion{
		RunID: "run-1", Domain: "other.ru", Status: storage.StatusRequiresModeration,
		Reason: "inn_and_email_not_found",
	})
}

func TestRecordCorrection_FillsMissingINN(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)
	ctx := context.Background()

	record, err := svc.RecordCorrection(ctx, learning.Correction{
		RunID:     "run-1",
		Domain:    "https://www.NoInn.ru/",
		Type:      learning.TypeINN,
		Value:     "5027 001 233",
		SourceURL: "https://noinn.ru/company/42/requisites",
	})
	require.NoError(t, err)
	assert.NotZero(t, record.ID)
	assert.Equal(t, "noinn.ru", record.Domain)
	assert.Equal(t, "5027001233", record.Value)
	assert.Equal(t, "/company/{n}/requisites", record.URLPattern)
	assert.Equal(t, "learned inn from /company/42/requisites", record.Description)
	assert.Empty(t, record.PreviousValue)

	rd, err := store.GetRunDomain(ctx, "run-1", "noinn.ru")
	require.NoError(t, err)
	assert.Equal(t, "5027001233", rd.INN)
	assert.Equal(t, "https://noinn.ru/company/42/requisites", rd.INNSourceURL)
	assert.True(t, rd.Corrected)
	assert.Equal(t, storage.StatusRequiresModeration, rd.Status)
}

func TestRecordCorrection_DoesNotOverwriteDifferentINN(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)
	ctx := context.Background()

	record, err := svc.RecordCorrection(ctx, learning.Correction{
		RunID:     "run-1",
		Domain:    "nomail.ru",
		Type:      learning.TypeINN,
		Value:     "7801002002",
		SourceURL: "https://nomail.ru/about",
	})
	require.NoError(t, err)
	assert.Equal(t, "7712345671", record.PreviousValue)

	rd, err := store.GetRunDomain(ctx, "run-1", "nomail.ru")
	require.NoError(t, err)
	assert.Equal(t, "7712345671", rd.INN)
	assert.False(t, rd.Corrected)

	records, err := store.ListLearningRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecordCorrection_MergesEmail(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)
	ctx := context.Background()

	_, err := svc.RecordCorrection(ctx, learning.Correction{
		RunID:     "run-1",
		Domain:    "noinn.ru",
		Type:      learning.TypeEmail,
		Value:     " Opt@NoInn.ru ",
		SourceURL: "http://noinn.ru/contacts/",
	})
	require.NoError(t, err)

	rd, err := store.GetRunDomain(ctx, "run-1", "noinn.ru")
	require.NoError(t, err)
	assert.Equal(t, []string{"info@noinn.ru", "opt@noinn.ru"}, []string(rd.Emails))
	assert.Equal(t, "info@noinn.ru", rd.PreviousEmail)
	assert.Equal(t, "http://noinn.ru/contacts/", rd.EmailSourceURL)
}

func TestRecordCorrection_Validation(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)

	valid := learning.Correction{
		RunID:     "run-1",
		Domain:    "noinn.ru",
		Type:      learning.TypeINN,
		Value:     "5027001233",
		SourceURL: "https://noinn.ru/",
	}

	tests := []struct {
		name   string
		mutate func(c *learning.Correction)
	}{
		{name: "missing run", mutate: func(c *learning.Correction) { c.RunID = "" }},
		{name: "empty domain", mutate: func(c *learning.Correction) { c.Domain = "  " }},
		{name: "bad checksum", mutate: func(c *learning.Correction) { c.Value = "7712345678" }},
		{name: "bad email", mutate: func(c *learning.Correction) { c.Type = learning.TypeEmail; c.Value = "nobody" }},
		{name: "unknown type", mutate: func(c *learning.Correction) { c.Type = "phone" }},
		{name: "relative source", mutate: func(c *learning.Correction) { c.SourceURL = "/contacts" }},
		{name: "ftp source", mutate: func(c *learning.Correction) { c.SourceURL = "ftp://noinn.ru/" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			_, err := svc.RecordCorrection(context.Background(), c)
			assert.ErrorIs(t, err, learning.ErrInvalidCorrection)
		})
	}
}

func TestRecordCorrection_UnknownDomain(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)

	_, err := svc.RecordCorrection(context.Background(), learning.Correction{
		RunID:     "run-1",
		Domain:    "missing.ru",
		Type:      learning.TypeINN,
		Value:     "5027001233",
		SourceURL: "https://missing.ru/",
	})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStats(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)
	ctx := context.Background()

	before, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, before.TerminalDomains)
	assert.Equal(t, 0, before.TotalLearned)
	assert.InDelta(t, 0.25, before.SuccessRateBefore, 1e-9)
	assert.InDelta(t, 0.25, before.SuccessRateAfter, 1e-9)

	_, err = svc.RecordCorrection(ctx, learning.Correction{
		RunID: "run-1", Domain: "noinn.ru", Type: learning.TypeINN,
		Value: "5027001233", SourceURL: "https://noinn.ru/requisites",
	})
	require.NoError(t, err)
	_, err = svc.RecordCorrection(ctx, learning.Correction{
		RunID: "run-1", Domain: "nomail.ru", Type: learning.TypeEmail,
		Value: "zakaz@nomail.ru", SourceURL: "https://nomail.ru/contacts",
	})
	require.NoError(t, err)
	_, err = svc.RecordCorrection(ctx, learning.Correction{
		RunID: "run-1", Domain: "other.ru", Type: learning.TypeEmail,
		Value: "hello@other.ru", SourceURL: "https://other.ru/contacts",
	})
	require.NoError(t, err)

	after, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, after.TotalLearned)
	assert.Equal(t, 1, after.INNLearned)
	assert.Equal(t, 2, after.EmailLearned)
	assert.Equal(t, 2, after.CorrectedModeration)
	assert.InDelta(t, 0.25, after.SuccessRateBefore, 1e-9)
	assert.InDelta(t, 0.75, after.SuccessRateAfter, 1e-9)
}

func TestLearnedSummary(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	svc := learning.NewService(store)
	ctx := context.Background()

	corrections := []learning.Correction{
		{RunID: "run-1", Domain: "noinn.ru", Type: learning.TypeINN, Value: "5027001233", SourceURL: "https://noinn.ru/contacts"},
		{RunID: "run-1", Domain: "nomail.ru", Type: learning.TypeEmail, Value: "zakaz@nomail.ru", SourceURL: "https://nomail.ru/Contacts/"},
		{RunID: "run-1", Domain: "other.ru", Type: learning.TypeEmail, Value: "hello@other.ru", SourceURL: "https://other.ru/about"},
	}
	for _, c := range corrections {
		_, err := svc.RecordCorrection(ctx, c)
		require.NoError(t, err)
	}

	summary, err := svc.LearnedSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	assert.Equal(t, "/contacts", summary[0].Pattern)
	assert.Equal(t, 2, summary[0].Total)
	assert.Equal(t, 1, summary[0].INN)
	assert.Equal(t, 1, summary[0].Email)
	assert.Equal(t, []string{"noinn.ru", "nomail.ru"}, summary[0].Domains)

	assert.Equal(t, "/about", summary[1].Pattern)
	assert.Equal(t, 1, summary[1].Total)
}

func TestPathPattern(t *testing.T) {
	assert.Equal(t, "/", learning.PathPattern(""))
	assert.Equal(t, "/", learning.PathPattern("/"))
	assert.Equal(t, "/company/{n}/contacts", learning.PathPattern("/Company/123/contacts/"))
	assert.Equal(t, "/page-{n}", learning.PathPattern("/page-2"))
}
