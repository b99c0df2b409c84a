package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// runDomainColumns lists the run_domains columns mapped onto RunDomain.
// Nullable text columns are coalesced so they scan into plain strings.
const runDomainColumns = `
	run_id, domain,
	COALESCE(status, '') AS status,
	COALESCE(reason, '') AS reason,
	attempted_urls,
	COALESCE(inn, '') AS inn,
	emails,
	COALESCE(inn_source_url, '') AS inn_source_url,
	COALESCE(email_source_url, '') AS email_source_url,
	supplier_id, conflict, conflict_supplier_id, strategy_log,
	COALESCE(previous_inn, '') AS previous_inn,
	COALESCE(previous_email, '') AS previous_email,
	corrected, claimed_at, finished_at, updated_at`

// AddRunDomains registers domains for a run. Existing rows are left untouched so that
// re-submitting a run never rewinds evidence. Returns the number of new rows.
func (s *Storage) AddRunDomains(ctx context.Context, runID string, domains []string) (int, error) {
	added := 0
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, d := range domains {
			result, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO run_domains (run_id, domain, created_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (run_id, domain) DO NOTHING
			`), runID, d, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert run domain %s: %w", d, err)
			}
			if n, err := result.RowsAffected(); err == nil {
				added += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// GetRunDomain retrieves one run domain
func (s *Storage) GetRunDomain(ctx context.Context, runID, domain string) (*RunDomain, error) {
	var rd RunDomain
	err := s.db.GetContext(ctx, &rd, s.q(`SELECT `+runDomainColumns+`
		FROM run_domains WHERE run_id = ? AND domain = ?`), runID, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run domain: %w", err)
	}
	return &rd, nil
}

// ListRunDomains returns every domain of a run in submission order
func (s *Storage) ListRunDomains(ctx context.Context, runID string) ([]RunDomain, error) {
	var rows []RunDomain
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+runDomainColumns+`
		FROM run_domains WHERE run_id = ? ORDER BY created_at ASC, domain ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run domains: %w", err)
	}
	return rows, nil
}

// ListPendingDomains returns the domains of a run that have no status yet
func (s *Storage) ListPendingDomains(ctx context.Context, runID string) ([]string, error) {
	var domains []string
	err := s.db.SelectContext(ctx, &domains, s.q(`
		SELECT domain FROM run_domains
		WHERE run_id = ? AND status IS NULL
		ORDER BY created_at ASC, domain ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending domains: %w", err)
	}
	return domains, nil
}

// CountRunDomains returns the number of domains a run owns
func (s *Storage) CountRunDomains(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM run_domains WHERE run_id = ?`), runID); err != nil {
		return 0, fmt.Errorf("failed to count run domains: %w", err)
	}
	return n, nil
}

// ClaimRunDomain moves a pending row to processing with a single conditional update.
// Returns ErrAlreadyClaimed when the row is not pending (another worker won, or it is terminal).
func (s *Storage) ClaimRunDomain(ctx context.Context, runID, domain string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE run_domains
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE run_id = ? AND domain = ? AND status IS NULL
	`), now.UTC(), now.UTC(), runID, domain)
	if err != nil {
		return fmt.Errorf("failed to claim run domain: %w", err)
	}
	return execRequireRows(result, nil, ErrAlreadyClaimed)
}

// FinishRunDomain writes a terminal status and its evidence. Only a processing row may finish.
func (s *Storage) FinishRunDomain(ctx context.Context, c Completion, now time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE run_domains
		SET status = ?, reason = ?, attempted_urls = ?, inn = ?, emails = ?,
			inn_source_url = ?, email_source_url = ?, supplier_id = ?,
			conflict = ?, conflict_supplier_id = ?, strategy_log = ?,
			finished_at = ?, updated_at = ?
		WHERE run_id = ? AND domain = ? AND status = 'processing'
	`),
		string(c.Status), nullIfEmpty(c.Reason), StringList(c.AttemptedURLs), nullIfEmpty(c.INN), StringList(c.Emails),
		nullIfEmpty(c.INNSourceURL), nullIfEmpty(c.EmailSourceURL), c.SupplierID,
		c.Conflict, c.ConflictSupplierID, c.StrategyLog,
		now.UTC(), now.UTC(),
		c.RunID, c.Domain)
	if err != nil {
		return fmt.Errorf("failed to finish run domain: %w", err)
	}
	return execRequireRows(result, nil, ErrStateConflict)
}

// ResolveRunDomain records a moderator's classification of a domain awaiting moderation
// and lifts the global blacklist entry in the same transaction.
func (s *Storage) ResolveRunDomain(ctx context.Context, c Completion, now time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE run_domains
			SET status = ?, reason = ?, inn = ?, emails = ?,
				inn_source_url = ?, email_source_url = ?, supplier_id = ?,
				conflict = ?, conflict_supplier_id = NULL,
				finished_at = ?, updated_at = ?
			WHERE run_id = ? AND domain = ?
				AND status IN ('requires_moderation', 'needs_moderation')
		`),
			string(c.Status), nullIfEmpty(c.Reason), nullIfEmpty(c.INN), StringList(c.Emails),
			nullIfEmpty(c.INNSourceURL), nullIfEmpty(c.EmailSourceURL), c.SupplierID,
			false, now.UTC(), now.UTC(), c.RunID, c.Domain)
		if err := execRequireRows(result, err, ErrStateConflict); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM domain_moderation WHERE domain = ?`), c.Domain); err != nil {
			return fmt.Errorf("failed to remove moderation entry: %w", err)
		}
		return nil
	})
}

// ResetRunDomain returns a terminal row to pending. Status, reason, attempted URLs and the
// rest of the evidence, correction marks included, are cleared in one statement, and the
// domain's moderation entry is removed in the same transaction.
func (s *Storage) ResetRunDomain(ctx context.Context, runID, domain string, now time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE run_domains
			SET status = NULL, reason = NULL, attempted_urls = '[]',
				inn = NULL, emails = '[]', inn_source_url = NULL, email_source_url = NULL,
				supplier_id = NULL, conflict = ?, conflict_supplier_id = NULL,
				strategy_log = '[]', previous_inn = NULL, previous_email = NULL, corrected = ?,
				claimed_at = NULL, finished_at = NULL, updated_at = ?
			WHERE run_id = ? AND domain = ?
				AND status IS NOT NULL AND status <> 'processing'
		`), false, false, now.UTC(), runID, domain)
		if err := execRequireRows(result, err, ErrStateConflict); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM domain_moderation WHERE domain = ?`), domain); err != nil {
			return fmt.Errorf("failed to remove moderation entry: %w", err)
		}
		return nil
	})
}

// ListStaleRuns returns the runs owning processing rows claimed before cutoff
func (s *Storage) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]string, error) {
	var runs []string
	err := s.db.SelectContext(ctx, &runs, s.q(`
		SELECT DISTINCT run_id FROM run_domains
		WHERE status = 'processing' AND claimed_at < ?
		ORDER BY run_id
	`), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	return runs, nil
}

// RequeueStale moves processing rows claimed before cutoff back to pending
func (s *Storage) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE run_domains
		SET status = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?
	`), time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale run domains: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued run domains: %w", err)
	}
	return n, nil
}

// StatusCounts returns the number of run domains per status (pending as "")
func (s *Storage) StatusCounts(ctx context.Context, runID string) (map[DomainStatus]int, error) {
	query := `SELECT COALESCE(status, '') AS status, COUNT(*) AS n FROM run_domains`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY COALESCE(status, '')`

	var rows []struct {
		Status DomainStatus `db:"status"`
		N      int          `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}

	counts := make(map[DomainStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
