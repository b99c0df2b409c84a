package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CorrectionFunc inspects the current run domain, mutates the fields that should change
// and returns the learning record to append. changed reports whether rd must be written back.
type CorrectionFunc func(rd *RunDomain) (record *LearningRecord, changed bool, err error)

// ApplyCorrection loads a run domain, lets apply decide what to update, writes the row
// back if needed and appends exactly one learning record, all in one transaction.
func (s *Storage) ApplyCorrection(ctx context.Context, runID, domain string, apply CorrectionFunc) (*LearningRecord, error) {
	var record *LearningRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rd RunDomain
		err := tx.GetContext(ctx, &rd, s.q(`SELECT `+runDomainColumns+`
			FROM run_domains WHERE run_id = ? AND domain = ?`), runID, domain)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load run domain: %w", err)
		}

		rec, changed, err := apply(&rd)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if changed {
			_, err := tx.ExecContext(ctx, s.q(`
				UPDATE run_domains
				SET inn = ?, emails = ?, inn_source_url = ?, email_source_url = ?,
					previous_inn = ?, previous_email = ?, corrected = ?, updated_at = ?
				WHERE run_id = ? AND domain = ?
			`),
				nullIfEmpty(rd.INN), rd.Emails, nullIfEmpty(rd.INNSourceURL), nullIfEmpty(rd.EmailSourceURL),
				nullIfEmpty(rd.PreviousINN), nullIfEmpty(rd.PreviousEmail), true, now,
				runID, domain)
			if err != nil {
				return fmt.Errorf("failed to update run domain: %w", err)
			}
		}

		rec.CreatedAt = now
		err = tx.QueryRowxContext(ctx, s.q(`
			INSERT INTO learning_records
				(run_id, domain, data_type, value, previous_value, source_url, url_pattern, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), rec.RunID, rec.Domain, rec.DataType, rec.Value, nullIfEmpty(rec.PreviousValue),
			rec.SourceURL, rec.URLPattern, rec.Description, now).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to insert learning record: %w", err)
		}
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListLearningRecords returns the learning log, oldest first
func (s *Storage) ListLearningRecords(ctx context.Context) ([]LearningRecord, error) {
	var rows []LearningRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, run_id, domain, data_type, value, COALESCE(previous_value, '') AS previous_value,
			source_url, url_pattern, description, created_at
		FROM learning_records ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list learning records: %w", err)
	}
	return rows, nil
}

// CountCorrectedModeration counts moderation rows that a correction completed with both an INN and an email
func (s *Storage) CountCorrectedModeration(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`
		SELECT COUNT(*) FROM run_domains
		WHERE corrected = ?
			AND status IN ('requires_moderation', 'needs_moderation')
			AND inn IS NOT NULL AND emails <> '[]'
	`), true)
	if err != nil {
		return 0, fmt.Errorf("failed to count corrected run domains: %w", err)
	}
	return n, nil
}
