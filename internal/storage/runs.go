package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRun inserts a run if it does not exist yet
func (s *Storage) CreateRun(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO runs (id, status, metadata, created_at, updated_at)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), id, RunStatusCreated, now, now)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id
func (s *Storage) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, s.q(`
		SELECT id, status, metadata, created_at, updated_at FROM runs WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns all runs, newest first
func (s *Storage) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, status, metadata, created_at, updated_at FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetEnrichmentStatus reads and validates the enrichment status of a run (nil if never scheduled)
func (s *Storage) GetEnrichmentStatus(ctx context.Context, runID string) (*EnrichmentStatus, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	meta, err := ParseRunMetadata(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return meta.Enrichment, nil
}

// SaveEnrichmentStatus writes the enrichment status into the run metadata. The run's own
// status is left alone.
func (s *Storage) SaveEnrichmentStatus(ctx context.Context, runID string, status *EnrichmentStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}
	encoded, err := RunMetadata{Enrichment: status}.Encode()
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET metadata = ?, updated_at = ? WHERE id = ?
	`), encoded, time.Now().UTC(), runID)
	if err := execRequireRows(result, err, ErrNotFound); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to save enrichment status: %w", err)
	}
	return nil
}
