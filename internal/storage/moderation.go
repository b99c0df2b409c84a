package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// FindModeration returns the first blacklist entry matching any of the domains, nil if none
func (s *Storage) FindModeration(ctx context.Context, domains ...string) (*DomainModeration, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT domain, reason, created_at FROM domain_moderation WHERE domain IN (?) ORDER BY domain LIMIT 1
	`, domains)
	if err != nil {
		return nil, fmt.Errorf("failed to build moderation lookup: %w", err)
	}

	var m DomainModeration
	err = s.db.GetContext(ctx, &m, s.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up moderation entry: %w", err)
	}
	return &m, nil
}

// AddModeration blacklists a domain, replacing the reason of an existing entry
func (s *Storage) AddModeration(ctx context.Context, domain, reason string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO domain_moderation (domain, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET reason = EXCLUDED.reason
	`), domain, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add moderation entry: %w", err)
	}
	return nil
}

// RemoveModeration deletes a blacklist entry. Removing a missing entry is not an error.
func (s *Storage) RemoveModeration(ctx context.Context, domain string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM domain_moderation WHERE domain = ?`), domain); err != nil {
		return fmt.Errorf("failed to remove moderation entry: %w", err)
	}
	return nil
}

// ListModeration returns the whole blacklist
func (s *Storage) ListModeration(ctx context.Context) ([]DomainModeration, error) {
	var rows []DomainModeration
	if err := s.db.SelectContext(ctx, &rows, `SELECT domain, reason, created_at FROM domain_moderation ORDER BY domain`); err != nil {
		return nil, fmt.Errorf("failed to list moderation entries: %w", err)
	}
	return rows, nil
}
