package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SupplierExistsByDomain reports whether any of the given normalized domains is listed
// by a supplier (primary or alias domain)
func (s *Storage) SupplierExistsByDomain(ctx context.Context, domains ...string) (bool, error) {
	if len(domains) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM supplier_domains WHERE domain IN (?)`, domains)
	if err != nil {
		return false, fmt.Errorf("failed to build supplier lookup: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(query), args...); err != nil {
		return false, fmt.Errorf("failed to look up supplier domain: %w", err)
	}
	return n > 0, nil
}

// FindSupplierByINN retrieves a supplier with its domains, returns nil if not found
func (s *Storage) FindSupplierByINN(ctx context.Context, inn string) (*Supplier, error) {
	var sup Supplier
	err := s.db.GetContext(ctx, &sup, s.q(`
		SELECT id, name, inn, type, emails, created_at FROM suppliers WHERE inn = ?
	`), inn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get supplier by inn: %w", err)
	}
	if err := s.loadSupplierDomains(ctx, &sup); err != nil {
		return nil, err
	}
	return &sup, nil
}

// GetSupplier retrieves a supplier by id
func (s *Storage) GetSupplier(ctx context.Context, id int64) (*Supplier, error) {
	var sup Supplier
	err := s.db.GetContext(ctx, &sup, s.q(`
		SELECT id, name, inn, type, emails, created_at FROM suppliers WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get supplier: %w", err)
	}
	if err := s.loadSupplierDomains(ctx, &sup); err != nil {
		return nil, err
	}
	return &sup, nil
}

func (s *Storage) loadSupplierDomains(ctx context.Context, sup *Supplier) error {
	err := s.db.SelectContext(ctx, &sup.Domains, s.q(`
		SELECT domain FROM supplier_domains WHERE supplier_id = ? ORDER BY is_primary DESC, domain ASC
	`), sup.ID)
	if err != nil {
		return fmt.Errorf("failed to load supplier domains: %w", err)
	}
	return nil
}

// CreateSupplier inserts a supplier and its domains. The first domain is the primary one.
func (s *Storage) CreateSupplier(ctx context.Context, sup *Supplier) (int64, error) {
	if sup.Type == "" {
		sup.Type = SupplierTypeSupplier
	}
	now := time.Now().UTC()

	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, s.q(`
			INSERT INTO suppliers (name, inn, type, emails, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id
		`), sup.Name, sup.INN, string(sup.Type), sup.Emails, now, now).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert supplier: %w", err)
		}
		for i, d := range sup.Domains {
			if err := insertSupplierDomain(ctx, tx, s, id, d, i == 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sup.ID = id
	sup.CreatedAt = now
	return id, nil
}

// AddSupplierDomain attaches an alias domain to a supplier and merges emails
func (s *Storage) AddSupplierDomain(ctx context.Context, supplierID int64, domain string, emails []string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertSupplierDomain(ctx, tx, s, supplierID, domain, false); err != nil {
			return err
		}
		if len(emails) == 0 {
			return nil
		}
		var current StringList
		if err := tx.GetContext(ctx, &current, s.q(`SELECT emails FROM suppliers WHERE id = ?`), supplierID); err != nil {
			return fmt.Errorf("failed to read supplier emails: %w", err)
		}
		merged := mergeStrings(current, emails)
		_, err := tx.ExecContext(ctx, s.q(`UPDATE suppliers SET emails = ?, updated_at = ? WHERE id = ?`),
			StringList(merged), time.Now().UTC(), supplierID)
		if err != nil {
			return fmt.Errorf("failed to update supplier emails: %w", err)
		}
		return nil
	})
}

// SetSupplierType changes a supplier's classification
func (s *Storage) SetSupplierType(ctx context.Context, supplierID int64, typ SupplierType) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE suppliers SET type = ?, updated_at = ? WHERE id = ?`),
		string(typ), time.Now().UTC(), supplierID)
	return execRequireRows(result, err, ErrNotFound)
}

func insertSupplierDomain(ctx context.Context, tx *sqlx.Tx, s *Storage, supplierID int64, domain string, primary bool) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO supplier_domains (supplier_id, domain, is_primary)
		VALUES (?, ?, ?)
		ON CONFLICT (domain) DO NOTHING
	`), supplierID, domain, primary)
	if err != nil {
		return fmt.Errorf("failed to insert supplier domain %s: %w", domain, err)
	}
	return nil
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
