// Package pg persists the durable documents in PostgreSQL for
// deployments that prefer a database over local JSON files. The contract
// is identical to the file store: whole-document load and save under the
// engine's single-writer discipline.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vouchd.org/internal/ledger"
	"vouchd.org/internal/purchase"
	"vouchd.org/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects with conservative pool settings; the engine serializes
// writes, so the pool mostly serves readiness probes and reads.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) LoadIndex(ctx context.Context) (*purchase.Index, error) {
	ix := purchase.NewIndex()

	var lastScanned sql.NullTime
	var fingerprint []byte
	err := s.db.QueryRowContext(ctx,
		`select last_scanned, catalog_fingerprint from purchase_index where id = 1`,
	).Scan(&lastScanned, &fingerprint)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ix, nil
	case err != nil:
		return nil, fmt.Errorf("pg: load index meta: %w", err)
	}
	if lastScanned.Valid {
		ix.LastScanned = lastScanned.Time.UTC()
	}
	if len(fingerprint) > 0 {
		if err := json.Unmarshal(fingerprint, &ix.CatalogKeys); err != nil {
			return nil, fmt.Errorf("pg: parse fingerprint: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `select email, resource from purchase_customers`)
	if err != nil {
		return nil, fmt.Errorf("pg: load customers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var email, resource string
		if err := rows.Scan(&email, &resource); err != nil {
			return nil, err
		}
		ix.Add(email, resource)
	}
	return ix, rows.Err()
}

func (s *Store) SaveIndex(ctx context.Context, ix *purchase.Index) error {
	fingerprint, err := json.Marshal(ix.CatalogKeys)
	if err != nil {
		return fmt.Errorf("pg: encode fingerprint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into purchase_index(id, last_scanned, catalog_fingerprint)
		values (1, $1, $2)
		on conflict (id) do update
		set last_scanned = excluded.last_scanned,
		    catalog_fingerprint = excluded.catalog_fingerprint
	`, nullableTime(ix.LastScanned), fingerprint); err != nil {
		return fmt.Errorf("pg: save index meta: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `delete from purchase_customers`); err != nil {
		return fmt.Errorf("pg: clear customers: %w", err)
	}
	for _, email := range sortedKeys(ix.Customers) {
		for _, resource := range ix.Customers[email] {
			if _, err := tx.ExecContext(ctx,
				`insert into purchase_customers(email, resource) values ($1, $2)`,
				email, resource,
			); err != nil {
				return fmt.Errorf("pg: save customer %s: %w", email, err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) LoadLedger(ctx context.Context) (*ledger.Ledger, error) {
	l := ledger.New()
	rows, err := s.db.QueryContext(ctx,
		`select email, resource, claimant_id from verified_resources order by email, resource`,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: load ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var email, resource, claimant string
		if err := rows.Scan(&email, &resource, &claimant); err != nil {
			return nil, err
		}
		if err := l.Grant(email, claimant, resource); err != nil {
			return nil, fmt.Errorf("pg: inconsistent ledger row (%s, %s): %w", email, resource, err)
		}
	}
	return l, rows.Err()
}

func (s *Store) SaveLedger(ctx context.Context, l *ledger.Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from verified_resources`); err != nil {
		return fmt.Errorf("pg: clear ledger: %w", err)
	}
	for _, email := range sortedKeys(l.Entries) {
		rec := l.Entries[email]
		if rec == nil {
			continue
		}
		for _, resource := range rec.Resources {
			if _, err := tx.ExecContext(ctx, `
				insert into verified_resources(email, resource, claimant_id, updated_at)
				values ($1, $2, $3, $4)
			`, email, resource, rec.ClaimantID, rec.UpdatedAt); err != nil {
				return fmt.Errorf("pg: save ledger entry %s: %w", email, err)
			}
		}
	}
	return tx.Commit()
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
