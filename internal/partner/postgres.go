package partner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the saved_partners table. Apply it with
// [PostgresStore.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS saved_partners (
    id       TEXT PRIMARY KEY,
    profile  JSONB NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_saved_partners_saved_at ON saved_partners(saved_at DESC);
`

// DB is the subset of *pgxpool.Pool and *pgx.Conn the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps partners in PostgreSQL with the profile as JSONB.
type PostgresStore struct {
	db   DB
	opts options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store on db. Call [PostgresStore.Migrate] before
// first use.
func NewPostgresStore(db DB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, opts: newOptions(opts)}
}

// OpenPostgres connects a pool to dsn, pings it and applies the schema. The
// returned close function releases the pool.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("partner: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("partner: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("partner: ping: %w", err)
	}
	s := NewPostgresStore(pool, opts...)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate applies [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("partner: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Partner, error) {
	const query = `
		SELECT id, profile, saved_at
		FROM saved_partners
		ORDER BY saved_at DESC, id
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, s.opts.limit)
	if err != nil {
		return nil, fmt.Errorf("partner: list: %w", err)
	}
	defer rows.Close()

	var out []Partner
	for rows.Next() {
		var (
			p   Partner
			raw []byte
		)
		if err := rows.Scan(&p.ID, &raw, &p.SavedAt); err != nil {
			return nil, fmt.Errorf("partner: list scan: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Profile); err != nil {
			return nil, fmt.Errorf("partner: decode profile %q: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partner: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Partner, error) {
	const query = `SELECT id, profile, saved_at FROM saved_partners WHERE id = $1`
	var (
		p   Partner
		raw []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&p.ID, &raw, &p.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Partner{}, fmt.Errorf("partner: %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Partner{}, fmt.Errorf("partner: get %q: %w", id, err)
	}
	if err := json.Unmarshal(raw, &p.Profile); err != nil {
		return Partner{}, fmt.Errorf("partner: decode profile %q: %w", id, err)
	}
	return p, nil
}

// Save upserts p and trims the table to the limit in one transaction.
func (s *PostgresStore) Save(ctx context.Context, p Partner) (Partner, error) {
	p, err := s.opts.prepare(p)
	if err != nil {
		return Partner{}, err
	}
	raw, err := json.Marshal(p.Profile)
	if err != nil {
		return Partner{}, fmt.Errorf("partner: encode profile: %w", err)
	}

	const upsertQuery = `
		INSERT INTO saved_partners (id, profile, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			profile = EXCLUDED.profile,
			saved_at = EXCLUDED.saved_at`
	const trimQuery = `
		DELETE FROM saved_partners
		WHERE id NOT IN (
			SELECT id FROM saved_partners ORDER BY saved_at DESC, id LIMIT $1
		)`

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertQuery, p.ID, raw, p.SavedAt); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		if _, err := tx.Exec(ctx, trimQuery, s.opts.limit); err != nil {
			return fmt.Errorf("trim: %w", err)
		}
		return nil
	})
	if err != nil {
		return Partner{}, fmt.Errorf("partner: save %q: %w", p.ID, err)
	}
	return p, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM saved_partners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("partner: delete %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("partner: %q: %w", id, ErrNotFound)
	}
	return nil
}
