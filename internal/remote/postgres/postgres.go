// Package postgres implements the remote store on PostgreSQL for
// self-hosted deployments. Documents are keyed by (owner_user_id, id).
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"moneycheck/internal/apperror"
	applog "moneycheck/internal/log"
	"moneycheck/internal/remote"
)

const upsertTransaction = `
INSERT INTO transactions (owner_user_id, id, amount, date, is_income, category_id, category_name, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, now())
ON CONFLICT (owner_user_id, id) DO UPDATE SET
    amount = EXCLUDED.amount,
    date = EXCLUDED.date,
    is_income = EXCLUDED.is_income,
    category_id = EXCLUDED.category_id,
    category_name = EXCLUDED.category_name,
    updated_at = now()`

type Store struct {
	pool *pgxpool.Pool
	log  *applog.Logger
}

type Option func(*Store)

func WithLogger(l *applog.Logger) Option {
	return func(s *Store) { s.log = l }
}

var _ remote.Store = (*Store)(nil)

// New opens a pool and applies migrations.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	s := &Store{pool: pool, log: applog.ForComponent(applog.ComponentRemote)}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(applog.FieldBackend, "postgres")
	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) PutOne(ctx context.Context, ownerUserID string, t remote.Transaction) error {
	if err := t.Validate(); err != nil {
		return apperror.RemoteWrite("put one", err)
	}
	_, err := s.pool.Exec(ctx, upsertTransaction,
		ownerUserID, t.ID, t.Amount, t.Date.UTC(), t.IsIncome, t.CategoryID, t.CategoryName)
	if err != nil {
		return apperror.RemoteWrite("put one", err)
	}
	return nil
}

// PutBatch queues every upsert in one pgx batch inside a transaction.
func (s *Store) PutBatch(ctx context.Context, ownerUserID string, ts []remote.Transaction) error {
	if len(ts) == 0 {
		return nil
	}
	if len(ts) > remote.MaxBatchSize {
		return apperror.RemoteWrite("put batch", fmt.Errorf("batch of %d exceeds %d", len(ts), remote.MaxBatchSize))
	}
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return apperror.RemoteWrite("put batch", err)
		}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range ts {
			batch.Queue(upsertTransaction,
				ownerUserID, t.ID, t.Amount, t.Date.UTC(), t.IsIncome, t.CategoryID, t.CategoryName)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return apperror.RemoteWrite("put batch", err)
	}

	s.log.DebugContext(ctx, "Committed transaction batch to postgres", applog.FieldUserID, ownerUserID, applog.FieldCount, len(ts))
	return nil
}

func (s *Store) DeleteOne(ctx context.Context, ownerUserID, transactionID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM transactions WHERE owner_user_id = $1 AND id = $2",
		ownerUserID, transactionID)
	if err != nil {
		return apperror.RemoteWrite("delete one", err)
	}
	return nil
}

func (s *Store) FetchSince(ctx context.Context, ownerUserID string, since time.Time) ([]remote.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, amount::text, date, is_income, category_id, category_name
		FROM transactions
		WHERE owner_user_id = $1 AND date > $2
		ORDER BY date, id`, ownerUserID, since.UTC())
	if err != nil {
		return nil, apperror.RemoteRead("fetch since", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (remote.Transaction, error) {
		var t remote.Transaction
		err := row.Scan(&t.ID, &t.Amount, &t.Date, &t.IsIncome, &t.CategoryID, &t.CategoryName)
		t.Date = t.Date.UTC()
		return t, err
	})
	if err != nil {
		return nil, apperror.RemoteRead("fetch since", err)
	}
	return out, nil
}

func (s *Store) PutProfile(ctx context.Context, p remote.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, name, email, last_sync_date, next_sync_date, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			last_sync_date = EXCLUDED.last_sync_date,
			next_sync_date = EXCLUDED.next_sync_date,
			email_verified = EXCLUDED.email_verified`,
		p.ID, p.Name, p.Email, nullTime(p.LastSyncDate), nullTime(p.NextSyncDate), p.EmailVerified)
	if err != nil {
		return apperror.RemoteWrite("put profile", err)
	}
	return nil
}

func (s *Store) PutCategories(ctx context.Context, ownerUserID string, cs []remote.Category) error {
	if len(cs) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range cs {
			batch.Queue(`
				INSERT INTO categories (owner_user_id, id, name) VALUES ($1, $2, $3)
				ON CONFLICT (owner_user_id, id) DO UPDATE SET name = EXCLUDED.name`,
				ownerUserID, c.ID, c.Name)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return apperror.RemoteWrite("put categories", err)
	}
	return nil
}

func (s *Store) ProfileExists(ctx context.Context, email string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(email) = lower($1))", email).Scan(&found)
	if err != nil {
		return false, apperror.RemoteRead("profile exists", err)
	}
	return found, nil
}

func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM transactions WHERE owner_user_id = $1",
			"DELETE FROM categories WHERE owner_user_id = $1",
			"DELETE FROM profiles WHERE id = $1",
		} {
			if _, err := tx.Exec(ctx, stmt, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperror.RemoteWrite("delete profile", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
