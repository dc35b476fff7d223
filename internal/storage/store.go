// Package storage is the on-device store for users, categories and
// transactions, backed by SQLite.
//
// Writes are serialized and each runs in one SQL transaction. After every
// committed write the live queries watching the touched entities are
// re-evaluated and, when their result changed, redelivered as full snapshots.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	applog "moneycheck/internal/log"
)

type entity uint8

const (
	entityUsers entity = 1 << iota
	entityCategories
	entityTransactions
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type Store struct {
	db  *sql.DB
	now func() time.Time
	log *applog.Logger

	scheduler      Scheduler
	ownedScheduler *MainQueue

	// writeMu serializes writers and the snapshot refresh that follows them.
	writeMu sync.Mutex
	seq     uint64

	subsMu sync.Mutex
	subs   map[liveQuery]struct{}
}

type Option func(*Store)

// WithScheduler sets where live-query callbacks run. The store does not
// close a scheduler it did not create.
func WithScheduler(s Scheduler) Option {
	return func(st *Store) {
		st.scheduler = s
	}
}

// WithClock overrides time.Now, used for tombstone timestamps.
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		st.now = now
	}
}

func WithLogger(l *applog.Logger) Option {
	return func(st *Store) {
		st.log = l
	}
}

// DSN returns the modernc connection string used for path. The pragmas are
// applied to every pooled connection.
func DSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Open creates the database directory if needed, opens the database and
// applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:   db,
		now:  time.Now,
		subs: make(map[liveQuery]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = applog.ForComponent(applog.ComponentStorage)
	}
	s.log.DebugContext(ctx, "Local schema ready", "path", path, "schema_version", version)
	if s.scheduler == nil {
		s.ownedScheduler = NewMainQueue()
		s.scheduler = s.ownedScheduler
	}

	s.log.InfoContext(ctx, "Local store opened", "path", path)
	return s, nil
}

// Scheduler returns the scheduler live-query callbacks are delivered on.
func (s *Store) Scheduler() Scheduler {
	return s.scheduler
}

func (s *Store) Close() error {
	s.subsMu.Lock()
	for l := range s.subs {
		l.close()
	}
	clear(s.subs)
	s.subsMu.Unlock()

	if s.ownedScheduler != nil {
		s.ownedScheduler.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// write runs fn in a SQL transaction under the write lock, then refreshes
// the live queries watching kinds. Callbacks are scheduled after the lock
// is released so they may write to the store themselves.
func (s *Store) write(ctx context.Context, kinds entity, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	deliveries, err := s.writeLocked(ctx, kinds, fn)
	s.writeMu.Unlock()

	for _, d := range deliveries {
		s.scheduler.Schedule(d)
	}
	return err
}

func (s *Store) writeLocked(ctx context.Context, kinds entity, fn func(tx *sql.Tx) error) ([]func(), error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin write: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit write: %w", err)
	}
	if kinds == 0 {
		return nil, nil
	}
	return s.refreshLocked(context.WithoutCancel(ctx), kinds), nil
}

// refreshLocked must be called with writeMu held.
func (s *Store) refreshLocked(ctx context.Context, kinds entity) []func() {
	s.seq++
	seq := s.seq

	s.subsMu.Lock()
	watching := make([]liveQuery, 0, len(s.subs))
	for l := range s.subs {
		if l.watches(kinds) {
			watching = append(watching, l)
		}
	}
	s.subsMu.Unlock()

	var deliveries []func()
	for _, l := range watching {
		d, err := l.refresh(ctx, seq)
		if err != nil {
			s.log.WarnContext(ctx, "Failed to refresh live query", applog.FieldError, err)
			continue
		}
		if d != nil {
			deliveries = append(deliveries, d)
		}
	}
	return deliveries
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// rowsSeq adapts a query to a lazy sequence. Each range re-runs the query.
func rowsSeq[T any](ctx context.Context, q querier, what, query string, args []any, scan func(rowScanner) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			yield(zero, fmt.Errorf("query %s: %w", what, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				yield(zero, fmt.Errorf("scan %s: %w", what, err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, fmt.Errorf("iterate %s: %w", what, err))
		}
	}
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
