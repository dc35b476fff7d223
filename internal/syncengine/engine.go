// Package syncengine reconciles the local store with the remote store for
// one user at a time.
package syncengine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"golang.org/x/sync/singleflight"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/remote"
	"moneycheck/internal/storage"
)

// Steps reported in SyncError.
const (
	StepLoadUser = "load user"
	StepPush     = "push"
	StepDelete   = "delete"
	StepPull     = "pull"
	StepMerge    = "merge"
	StepFinish   = "finish"
)

const DefaultInterval = 24 * time.Hour

// LocalStore is the part of the local store the engine drives.
type LocalStore interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
	UpdateUser(ctx context.Context, id string, patch core.UserPatch) (core.User, error)
	Transactions(ctx context.Context, f storage.TransactionFilter) iter.Seq2[core.Transaction, error]
	Categories(ctx context.Context, f storage.CategoryFilter) iter.Seq2[core.Category, error]
	MarkTransactionsSynced(ctx context.Context, versions map[string]int64) (int, error)
	PendingDeletes(ctx context.Context, owner string) ([]storage.PendingDelete, error)
	ClearPendingDeletes(ctx context.Context, ids []string) error
	MergeRemote(ctx context.Context, owner string, records []storage.RemoteRecord) (storage.MergeStats, error)
}

// RemoteStore is the part of the remote store the engine drives.
type RemoteStore interface {
	remote.TransactionWriter
	remote.TransactionReader
	PutProfile(ctx context.Context, p remote.Profile) error
}

// Result summarizes one sync cycle.
type Result struct {
	Pushed     int
	Deleted    int
	Pulled     int
	Inserted   int
	Updated    int
	Skipped    int
	Checkpoint time.Time
	SyncedAt   time.Time
}

type Option func(*Engine)

func WithCheckpoint(p Policy) Option {
	return func(e *Engine) { e.checkpoint = p }
}

// WithInterval sets the gap between lastSyncDate and nextSyncDate.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *applog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

type Engine struct {
	local      LocalStore
	remote     RemoteStore
	checkpoint Policy
	interval   time.Duration
	now        func() time.Time
	log        *applog.Logger
	inflight   singleflight.Group
}

func NewEngine(local LocalStore, rs RemoteStore, opts ...Option) *Engine {
	e := &Engine{
		local:      local,
		remote:     rs,
		checkpoint: LookBack(DefaultLookBack),
		interval:   DefaultInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = applog.ForComponent(applog.ComponentSync)
	}
	return e
}

// SyncTransactions pushes the user's unsynced transactions and pending
// deletes, then pulls and merges remote transactions newer than the
// checkpoint. Concurrent calls for the same user share one run.
func (e *Engine) SyncTransactions(ctx context.Context, userID string) (Result, error) {
	ch := e.inflight.DoChan(userID, func() (any, error) {
		res, err := e.run(ctx, userID)
		if err != nil {
			e.log.WarnContext(ctx, "Sync failed",
				applog.FieldUserID, userID,
				applog.FieldStep, apperror.Step(err),
				applog.FieldError, err)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			e.log.DebugContext(ctx, "Joined in-flight sync", applog.FieldUserID, userID)
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, apperror.Sync("wait", ctx.Err())
	}
}

func (e *Engine) run(ctx context.Context, userID string) (Result, error) {
	var res Result
	start := e.now()

	if err := ctx.Err(); err != nil {
		return res, apperror.Sync(StepLoadUser, err)
	}
	user, err := e.local.GetUser(ctx, userID)
	if err != nil {
		return res, apperror.Sync(StepLoadUser, err)
	}
	if user == nil {
		return res, apperror.Sync(StepLoadUser, apperror.NotFound("user", userID))
	}

	if err := ctx.Err(); err != nil {
		return res, apperror.Sync(StepPush, err)
	}
	pushed, err := e.push(ctx, userID)
	if err != nil {
		return res, apperror.Sync(StepPush, err)
	}
	res.Pushed = pushed

	if err := ctx.Err(); err != nil {
		return res, apperror.Sync(StepDelete, err)
	}
	deleted, err := e.propagateDeletes(ctx, userID)
	res.Deleted = deleted
	if err != nil {
		return res, apperror.Sync(StepDelete, err)
	}

	if err := ctx.Err(); err != nil {
		return res, apperror.Sync(StepPull, err)
	}
	res.Checkpoint = e.checkpoint(*user, start)
	docs, err := e.remote.FetchSince(ctx, userID, res.Checkpoint)
	if err != nil {
		return res, apperror.Sync(StepPull, err)
	}
	res.Pulled = len(docs)

	if err := ctx.Err(); err != nil {
		return res, apperror.Sync(StepMerge, err)
	}
	records, skipped := e.toRecords(ctx, userID, docs)
	stats, err := e.local.MergeRemote(ctx, userID, records)
	if err != nil {
		return res, apperror.Sync(StepMerge, err)
	}
	res.Inserted = stats.Inserted
	res.Updated = stats.Updated
	res.Skipped = stats.Skipped + skipped

	if err := ctx.Err(); err != nil {
		return res, apperror.Sync(StepFinish, err)
	}
	syncedAt := core.NormalizeTime(e.now())
	next := syncedAt.Add(e.interval)
	updated, err := e.local.UpdateUser(ctx, userID, core.UserPatch{
		LastSyncDate: &syncedAt,
		NextSyncDate: &next,
	})
	if err != nil {
		return res, apperror.Sync(StepFinish, err)
	}
	res.SyncedAt = syncedAt

	if err := e.remote.PutProfile(ctx, remote.ProfileFromUser(updated)); err != nil {
		e.log.WarnContext(ctx, "Failed to push profile after sync", applog.FieldUserID, userID, applog.FieldError, err)
	}

	fields := applog.NewFields().
		WithUser(userID).
		WithOperation(applog.OpSync).
		WithSyncResult(res.Pushed, res.Pulled, res.Checkpoint).
		WithDuration(e.now().Sub(start))
	e.log.WithFields(fields).InfoContext(ctx, "Synced transactions",
		"deleted", res.Deleted,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"skipped", res.Skipped)
	return res, nil
}

// push sends every unsynced transaction in chunks of remote.MaxBatchSize
// and marks them synced only after all chunks are accepted. A failed chunk
// leaves every flag untouched so the next cycle resends the same set.
func (e *Engine) push(ctx context.Context, userID string) (int, error) {
	unsynced := false
	pending, err := storage.Collect(e.local.Transactions(ctx, storage.TransactionFilter{
		OwnerUserID: userID,
		Synced:      &unsynced,
	}))
	if err != nil {
		return 0, fmt.Errorf("load unsynced transactions: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	names, err := e.categoryNames(ctx, userID)
	if err != nil {
		return 0, err
	}

	docs := make([]remote.Transaction, len(pending))
	versions := make(map[string]int64, len(pending))
	for i, t := range pending {
		docs[i] = remote.FromLocal(t, names[t.CategoryID])
		versions[t.ID] = t.Version
	}

	for start := 0; start < len(docs); start += remote.MaxBatchSize {
		end := min(start+remote.MaxBatchSize, len(docs))
		if err := e.remote.PutBatch(ctx, userID, docs[start:end]); err != nil {
			return 0, err
		}
	}

	marked, err := e.local.MarkTransactionsSynced(ctx, versions)
	if err != nil {
		return 0, fmt.Errorf("mark pushed transactions synced: %w", err)
	}
	if marked < len(pending) {
		e.log.InfoContext(ctx, "Transactions edited during push stay unsynced",
			applog.FieldUserID, userID, applog.FieldCount, len(pending)-marked)
	}
	return len(pending), nil
}

func (e *Engine) categoryNames(ctx context.Context, userID string) (map[string]string, error) {
	names := make(map[string]string)
	for c, err := range e.local.Categories(ctx, storage.CategoryFilter{OwnerUserID: userID}) {
		if err != nil {
			return nil, fmt.Errorf("load categories: %w", err)
		}
		names[c.ID] = c.Name
	}
	return names, nil
}

// propagateDeletes clears the tombstones of deletes the remote accepted,
// including those sent before a failure.
func (e *Engine) propagateDeletes(ctx context.Context, userID string) (int, error) {
	pending, err := e.local.PendingDeletes(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load pending deletes: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	done := make([]string, 0, len(pending))
	var deleteErr error
	for _, p := range pending {
		if err := e.remote.DeleteOne(ctx, userID, p.TransactionID); err != nil {
			deleteErr = err
			break
		}
		done = append(done, p.TransactionID)
	}

	if len(done) > 0 {
		if err := e.local.ClearPendingDeletes(ctx, done); err != nil {
			return 0, fmt.Errorf("clear pending deletes: %w", err)
		}
	}
	return len(done), deleteErr
}

// toRecords drops documents whose amount cannot be decoded.
func (e *Engine) toRecords(ctx context.Context, userID string, docs []remote.Transaction) ([]storage.RemoteRecord, int) {
	records := make([]storage.RemoteRecord, 0, len(docs))
	skipped := 0
	for _, d := range docs {
		amount, err := d.ParseAmount()
		if err != nil {
			e.log.WarnContext(ctx, "Skipping remote transaction with bad amount",
				applog.FieldUserID, userID, applog.FieldTransactionID, d.ID, applog.FieldError, err)
			skipped++
			continue
		}
		records = append(records, storage.RemoteRecord{
			ID:           d.ID,
			Date:         d.Date,
			Amount:       amount,
			IsIncome:     d.IsIncome,
			CategoryID:   d.CategoryID,
			CategoryName: d.CategoryName,
		})
	}
	return records, skipped
}
