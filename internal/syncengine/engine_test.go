package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/remote/memory"
	"moneycheck/internal/storage"
)

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newLocal(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, filepath.Join(t.TempDir(), "local.db"), storage.WithScheduler(storage.Inline))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.CreateUser(ctx, core.User{ID: "u1", Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	return s
}

func addCategory(t *testing.T, s *storage.Store) {
	t.Helper()
	_, err := s.CreateCategory(context.Background(), core.Category{ID: "c1", Name: "Groceries", OwnerUserID: "u1"})
	require.NoError(t, err)
}

func addTx(t *testing.T, s *storage.Store, id, amount string, date time.Time) {
	t.Helper()
	_, err := s.CreateTransaction(context.Background(), core.Transaction{
		ID:          id,
		Date:        date,
		Amount:      decimal.RequireFromString(amount),
		CategoryID:  "c1",
		OwnerUserID: "u1",
	})
	require.NoError(t, err)
}

func unsyncedIDs(t *testing.T, s *storage.Store) []string {
	t.Helper()
	unsynced := false
	txs, err := storage.Collect(s.Transactions(context.Background(), storage.TransactionFilter{OwnerUserID: "u1", Synced: &unsynced}))
	require.NoError(t, err)
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}

func allTxs(t *testing.T, s *storage.Store) []core.Transaction {
	t.Helper()
	txs, err := storage.Collect(s.Transactions(context.Background(), storage.TransactionFilter{OwnerUserID: "u1"}))
	require.NoError(t, err)
	return txs
}

func TestSyncTransactions_FailedPushLeavesRecordsUnsynced(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	addCategory(t, local)
	for i := range 3 {
		addTx(t, local, fmt.Sprintf("t%d", i), "10", now.Add(-time.Duration(i)*time.Hour))
	}
	rs := memory.New()
	rs.FailNext(memory.OpPutBatch, nil)
	e := NewEngine(local, rs, WithClock(clock))

	_, err := e.SyncTransactions(ctx, "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrSync))
	assert.True(t, errors.Is(err, apperror.ErrRemoteWrite))
	assert.ElementsMatch(t, []string{"t0", "t1", "t2"}, unsyncedIDs(t, local))
	assert.Empty(t, rs.Transactions("u1"))

	u, err := local.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.LastSyncDate.IsZero(), "failed sync must not advance lastSyncDate")

	res, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, 2, rs.Calls(memory.OpPutBatch))
	assert.Len(t, rs.Transactions("u1"), 3)
	assert.Empty(t, unsyncedIDs(t, local))
}

func TestSyncTransactions_RoundTripToAnotherDevice(t *testing.T) {
	ctx := context.Background()
	rs := memory.New()
	date := now.Add(-48 * time.Hour)

	phone := newLocal(t)
	addCategory(t, phone)
	addTx(t, phone, "t1", "50.00", date)
	_, err := NewEngine(phone, rs, WithClock(clock)).SyncTransactions(ctx, "u1")
	require.NoError(t, err)

	tablet := newLocal(t)
	res, err := NewEngine(tablet, rs, WithClock(clock)).SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Inserted)

	got, err := tablet.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Date.Equal(date))
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("50.00")))
	assert.False(t, got.IsIncome)
	assert.Equal(t, "c1", got.CategoryID)
	assert.True(t, got.Synced)

	c, err := tablet.GetCategory(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Groceries", c.Name)
}

func TestSyncTransactions_MergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rs := memory.New()
	source := newLocal(t)
	addCategory(t, source)
	addTx(t, source, "t1", "12.50", now.Add(-time.Hour))
	addTx(t, source, "t2", "99", now.Add(-2*time.Hour))
	_, err := NewEngine(source, rs, WithClock(clock)).SyncTransactions(ctx, "u1")
	require.NoError(t, err)

	local := newLocal(t)
	e := NewEngine(local, rs, WithClock(clock))
	first, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	after := allTxs(t, local)

	second, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Zero(t, second.Updated)
	assert.Equal(t, after, allTxs(t, local))
}

func TestSyncTransactions_EmptyPullLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	addCategory(t, local)
	addTx(t, local, "old", "5", now.Add(-2*DefaultLookBack))
	marked, err := local.MarkTransactionsSynced(ctx, map[string]int64{"old": 0})
	require.NoError(t, err)
	require.Equal(t, 1, marked)
	before := allTxs(t, local)

	rs := memory.New()
	res, err := NewEngine(local, rs, WithClock(clock)).SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
	assert.Zero(t, res.Pulled)
	assert.Equal(t, before, allTxs(t, local))
	assert.Equal(t, 0, rs.Calls(memory.OpPutBatch))
}

func TestSyncTransactions_PropagatesDeletes(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	addCategory(t, local)
	addTx(t, local, "t1", "20", now.Add(-time.Hour))
	rs := memory.New()
	e := NewEngine(local, rs, WithClock(clock))

	_, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rs.Transactions("u1"), 1)

	require.NoError(t, local.DeleteTransaction(ctx, "t1"))
	rs.FailNext(memory.OpDeleteOne, nil)
	_, err = e.SyncTransactions(ctx, "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrSync))

	pending, err := local.PendingDeletes(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "tombstone kept until the remote delete succeeds")

	res, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, rs.Transactions("u1"))
	pending, err = local.PendingDeletes(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := local.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSyncTransactions_EditDuringPushStaysUnsynced(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	addCategory(t, local)
	addTx(t, local, "t1", "10", now.Add(-time.Hour))
	rs := memory.New()

	var once sync.Once
	rs.SetHook(func(ctx context.Context, op memory.Op) error {
		if op != memory.OpPutBatch {
			return nil
		}
		var err error
		once.Do(func() {
			amount := decimal.RequireFromString("11")
			_, err = local.UpdateTransaction(ctx, "t1", core.TransactionPatch{Amount: &amount})
		})
		return err
	})
	e := NewEngine(local, rs, WithClock(clock))

	res, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, []string{"t1"}, unsyncedIDs(t, local))

	got, err := local.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "11", got.Amount.String(), "pull must not overwrite the pending edit")

	_, err = e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, unsyncedIDs(t, local))
	assert.Equal(t, "11", rs.Transactions("u1")[0].Amount)
}

func TestSyncTransactions_ChunksLargePushes(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	addCategory(t, local)
	for i := range 501 {
		addTx(t, local, fmt.Sprintf("t%03d", i), "1", now.Add(-time.Duration(i)*time.Minute))
	}
	rs := memory.New()

	res, err := NewEngine(local, rs, WithClock(clock)).SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 501, res.Pushed)
	assert.Equal(t, 2, rs.Calls(memory.OpPutBatch))
	assert.Empty(t, unsyncedIDs(t, local))
}

func TestSyncTransactions_UpdatesSyncDates(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	rs := memory.New()
	e := NewEngine(local, rs, WithClock(clock), WithInterval(6*time.Hour))

	res, err := e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, now, res.SyncedAt)
	assert.Equal(t, now.Add(-DefaultLookBack), res.Checkpoint)

	u, err := local.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.LastSyncDate.Equal(now))
	assert.True(t, u.NextSyncDate.Equal(now.Add(6*time.Hour)))

	p, ok := rs.Profile("u1")
	require.True(t, ok)
	assert.True(t, p.LastSyncDate.Equal(now))
}

func TestSyncTransactions_ProfilePushFailureIsNotFatal(t *testing.T) {
	local := newLocal(t)
	rs := memory.New()
	rs.FailNext(memory.OpPutProfile, nil)

	_, err := NewEngine(local, rs, WithClock(clock)).SyncTransactions(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestSyncTransactions_Errors(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		local := newLocal(t)
		_, err := NewEngine(local, memory.New()).SyncTransactions(context.Background(), "nobody")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperror.ErrSync))
		assert.True(t, errors.Is(err, apperror.ErrNotFound))
	})

	t.Run("cancelled context", func(t *testing.T) {
		local := newLocal(t)
		addCategory(t, local)
		addTx(t, local, "t1", "1", now)
		rs := memory.New()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewEngine(local, rs, WithClock(clock)).SyncTransactions(ctx, "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 0, rs.Calls(memory.OpPutBatch))
		assert.Equal(t, []string{"t1"}, unsyncedIDs(t, local))
	})

	t.Run("pull failure keeps pushed records synced", func(t *testing.T) {
		local := newLocal(t)
		addCategory(t, local)
		addTx(t, local, "t1", "1", now)
		rs := memory.New()
		rs.FailNext(memory.OpFetchSince, nil)

		_, err := NewEngine(local, rs, WithClock(clock)).SyncTransactions(context.Background(), "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperror.ErrRemoteRead))
		assert.Empty(t, unsyncedIDs(t, local))
	})
}

func TestSyncTransactions_ConcurrentCallsShareOneRun(t *testing.T) {
	local := newLocal(t)
	addCategory(t, local)
	addTx(t, local, "t1", "1", now)
	rs := memory.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rs.SetHook(func(ctx context.Context, op memory.Op) error {
		if op == memory.OpPutBatch {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})
	e := NewEngine(local, rs, WithClock(clock))

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = e.SyncTransactions(context.Background(), "u1")
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = e.SyncTransactions(context.Background(), "u1")
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, rs.Calls(memory.OpPutBatch))
	assert.Equal(t, 1, rs.Calls(memory.OpFetchSince))
}

func TestSyncTransactions_WaiterCanGiveUp(t *testing.T) {
	local := newLocal(t)
	addCategory(t, local)
	addTx(t, local, "t1", "1", now)
	rs := memory.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rs.SetHook(func(ctx context.Context, op memory.Op) error {
		if op == memory.OpPutBatch {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})
	e := NewEngine(local, rs, WithClock(clock))

	done := make(chan error, 1)
	go func() {
		_, err := e.SyncTransactions(context.Background(), "u1")
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.SyncTransactions(ctx, "u1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	assert.NoError(t, <-done)
}


func TestSyncTransactions_LogsStepWithComponent(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	rs := memory.New()
	var buf bytes.Buffer
	logger := applog.New(applog.Config{Level: slog.LevelDebug, Format: "json", Output: &buf}).
		WithComponent(applog.ComponentSync)

	e := NewEngine(local, rs, WithClock(clock), WithLogger(logger))
	rs.FailNext(memory.OpFetchSince, nil)
	_, err := e.SyncTransactions(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, StepPull, apperror.Step(err))

	out := buf.String()
	assert.Contains(t, out, `"component":"sync"`)
	assert.Contains(t, out, `"step":"pull"`)
	assert.Contains(t, out, `"user_id":"u1"`)

	buf.Reset()
	_, err = e.SyncTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"operation":"sync"`)
}
