package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
)

func remoteRecord(id, amount string, date time.Time) RemoteRecord {
	return RemoteRecord{
		ID:           id,
		Date:         date,
		Amount:       decimal.RequireFromString(amount),
		CategoryID:   "c1",
		CategoryName: "Groceries",
	}
}

func TestMarkTransactionsSynced_RespectsVersion(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	a, err := s.CreateTransaction(ctx, newTx("a", "1", day))
	require.NoError(t, err)
	b, err := s.CreateTransaction(ctx, newTx("b", "2", day))
	require.NoError(t, err)

	// b is edited after being read for a push.
	amount := decimal.RequireFromString("3")
	_, err = s.UpdateTransaction(ctx, "b", core.TransactionPatch{Amount: &amount})
	require.NoError(t, err)

	n, err := s.MarkTransactionsSynced(ctx, map[string]int64{a.ID: a.Version, b.ID: b.Version})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotA, err := s.GetTransaction(ctx, "a")
	require.NoError(t, err)
	assert.True(t, gotA.Synced)
	gotB, err := s.GetTransaction(ctx, "b")
	require.NoError(t, err)
	assert.False(t, gotB.Synced)

	n, err = s.MarkTransactionsSynced(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingDeletes(t *testing.T) {
	now := day.Add(time.Hour)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	seed(t, s)
	ctx := context.Background()

	_, err := s.CreateTransaction(ctx, newTx("a", "1", day))
	require.NoError(t, err)
	_, err = s.CreateTransaction(ctx, newTx("b", "1", day))
	require.NoError(t, err)
	require.NoError(t, s.DeleteTransaction(ctx, "a"))
	require.NoError(t, s.DeleteTransaction(ctx, "b"))

	pending, err := s.PendingDeletes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].TransactionID)
	assert.True(t, pending[0].DeletedAt.Equal(now))

	require.NoError(t, s.ClearPendingDeletes(ctx, []string{"a"}))

	// Recreating an id drops its tombstone.
	_, err = s.CreateTransaction(ctx, newTx("b", "5", day))
	require.NoError(t, err)

	pending, err = s.PendingDeletes(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMergeRemote_InsertsAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateUser(ctx, core.User{ID: "u1"})
	require.NoError(t, err)

	records := []RemoteRecord{
		remoteRecord("r1", "50.00", day),
		remoteRecord("r2", "12.5", day.Add(time.Hour)),
	}

	stats, err := s.MergeRemote(ctx, "u1", records)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Inserted: 2, CategoriesCreated: 1}, stats)

	before, err := Collect(s.Transactions(ctx, TransactionFilter{OwnerUserID: "u1"}))
	require.NoError(t, err)

	stats, err = s.MergeRemote(ctx, "u1", records)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Unchanged: 2}, stats)

	after, err := Collect(s.Transactions(ctx, TransactionFilter{OwnerUserID: "u1"}))
	require.NoError(t, err)
	require.Len(t, after, 2)
	for i := range before {
		assert.True(t, before[i].Equal(after[i]))
		assert.True(t, after[i].Synced)
	}

	c, err := s.GetCategory(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Groceries", c.Name)
}

func TestMergeRemote_OverwritesSyncedRecords(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.MergeRemote(ctx, "u1", []RemoteRecord{remoteRecord("r1", "10", day)})
	require.NoError(t, err)

	changed := remoteRecord("r1", "15", day)
	changed.IsIncome = true
	stats, err := s.MergeRemote(ctx, "u1", []RemoteRecord{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	got, err := s.GetTransaction(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "15", got.Amount.String())
	assert.True(t, got.IsIncome)
	assert.True(t, got.Synced)

	all, err := Collect(s.Transactions(ctx, TransactionFilter{OwnerUserID: "u1"}))
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert never duplicates")
}

func TestMergeRemote_Skips(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.CreateUser(ctx, core.User{ID: "u2"})
	require.NoError(t, err)
	_, err = s.CreateCategory(ctx, core.Category{ID: "theirs", Name: "X", OwnerUserID: "u2"})
	require.NoError(t, err)

	// Pending local edit.
	_, err = s.CreateTransaction(ctx, newTx("edited", "99", day))
	require.NoError(t, err)
	// Pending local delete.
	_, err = s.CreateTransaction(ctx, newTx("deleted", "1", day))
	require.NoError(t, err)
	require.NoError(t, s.DeleteTransaction(ctx, "deleted"))

	foreign := remoteRecord("foreign", "1", day)
	foreign.CategoryID = "theirs"
	noCategory := remoteRecord("nocat", "1", day)
	noCategory.CategoryID = ""

	stats, err := s.MergeRemote(ctx, "u1", []RemoteRecord{
		remoteRecord("edited", "1", day),
		remoteRecord("deleted", "1", day),
		foreign,
		noCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Skipped)

	edited, err := s.GetTransaction(ctx, "edited")
	require.NoError(t, err)
	assert.Equal(t, "99", edited.Amount.String())
	assert.False(t, edited.Synced)

	deleted, err := s.GetTransaction(ctx, "deleted")
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestMergeRemote_UnknownCategoryName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateUser(ctx, core.User{ID: "u1"})
	require.NoError(t, err)

	r := remoteRecord("r1", "1", day)
	r.CategoryID, r.CategoryName = "orphan", ""
	_, err = s.MergeRemote(ctx, "u1", []RemoteRecord{r})
	require.NoError(t, err)

	c, err := s.GetCategory(ctx, "orphan")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, core.UnknownCategoryName, c.Name)
}

func TestMergeRemote_UnknownUser(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MergeRemote(context.Background(), "ghost", []RemoteRecord{remoteRecord("r1", "1", day)})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMergeRemote_EmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	rec := &recorder[core.Transaction]{}
	sub, err := s.SubscribeTransactions(TransactionFilter{OwnerUserID: "u1"}, rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	stats, err := s.MergeRemote(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{}, stats)
	assert.Len(t, rec.snapshot(), 1)
}
