// Package remotetest holds the behavioural contract every remote.Store
// implementation must satisfy.
package remotetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneycheck/internal/remote"
)

// Factory returns an empty store. The store is closed by the caller.
type Factory func(t *testing.T) remote.Store

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func doc(id string, offset time.Duration, amount string) remote.Transaction {
	return remote.Transaction{
		ID:           id,
		Amount:       amount,
		Date:         base.Add(offset),
		CategoryID:   "c1",
		CategoryName: "Groceries",
	}
}

// Run exercises the store returned by newStore. Owner ids are unique per
// subtest so shared backends need no cleanup between them.
func Run(t *testing.T, newStore Factory) {
	t.Run("put batch retried is unchanged", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		owner := "contract-retry-" + time.Now().Format("150405.000000")
		batch := []remote.Transaction{doc("a", time.Hour, "50"), doc("b", 2*time.Hour, "12.5")}

		require.NoError(t, s.PutBatch(ctx, owner, batch))
		require.NoError(t, s.PutBatch(ctx, owner, batch))

		got, err := s.FetchSince(ctx, owner, base)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assertSameDocs(t, batch, got)
	})

	t.Run("put one overwrites", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		owner := "contract-putone-" + time.Now().Format("150405.000000")

		require.NoError(t, s.PutOne(ctx, owner, doc("a", time.Hour, "1")))
		updated := doc("a", time.Hour, "2")
		updated.IsIncome = true
		require.NoError(t, s.PutOne(ctx, owner, updated))

		got, err := s.FetchSince(ctx, owner, base)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "2", got[0].Amount)
		assert.True(t, got[0].IsIncome)
	})

	t.Run("fetch since is strict and scoped", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		owner := "contract-fetch-" + time.Now().Format("150405.000000")

		require.NoError(t, s.PutBatch(ctx, owner, []remote.Transaction{
			doc("old", -time.Hour, "1"),
			doc("edge", 0, "1"),
			doc("new", time.Hour, "1"),
		}))
		require.NoError(t, s.PutOne(ctx, owner+"-other", doc("foreign", time.Hour, "1")))

		got, err := s.FetchSince(ctx, owner, base)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "new", got[0].ID)

		got, err = s.FetchSince(ctx, owner, base.Add(48*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		owner := "contract-delete-" + time.Now().Format("150405.000000")

		require.NoError(t, s.PutOne(ctx, owner, doc("a", time.Hour, "1")))
		require.NoError(t, s.DeleteOne(ctx, owner, "a"))
		require.NoError(t, s.DeleteOne(ctx, owner, "a"))

		got, err := s.FetchSince(ctx, owner, base)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("profiles", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		owner := "contract-profile-" + time.Now().Format("150405.000000")
		email := owner + "@example.com"

		ok, err := s.ProfileExists(ctx, email)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.PutProfile(ctx, remote.Profile{ID: owner, Name: "Ada", Email: email}))
		require.NoError(t, s.PutCategories(ctx, owner, []remote.Category{{ID: "c1", Name: "Groceries"}}))
		require.NoError(t, s.PutOne(ctx, owner, doc("a", time.Hour, "1")))

		ok, err = s.ProfileExists(ctx, email)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.ProfileExists(ctx, strings.ToUpper(email))
		require.NoError(t, err)
		assert.True(t, ok, "email lookup ignores case")

		require.NoError(t, s.DeleteProfile(ctx, owner))
		ok, err = s.ProfileExists(ctx, email)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.FetchSince(ctx, owner, base.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func assertSameDocs(t *testing.T, want, got []remote.Transaction) {
	t.Helper()
	byID := make(map[string]remote.Transaction, len(got))
	for _, g := range got {
		byID[g.ID] = g
	}
	for _, w := range want {
		g, ok := byID[w.ID]
		if !assert.True(t, ok, "missing %s", w.ID) {
			continue
		}
		assert.True(t, w.Date.Equal(g.Date), "date of %s", w.ID)
		assert.Equal(t, w.Amount, g.Amount)
		assert.Equal(t, w.IsIncome, g.IsIncome)
		assert.Equal(t, w.CategoryID, g.CategoryID)
		assert.Equal(t, w.CategoryName, g.CategoryName)
	}
}
