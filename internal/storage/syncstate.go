package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
)

// PendingDelete is a local deletion not yet confirmed by the remote store.
type PendingDelete struct {
	TransactionID string
	OwnerUserID   string
	DeletedAt     time.Time
}

// RemoteRecord is a transaction as pulled from the remote store.
type RemoteRecord struct {
	ID           string
	Date         time.Time
	Amount       decimal.Decimal
	IsIncome     bool
	CategoryID   string
	CategoryName string
}

type MergeStats struct {
	Inserted          int
	Updated           int
	Unchanged         int
	Skipped           int
	CategoriesCreated int
}

// MarkTransactionsSynced sets synced for each id whose stored version still
// equals the given one. Rows edited since they were read stay unsynced.
// It returns the number of rows marked.
func (s *Store) MarkTransactionsSynced(ctx context.Context, versions map[string]int64) (int, error) {
	if len(versions) == 0 {
		return 0, nil
	}
	marked := 0
	err := s.write(ctx, entityTransactions, func(tx *sql.Tx) error {
		marked = 0
		stmt, err := tx.PrepareContext(ctx, "UPDATE transactions SET synced = 1 WHERE id = ? AND version = ? AND synced = 0")
		if err != nil {
			return fmt.Errorf("prepare mark synced: %w", err)
		}
		defer stmt.Close()

		for id, version := range versions {
			res, err := stmt.ExecContext(ctx, id, version)
			if err != nil {
				return fmt.Errorf("mark transaction %s synced: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("mark transaction %s synced: %w", id, err)
			}
			marked += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

func (s *Store) PendingDeletes(ctx context.Context, owner string) ([]PendingDelete, error) {
	return Collect(rowsSeq(ctx, s.db, "pending deletes",
		"SELECT transaction_id, owner_user_id, deleted_at FROM pending_deletes WHERE owner_user_id = ? ORDER BY deleted_at, transaction_id",
		[]any{owner},
		func(r rowScanner) (PendingDelete, error) {
			var p PendingDelete
			var at int64
			if err := r.Scan(&p.TransactionID, &p.OwnerUserID, &at); err != nil {
				return PendingDelete{}, err
			}
			p.DeletedAt = fromMicros(at)
			return p, nil
		}))
}

func (s *Store) ClearPendingDeletes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, 0, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM pending_deletes WHERE transaction_id = ?", id); err != nil {
				return fmt.Errorf("clear tombstone %s: %w", id, err)
			}
		}
		return nil
	})
}

// MergeRemote upserts pulled records for owner in one write and marks them
// synced. A missing category is materialized from the record's category id
// and name. Records are skipped when they have a pending local delete, when
// the local copy has unsynced edits, or when ids collide with another
// user's data. Merging the same records twice leaves the store unchanged.
func (s *Store) MergeRemote(ctx context.Context, owner string, records []RemoteRecord) (MergeStats, error) {
	var stats MergeStats
	if len(records) == 0 {
		return stats, nil
	}

	err := s.write(ctx, entityCategories|entityTransactions, func(tx *sql.Tx) error {
		stats = MergeStats{}
		if err := requireUser(ctx, tx, owner); err != nil {
			return err
		}

		tombstones := make(map[string]bool)
		rows, err := tx.QueryContext(ctx, "SELECT transaction_id FROM pending_deletes WHERE owner_user_id = ?", owner)
		if err != nil {
			return fmt.Errorf("load tombstones: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan tombstone: %w", err)
			}
			tombstones[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("load tombstones: %w", err)
		}

		for _, r := range records {
			if tombstones[r.ID] {
				stats.Skipped++
				continue
			}
			ok, created, err := ensureCategory(ctx, tx, owner, r)
			if err != nil {
				return err
			}
			if !ok {
				s.log.WarnContext(ctx, "Skipping pulled transaction with foreign category",
					applog.FieldTransactionID, r.ID, applog.FieldCategoryID, r.CategoryID, applog.FieldUserID, owner)
				stats.Skipped++
				continue
			}
			if created {
				stats.CategoriesCreated++
			}

			incoming := core.Transaction{
				ID:          r.ID,
				Date:        core.NormalizeTime(r.Date),
				Amount:      r.Amount,
				IsIncome:    r.IsIncome,
				CategoryID:  r.CategoryID,
				OwnerUserID: owner,
				Synced:      true,
			}
			if err := incoming.Validate(); err != nil {
				s.log.WarnContext(ctx, "Skipping invalid pulled transaction",
					applog.FieldTransactionID, r.ID, applog.FieldUserID, owner, applog.FieldError, err)
				stats.Skipped++
				continue
			}

			local, err := getTransaction(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			switch {
			case local == nil:
				if err := insertTransaction(ctx, tx, incoming); err != nil {
					return err
				}
				stats.Inserted++
			case local.OwnerUserID != owner || !local.Synced:
				// A pending local edit wins; push sends it on the next cycle.
				stats.Skipped++
			case sameContent(*local, incoming):
				stats.Unchanged++
			default:
				incoming.Version = local.Version + 1
				if err := updateTransactionRow(ctx, tx, incoming); err != nil {
					return err
				}
				stats.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return MergeStats{}, err
	}

	s.log.InfoContext(ctx, "Merged remote transactions",
		applog.FieldUserID, owner,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"categories_created", stats.CategoriesCreated)
	return stats, nil
}

// ensureCategory reports false when the category belongs to another user.
func ensureCategory(ctx context.Context, tx *sql.Tx, owner string, r RemoteRecord) (ok, created bool, err error) {
	c, err := getCategory(ctx, tx, r.CategoryID)
	if err != nil {
		return false, false, err
	}
	if c != nil {
		return c.OwnerUserID == owner, false, nil
	}
	name := r.CategoryName
	if name == "" {
		name = core.UnknownCategoryName
	}
	cat := core.Category{ID: r.CategoryID, Name: name, OwnerUserID: owner}
	if err := cat.Validate(); err != nil {
		return false, false, nil
	}
	if err := insertCategory(ctx, tx, cat); err != nil {
		return false, false, err
	}
	return true, true, nil
}

func sameContent(a, b core.Transaction) bool {
	return a.Date.Equal(b.Date) &&
		a.Amount.Equal(b.Amount) &&
		a.IsIncome == b.IsIncome &&
		a.CategoryID == b.CategoryID
}
