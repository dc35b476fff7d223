package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
)

type TransactionFilter struct {
	OwnerUserID string
	CategoryID  string
	Synced      *bool
	// Since is inclusive, Until exclusive.
	Since *time.Time
	Until *time.Time
}

const transactionColumns = "id, date, amount, is_income, category_id, owner_user_id, synced, version"

func (f TransactionFilter) sql() (string, []any) {
	var where []string
	var args []any
	if f.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, f.OwnerUserID)
	}
	if f.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, f.CategoryID)
	}
	if f.Synced != nil {
		where = append(where, "synced = ?")
		args = append(args, boolInt(*f.Synced))
	}
	if f.Since != nil {
		where = append(where, "date >= ?")
		args = append(args, toMicros(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "date < ?")
		args = append(args, toMicros(*f.Until))
	}
	q := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY date DESC, id", args
}

func scanTransaction(r rowScanner) (core.Transaction, error) {
	var t core.Transaction
	var date int64
	var amount string
	if err := r.Scan(&t.ID, &date, &amount, &t.IsIncome, &t.CategoryID, &t.OwnerUserID, &t.Synced, &t.Version); err != nil {
		return core.Transaction{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Date = fromMicros(date)
	t.Amount = d
	return t, nil
}

func getTransaction(ctx context.Context, q querier, id string) (*core.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return &t, nil
}

// requireCategoryOf checks that categoryID exists and belongs to owner.
func requireCategoryOf(ctx context.Context, q querier, categoryID, owner string) error {
	c, err := getCategory(ctx, q, categoryID)
	if err != nil {
		return err
	}
	if c == nil {
		return apperror.Validation("category_id", fmt.Sprintf("category %s does not exist", categoryID))
	}
	if c.OwnerUserID != owner {
		return apperror.Validation("category_id", fmt.Sprintf("category %s belongs to another user", categoryID))
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t core.Transaction) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, toMicros(t.Date), t.Amount.String(), boolInt(t.IsIncome), t.CategoryID, t.OwnerUserID,
		boolInt(t.Synced), t.Version)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func updateTransactionRow(ctx context.Context, tx *sql.Tx, t core.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions SET date = ?, amount = ?, is_income = ?, category_id = ?, synced = ?, version = ?
		 WHERE id = ?`,
		toMicros(t.Date), t.Amount.String(), boolInt(t.IsIncome), t.CategoryID, boolInt(t.Synced), t.Version, t.ID)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	return nil
}

// CreateTransaction inserts t. The owner and the category must exist and
// the category must belong to the owner; the store never creates one.
func (s *Store) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	t.Date = core.NormalizeTime(t.Date)
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}

	err := s.write(ctx, entityTransactions, func(tx *sql.Tx) error {
		if err := requireUser(ctx, tx, t.OwnerUserID); err != nil {
			return err
		}
		if err := requireCategoryOf(ctx, tx, t.CategoryID, t.OwnerUserID); err != nil {
			return err
		}
		dup, err := exists(ctx, tx, "SELECT 1 FROM transactions WHERE id = ?", t.ID)
		if err != nil {
			return fmt.Errorf("check transaction %s: %w", t.ID, err)
		}
		if dup {
			return apperror.Duplicate("transaction", t.ID)
		}
		// A recreated id supersedes an earlier local deletion.
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_deletes WHERE transaction_id = ?", t.ID); err != nil {
			return fmt.Errorf("clear tombstone %s: %w", t.ID, err)
		}
		return insertTransaction(ctx, tx, t)
	})
	if err != nil {
		return core.Transaction{}, err
	}

	s.log.DebugContext(ctx, "Transaction saved to local store",
		applog.FieldTransactionID, t.ID,
		applog.FieldUserID, t.OwnerUserID,
		"amount", t.Amount.String(),
		"is_income", t.IsIncome)
	return t, nil
}

// UpdateTransaction applies patch atomically. Changing date, amount or
// direction marks the record unsynced.
func (s *Store) UpdateTransaction(ctx context.Context, id string, patch core.TransactionPatch) (core.Transaction, error) {
	var updated core.Transaction
	err := s.write(ctx, entityTransactions, func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return apperror.NotFound("transaction", id)
		}
		patch.Apply(t)
		if err := t.Validate(); err != nil {
			return err
		}
		if err := updateTransactionRow(ctx, tx, *t); err != nil {
			return err
		}
		updated = *t
		return nil
	})
	if err != nil {
		return core.Transaction{}, err
	}
	return updated, nil
}

// DeleteTransaction removes the record and leaves a tombstone for the sync
// engine to propagate.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	return s.write(ctx, entityTransactions, func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return apperror.NotFound("transaction", id)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete transaction %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_deletes (transaction_id, owner_user_id, deleted_at) VALUES (?, ?, ?)
			 ON CONFLICT(transaction_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
			id, t.OwnerUserID, toMicros(s.now()))
		if err != nil {
			return fmt.Errorf("record tombstone %s: %w", id, err)
		}
		return nil
	})
}

// GetTransaction returns nil without error when the record does not exist.
func (s *Store) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

// Transactions returns matching records newest first. The query runs each
// time the sequence is ranged over.
func (s *Store) Transactions(ctx context.Context, f TransactionFilter) iter.Seq2[core.Transaction, error] {
	q, args := f.sql()
	return rowsSeq(ctx, s.db, "transactions", q, args, scanTransaction)
}

func (s *Store) SubscribeTransactions(f TransactionFilter, fn func([]core.Transaction)) (*Subscription, error) {
	return subscribe(s, entityTransactions, func(ctx context.Context) ([]core.Transaction, error) {
		return Collect(s.Transactions(ctx, f))
	}, core.Transaction.Equal, fn)
}
