package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
)

// ErrCategoryInUse is returned when deleting a category that transactions
// still reference. It matches apperror.ErrValidation.
var ErrCategoryInUse = apperror.Validation("category_id", "category is referenced by transactions")

type CategoryFilter struct {
	OwnerUserID string
	// Name matches exactly, case-sensitive.
	Name *string
}

func (f CategoryFilter) sql() (string, []any) {
	var where []string
	var args []any
	if f.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, f.OwnerUserID)
	}
	if f.Name != nil {
		where = append(where, "name = ?")
		args = append(args, *f.Name)
	}
	q := "SELECT id, name, owner_user_id FROM categories"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY name, id", args
}

func scanCategory(r rowScanner) (core.Category, error) {
	var c core.Category
	err := r.Scan(&c.ID, &c.Name, &c.OwnerUserID)
	return c, err
}

func getCategory(ctx context.Context, q querier, id string) (*core.Category, error) {
	c, err := scanCategory(q.QueryRowContext(ctx,
		"SELECT id, name, owner_user_id FROM categories WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get category %s: %w", id, err)
	}
	return &c, nil
}

func insertCategory(ctx context.Context, tx *sql.Tx, c core.Category) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO categories (id, name, owner_user_id) VALUES (?, ?, ?)",
		c.ID, c.Name, c.OwnerUserID)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func (s *Store) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}

	err := s.write(ctx, entityCategories, func(tx *sql.Tx) error {
		if err := requireUser(ctx, tx, c.OwnerUserID); err != nil {
			return err
		}
		dup, err := exists(ctx, tx, "SELECT 1 FROM categories WHERE id = ?", c.ID)
		if err != nil {
			return fmt.Errorf("check category %s: %w", c.ID, err)
		}
		if dup {
			return apperror.Duplicate("category", c.ID)
		}
		return insertCategory(ctx, tx, c)
	})
	if err != nil {
		return core.Category{}, err
	}
	return c, nil
}

func (s *Store) UpdateCategory(ctx context.Context, id string, patch core.CategoryPatch) (core.Category, error) {
	var updated core.Category
	err := s.write(ctx, entityCategories, func(tx *sql.Tx) error {
		c, err := getCategory(ctx, tx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return apperror.NotFound("category", id)
		}
		patch.Apply(c)
		if err := c.Validate(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE categories SET name = ? WHERE id = ?", c.Name, id); err != nil {
			return fmt.Errorf("update category %s: %w", id, err)
		}
		updated = *c
		return nil
	})
	if err != nil {
		return core.Category{}, err
	}
	return updated, nil
}

// DeleteCategory refuses with ErrCategoryInUse while any transaction
// references the category.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	return s.write(ctx, entityCategories, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM categories WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("check category %s: %w", id, err)
		}
		if !found {
			return apperror.NotFound("category", id)
		}
		used, err := exists(ctx, tx, "SELECT 1 FROM transactions WHERE category_id = ? LIMIT 1", id)
		if err != nil {
			return fmt.Errorf("check category %s usage: %w", id, err)
		}
		if used {
			return fmt.Errorf("delete category %s: %w", id, ErrCategoryInUse)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete category %s: %w", id, err)
		}
		return nil
	})
}

// GetCategory returns nil without error when the category does not exist.
func (s *Store) GetCategory(ctx context.Context, id string) (*core.Category, error) {
	return getCategory(ctx, s.db, id)
}

func (s *Store) Categories(ctx context.Context, f CategoryFilter) iter.Seq2[core.Category, error] {
	q, args := f.sql()
	return rowsSeq(ctx, s.db, "categories", q, args, scanCategory)
}

func (s *Store) SubscribeCategories(f CategoryFilter, fn func([]core.Category)) (*Subscription, error) {
	return subscribe(s, entityCategories, func(ctx context.Context) ([]core.Category, error) {
		return Collect(s.Categories(ctx, f))
	}, core.Category.Equal, fn)
}
