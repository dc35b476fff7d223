package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
)

// UserFilter selects users. The zero value matches every user.
type UserFilter struct {
	// DueBefore matches users whose next sync date is unset or not after it.
	DueBefore *time.Time
}

func (f UserFilter) sql() (string, []any) {
	var where []string
	var args []any
	if f.DueBefore != nil {
		where = append(where, "next_sync_date <= ?")
		args = append(args, toMicros(*f.DueBefore))
	}
	q := "SELECT id, name, email, last_sync_date, next_sync_date, email_verified FROM users"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY id", args
}

func scanUser(r rowScanner) (core.User, error) {
	var u core.User
	var last, next int64
	if err := r.Scan(&u.ID, &u.Name, &u.Email, &last, &next, &u.EmailVerified); err != nil {
		return core.User{}, err
	}
	u.LastSyncDate = fromMicros(last)
	u.NextSyncDate = fromMicros(next)
	return u, nil
}

func getUser(ctx context.Context, q querier, id string) (*core.User, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, name, email, last_sync_date, next_sync_date, email_verified FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func requireUser(ctx context.Context, q querier, id string) error {
	ok, err := exists(ctx, q, "SELECT 1 FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("check user %s: %w", id, err)
	}
	if !ok {
		return apperror.Validation("owner_user_id", fmt.Sprintf("user %s does not exist", id))
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	u.LastSyncDate = core.NormalizeTime(u.LastSyncDate)
	u.NextSyncDate = core.NormalizeTime(u.NextSyncDate)
	if err := u.Validate(); err != nil {
		return core.User{}, err
	}

	err := s.write(ctx, entityUsers, func(tx *sql.Tx) error {
		return insertUser(ctx, tx, u)
	})
	if err != nil {
		return core.User{}, err
	}

	s.log.DebugContext(ctx, "User saved to local store", applog.FieldUserID, u.ID)
	return u, nil
}

// CreateUserWithCategories inserts u and its categories in one write, so
// either all of them exist afterwards or none do.
func (s *Store) CreateUserWithCategories(ctx context.Context, u core.User, cs []core.Category) (core.User, []core.Category, error) {
	u.LastSyncDate = core.NormalizeTime(u.LastSyncDate)
	u.NextSyncDate = core.NormalizeTime(u.NextSyncDate)
	if err := u.Validate(); err != nil {
		return core.User{}, nil, err
	}
	out := make([]core.Category, len(cs))
	for i, c := range cs {
		c.Name = strings.TrimSpace(c.Name)
		c.OwnerUserID = u.ID
		if err := c.Validate(); err != nil {
			return core.User{}, nil, err
		}
		out[i] = c
	}

	err := s.write(ctx, entityUsers|entityCategories, func(tx *sql.Tx) error {
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		for _, c := range out {
			dup, err := exists(ctx, tx, "SELECT 1 FROM categories WHERE id = ?", c.ID)
			if err != nil {
				return fmt.Errorf("check category %s: %w", c.ID, err)
			}
			if dup {
				return apperror.Duplicate("category", c.ID)
			}
			if err := insertCategory(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return core.User{}, nil, err
	}

	s.log.DebugContext(ctx, "User saved to local store", applog.FieldUserID, u.ID, "categories", len(out))
	return u, out, nil
}

func insertUser(ctx context.Context, tx *sql.Tx, u core.User) error {
	dup, err := exists(ctx, tx, "SELECT 1 FROM users WHERE id = ?", u.ID)
	if err != nil {
		return fmt.Errorf("check user %s: %w", u.ID, err)
	}
	if dup {
		return apperror.Duplicate("user", u.ID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, name, email, last_sync_date, next_sync_date, email_verified)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, toMicros(u.LastSyncDate), toMicros(u.NextSyncDate), boolInt(u.EmailVerified))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, patch core.UserPatch) (core.User, error) {
	var updated core.User
	err := s.write(ctx, entityUsers, func(tx *sql.Tx) error {
		u, err := getUser(ctx, tx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return apperror.NotFound("user", id)
		}
		patch.Apply(u)
		if err := u.Validate(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET name = ?, email = ?, last_sync_date = ?, next_sync_date = ?, email_verified = ?
			 WHERE id = ?`,
			u.Name, u.Email, toMicros(u.LastSyncDate), toMicros(u.NextSyncDate), boolInt(u.EmailVerified), id)
		if err != nil {
			return fmt.Errorf("update user %s: %w", id, err)
		}
		updated = *u
		return nil
	})
	if err != nil {
		return core.User{}, err
	}
	return updated, nil
}

// DeleteUser removes a user that owns no categories or transactions.
// PurgeUser removes a user together with everything it owns.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.write(ctx, entityUsers, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM users WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("check user %s: %w", id, err)
		}
		if !found {
			return apperror.NotFound("user", id)
		}
		owns, err := exists(ctx, tx, "SELECT 1 FROM categories WHERE owner_user_id = ? LIMIT 1", id)
		if err != nil {
			return fmt.Errorf("check user %s categories: %w", id, err)
		}
		if owns {
			return apperror.Validation("id", fmt.Sprintf("user %s still owns categories", id))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_deletes WHERE owner_user_id = ?", id); err != nil {
			return fmt.Errorf("delete user %s tombstones: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete user %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) PurgeUser(ctx context.Context, id string) error {
	err := s.write(ctx, entityUsers|entityCategories|entityTransactions, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM users WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("check user %s: %w", id, err)
		}
		if !found {
			return apperror.NotFound("user", id)
		}
		for _, stmt := range []string{
			"DELETE FROM pending_deletes WHERE owner_user_id = ?",
			"DELETE FROM transactions WHERE owner_user_id = ?",
			"DELETE FROM categories WHERE owner_user_id = ?",
			"DELETE FROM users WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("purge user %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "User purged from local store", applog.FieldUserID, id)
	return nil
}

// GetUser returns nil without error when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*core.User, error) {
	return getUser(ctx, s.db, id)
}

func (s *Store) Users(ctx context.Context, f UserFilter) iter.Seq2[core.User, error] {
	q, args := f.sql()
	return rowsSeq(ctx, s.db, "users", q, args, scanUser)
}

func (s *Store) SubscribeUsers(f UserFilter, fn func([]core.User)) (*Subscription, error) {
	return subscribe(s, entityUsers, func(ctx context.Context) ([]core.User, error) {
		return Collect(s.Users(ctx, f))
	}, core.User.Equal, fn)
}
