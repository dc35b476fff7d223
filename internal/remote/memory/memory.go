// Package memory is an in-process remote store used for local development
// and tests. Documents are copied in and out, so callers never share state
// with the store.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"moneycheck/internal/apperror"
	"moneycheck/internal/remote"
)

type Op string

const (
	OpPutOne        Op = "put_one"
	OpPutBatch      Op = "put_batch"
	OpDeleteOne     Op = "delete_one"
	OpFetchSince    Op = "fetch_since"
	OpPutProfile    Op = "put_profile"
	OpPutCategories Op = "put_categories"
	OpProfileExists Op = "profile_exists"
	OpDeleteProfile Op = "delete_profile"
)

// ErrInjected is the default cause of an injected failure.
var ErrInjected = errors.New("injected failure")

// Hook runs before every operation, outside the store lock. A non-nil
// error fails the operation.
type Hook func(ctx context.Context, op Op) error

type Store struct {
	mu         sync.Mutex
	txs        map[string]map[string]remote.Transaction
	categories map[string]map[string]remote.Category
	profiles   map[string]remote.Profile
	failures   map[Op][]error
	calls      map[Op]int
	hook       Hook
}

var _ remote.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		txs:        make(map[string]map[string]remote.Transaction),
		categories: make(map[string]map[string]remote.Category),
		profiles:   make(map[string]remote.Profile),
		failures:   make(map[Op][]error),
		calls:      make(map[Op]int),
	}
}

// FailNext makes the next call of op fail with err, or ErrInjected when
// err is nil. Calls queue up.
func (s *Store) FailNext(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Transactions returns the owner's documents ordered by date, then id.
func (s *Store) Transactions(ownerUserID string) []remote.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Transaction, 0, len(s.txs[ownerUserID]))
	for _, t := range s.txs[ownerUserID] {
		out = append(out, t)
	}
	sortByDate(out)
	return out
}

func (s *Store) Categories(ownerUserID string) []remote.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Category, 0, len(s.categories[ownerUserID]))
	for _, c := range s.categories[ownerUserID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Profile(userID string) (remote.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	return p, ok
}

// begin records the call and returns a pending injected failure.
func (s *Store) begin(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	var err error
	if queued := s.failures[op]; len(queued) > 0 {
		err = queued[0]
		s.failures[op] = queued[1:]
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Store) PutOne(ctx context.Context, ownerUserID string, t remote.Transaction) error {
	return s.put(ctx, OpPutOne, ownerUserID, []remote.Transaction{t})
}

func (s *Store) PutBatch(ctx context.Context, ownerUserID string, ts []remote.Transaction) error {
	return s.put(ctx, OpPutBatch, ownerUserID, ts)
}

func (s *Store) put(ctx context.Context, op Op, ownerUserID string, ts []remote.Transaction) error {
	if err := s.begin(ctx, op); err != nil {
		return apperror.RemoteWrite(string(op), err)
	}
	if len(ts) > remote.MaxBatchSize {
		return apperror.RemoteWrite(string(op), errors.New("batch exceeds maximum size"))
	}
	// Validate everything first so a bad member commits nothing.
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return apperror.RemoteWrite(string(op), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.txs[ownerUserID]
	if docs == nil {
		docs = make(map[string]remote.Transaction)
		s.txs[ownerUserID] = docs
	}
	for _, t := range ts {
		t.Date = t.Date.UTC()
		docs[t.ID] = t
	}
	return nil
}

func (s *Store) DeleteOne(ctx context.Context, ownerUserID, transactionID string) error {
	if err := s.begin(ctx, OpDeleteOne); err != nil {
		return apperror.RemoteWrite(string(OpDeleteOne), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs[ownerUserID], transactionID)
	return nil
}

func (s *Store) FetchSince(ctx context.Context, ownerUserID string, since time.Time) ([]remote.Transaction, error) {
	if err := s.begin(ctx, OpFetchSince); err != nil {
		return nil, apperror.RemoteRead(string(OpFetchSince), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remote.Transaction
	for _, t := range s.txs[ownerUserID] {
		if t.Date.After(since) {
			out = append(out, t)
		}
	}
	sortByDate(out)
	return out, nil
}

func (s *Store) PutProfile(ctx context.Context, p remote.Profile) error {
	if err := s.begin(ctx, OpPutProfile); err != nil {
		return apperror.RemoteWrite(string(OpPutProfile), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *Store) PutCategories(ctx context.Context, ownerUserID string, cs []remote.Category) error {
	if err := s.begin(ctx, OpPutCategories); err != nil {
		return apperror.RemoteWrite(string(OpPutCategories), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.categories[ownerUserID]
	if docs == nil {
		docs = make(map[string]remote.Category)
		s.categories[ownerUserID] = docs
	}
	for _, c := range cs {
		docs[c.ID] = c
	}
	return nil
}

func (s *Store) ProfileExists(ctx context.Context, email string) (bool, error) {
	if err := s.begin(ctx, OpProfileExists); err != nil {
		return false, apperror.RemoteRead(string(OpProfileExists), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if strings.EqualFold(p.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	if err := s.begin(ctx, OpDeleteProfile); err != nil {
		return apperror.RemoteWrite(string(OpDeleteProfile), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
	delete(s.txs, userID)
	delete(s.categories, userID)
	return nil
}

func (s *Store) Close() error {
	return nil
}

func sortByDate(ts []remote.Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].Date.Equal(ts[j].Date) {
			return ts[i].Date.Before(ts[j].Date)
		}
		return ts[i].ID < ts[j].ID
	})
}
