package viewmodel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/storage"
	"moneycheck/internal/syncengine"
)

type TransactionStore interface {
	Scheduler() storage.Scheduler
	CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, patch core.TransactionPatch) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	SubscribeTransactions(f storage.TransactionFilter, fn func([]core.Transaction)) (*storage.Subscription, error)
}

type Syncer interface {
	SyncTransactions(ctx context.Context, userID string) (syncengine.Result, error)
}

// SyncRequester asks a background worker to sync a user.
type SyncRequester interface {
	PublishSyncRequest(ctx context.Context, userID, reason string) error
}

// NewTransaction is the user's input for a new entry. A zero Date means now.
type NewTransaction struct {
	CategoryName string
	Amount       decimal.Decimal
	IsIncome     bool
	Date         time.Time
}

type TransactionOption func(*TransactionViewModel)

func WithSyncRequester(r SyncRequester) TransactionOption {
	return func(vm *TransactionViewModel) { vm.requester = r }
}

func WithClock(now func() time.Time) TransactionOption {
	return func(vm *TransactionViewModel) { vm.now = now }
}

func WithLogger(l *applog.Logger) TransactionOption {
	return func(vm *TransactionViewModel) { vm.log = l }
}

// TransactionViewModel tracks one user's transactions, newest first.
type TransactionViewModel struct {
	store       TransactionStore
	categories  *CategoryViewModel
	engine      Syncer
	requester   SyncRequester
	ownerUserID string
	now         func() time.Time
	log         *applog.Logger

	transactions *Observable[[]core.Transaction]
	syncing      *Observable[bool]
	errorState   *Observable[error]
	lastSync     *Observable[syncengine.Result]

	sub *storage.Subscription
	wg  sync.WaitGroup
}

func NewTransactionViewModel(
	store TransactionStore,
	categories *CategoryViewModel,
	engine Syncer,
	ownerUserID string,
	opts ...TransactionOption,
) (*TransactionViewModel, error) {
	sched := store.Scheduler()
	vm := &TransactionViewModel{
		store:        store,
		categories:   categories,
		engine:       engine,
		ownerUserID:  ownerUserID,
		now:          time.Now,
		log:          applog.ForComponent(applog.ComponentViewModel),
		transactions: NewObservable[[]core.Transaction](sched, nil),
		syncing:      NewObservable(sched, false),
		errorState:   NewObservable[error](sched, nil),
		lastSync:     NewObservable(sched, syncengine.Result{}),
	}
	for _, opt := range opts {
		opt(vm)
	}

	sub, err := store.SubscribeTransactions(storage.TransactionFilter{OwnerUserID: ownerUserID}, vm.transactions.Set)
	if err != nil {
		return nil, fmt.Errorf("subscribe transactions: %w", err)
	}
	vm.sub = sub
	return vm, nil
}

func (vm *TransactionViewModel) Transactions() *Observable[[]core.Transaction] {
	return vm.transactions
}

// ErrorState holds the last sync failure until it is dismissed.
func (vm *TransactionViewModel) ErrorState() *Observable[error] {
	return vm.errorState
}

func (vm *TransactionViewModel) Syncing() *Observable[bool] {
	return vm.syncing
}

func (vm *TransactionViewModel) LastSync() *Observable[syncengine.Result] {
	return vm.lastSync
}

func (vm *TransactionViewModel) DismissError() {
	vm.errorState.Set(nil)
}

// AddTransaction resolves the category by name, stores the entry unsynced
// and asks for a background sync.
func (vm *TransactionViewModel) AddTransaction(ctx context.Context, in NewTransaction) (core.Transaction, error) {
	category, err := vm.categories.ResolveOrCreateCategory(ctx, in.CategoryName)
	if err != nil {
		return core.Transaction{}, err
	}
	date := in.Date
	if date.IsZero() {
		date = vm.now()
	}

	t, err := vm.store.CreateTransaction(ctx, core.Transaction{
		ID:          core.NewID(),
		Date:        date,
		Amount:      in.Amount,
		IsIncome:    in.IsIncome,
		CategoryID:  category.ID,
		OwnerUserID: vm.ownerUserID,
	})
	if err != nil {
		return core.Transaction{}, err
	}

	vm.requestSync(ctx, "transaction_created")
	return t, nil
}

func (vm *TransactionViewModel) UpdateTransaction(ctx context.Context, id string, patch core.TransactionPatch) (core.Transaction, error) {
	t, err := vm.store.UpdateTransaction(ctx, id, patch)
	if err != nil {
		return core.Transaction{}, err
	}
	vm.requestSync(ctx, "transaction_updated")
	return t, nil
}

func (vm *TransactionViewModel) DeleteTransaction(ctx context.Context, id string) error {
	if err := vm.store.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	vm.requestSync(ctx, "transaction_deleted")
	return nil
}

func (vm *TransactionViewModel) requestSync(ctx context.Context, reason string) {
	if vm.requester == nil {
		return
	}
	if err := vm.requester.PublishSyncRequest(ctx, vm.ownerUserID, reason); err != nil {
		vm.log.WarnContext(ctx, "Failed to request background sync",
			applog.FieldUserID, vm.ownerUserID, applog.FieldReason, reason, applog.FieldError, err)
	}
}

// Sync runs the engine in the background. A failure lands in ErrorState.
// The returned channel closes when the run ends.
func (vm *TransactionViewModel) Sync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	vm.wg.Add(1)
	vm.syncing.Set(true)
	go func() {
		defer vm.wg.Done()
		defer close(done)
		defer vm.syncing.Set(false)

		res, err := vm.engine.SyncTransactions(ctx, vm.ownerUserID)
		if err != nil {
			vm.log.WarnContext(ctx, "Sync failed",
				applog.FieldUserID, vm.ownerUserID, applog.FieldStep, apperror.Step(err), applog.FieldError, err)
			vm.errorState.Set(err)
			return
		}
		vm.lastSync.Set(res)
	}()
	return done
}

// Summary reports totals over the current snapshot.
func (vm *TransactionViewModel) Summary() core.Summary {
	return core.Summarize(vm.transactions.Get(), vm.categories.Categories().Get())
}

func (vm *TransactionViewModel) CategoryTotals(categoryID string, now time.Time) core.PeriodTotals {
	return core.CategoryPeriodTotals(vm.transactions.Get(), categoryID, now)
}

func (vm *TransactionViewModel) Days(loc *time.Location) []core.DayGroup {
	return core.GroupByDay(vm.transactions.Get(), loc)
}

// Close stops the live query and waits for background syncs.
func (vm *TransactionViewModel) Close() {
	vm.sub.Unsubscribe()
	vm.wg.Wait()
}
