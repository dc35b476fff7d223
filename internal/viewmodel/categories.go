package viewmodel

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"moneycheck/internal/apperror"
	"moneycheck/internal/cache"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/storage"
)

const categoryCacheSize = 256

type CategoryStore interface {
	Scheduler() storage.Scheduler
	CreateCategory(ctx context.Context, c core.Category) (core.Category, error)
	UpdateCategory(ctx context.Context, id string, patch core.CategoryPatch) (core.Category, error)
	DeleteCategory(ctx context.Context, id string) error
	Categories(ctx context.Context, f storage.CategoryFilter) iter.Seq2[core.Category, error]
	SubscribeCategories(f storage.CategoryFilter, fn func([]core.Category)) (*storage.Subscription, error)
}

// CategoryViewModel tracks one user's categories sorted by name.
type CategoryViewModel struct {
	store       CategoryStore
	ownerUserID string
	categories  *Observable[[]core.Category]
	byName      *cache.LRU[string, core.Category]
	sub         *storage.Subscription
	log         *applog.Logger
}

func NewCategoryViewModel(store CategoryStore, ownerUserID string) (*CategoryViewModel, error) {
	vm := &CategoryViewModel{
		store:       store,
		ownerUserID: ownerUserID,
		categories:  NewObservable[[]core.Category](store.Scheduler(), nil),
		byName:      cache.NewLRU[string, core.Category](categoryCacheSize, 0),
		log:         applog.ForComponent(applog.ComponentViewModel),
	}
	sub, err := store.SubscribeCategories(storage.CategoryFilter{OwnerUserID: ownerUserID}, vm.onSnapshot)
	if err != nil {
		return nil, fmt.Errorf("subscribe categories: %w", err)
	}
	vm.sub = sub
	return vm, nil
}

func (vm *CategoryViewModel) onSnapshot(cs []core.Category) {
	vm.byName.Purge()
	vm.categories.Set(cs)
}

func (vm *CategoryViewModel) Categories() *Observable[[]core.Category] {
	return vm.categories
}

// ResolveOrCreateCategory returns the owner's category with exactly this
// name, creating it when none exists. Two concurrent calls with the same
// new name can both create a category.
func (vm *CategoryViewModel) ResolveOrCreateCategory(ctx context.Context, name string) (core.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Category{}, apperror.Validation("name", "category name cannot be empty")
	}
	if c, ok := vm.byName.Get(name); ok {
		return c, nil
	}

	for c, err := range vm.store.Categories(ctx, storage.CategoryFilter{OwnerUserID: vm.ownerUserID, Name: &name}) {
		if err != nil {
			return core.Category{}, err
		}
		vm.byName.Set(name, c)
		return c, nil
	}

	c, err := vm.CreateCategory(ctx, name)
	if err != nil {
		return core.Category{}, err
	}
	vm.byName.Set(name, c)
	return c, nil
}

func (vm *CategoryViewModel) CreateCategory(ctx context.Context, name string) (core.Category, error) {
	c, err := vm.store.CreateCategory(ctx, core.Category{
		ID:          core.NewID(),
		Name:        name,
		OwnerUserID: vm.ownerUserID,
	})
	if err != nil {
		return core.Category{}, err
	}
	vm.log.DebugContext(ctx, "Created category",
		applog.FieldUserID, vm.ownerUserID, applog.FieldCategoryID, c.ID, "name", c.Name)
	return c, nil
}

func (vm *CategoryViewModel) RenameCategory(ctx context.Context, id, name string) (core.Category, error) {
	vm.byName.Purge()
	return vm.store.UpdateCategory(ctx, id, core.CategoryPatch{Name: &name})
}

// DeleteCategory fails with storage.ErrCategoryInUse while transactions
// reference the category.
func (vm *CategoryViewModel) DeleteCategory(ctx context.Context, id string) error {
	vm.byName.Purge()
	return vm.store.DeleteCategory(ctx, id)
}

func (vm *CategoryViewModel) Close() {
	vm.sub.Unsubscribe()
}
