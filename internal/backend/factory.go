// Package backend builds the configured remote store.
package backend

import (
	"context"
	"fmt"

	applog "moneycheck/internal/log"
	"moneycheck/internal/remote"
	"moneycheck/internal/remote/firestore"
	"moneycheck/internal/remote/memory"
	"moneycheck/internal/remote/postgres"
)

// CleanupFunc releases the resources held by a backend
type CleanupFunc func() error

// BackendResult contains the remote store and its cleanup function
type BackendResult struct {
	Store   remote.Store
	Cleanup CleanupFunc
}

// Factory creates remote stores based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *applog.Logger
}

// NewFactory creates a new backend factory. A nil logger uses the slog
// default tagged with the backend component.
func NewFactory(logger *applog.Logger) Factory {
	if logger == nil {
		logger = applog.ForComponent(applog.ComponentBackend)
	}
	return &DefaultFactory{logger: logger}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		store remote.Store
		err   error
	)
	remoteLog := f.logger.WithComponent(applog.ComponentRemote)
	switch config.Type {
	case MemoryBackend:
		store = memory.New()
	case FirestoreBackend:
		fsConfig := config.Firestore
		fsConfig.Logger = remoteLog
		store, err = firestore.New(ctx, fsConfig)
	case PostgresBackend:
		store, err = postgres.New(ctx, config.PostgresDSN, postgres.WithLogger(remoteLog))
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", config.Type, err)
	}

	f.logger.InfoContext(ctx, "Initialized remote backend", applog.FieldBackend, config.Type.String())

	return &BackendResult{
		Store:   store,
		Cleanup: store.Close,
	}, nil
}
