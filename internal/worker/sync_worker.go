// Package worker runs sync cycles requested over AMQP and on a schedule.
package worker

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"moneycheck/internal/amqp"
	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/storage"
	"moneycheck/internal/syncengine"
)

type Syncer interface {
	SyncTransactions(ctx context.Context, userID string) (syncengine.Result, error)
}

type UserLister interface {
	Users(ctx context.Context, f storage.UserFilter) iter.Seq2[core.User, error]
}

// Config holds the sweep schedule.
type Config struct {
	// SweepInterval is how often due users are synced (default: 1m)
	SweepInterval time.Duration
	// Logger defaults to the slog default tagged with the worker component.
	Logger *applog.Logger
}

func DefaultConfig() Config {
	return Config{SweepInterval: time.Minute}
}

// SyncWorker syncs users on request and sweeps users whose next sync is due.
type SyncWorker struct {
	engine Syncer
	users  UserLister
	config Config
	log    *applog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSyncWorker(engine Syncer, users UserLister, config Config) *SyncWorker {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.Logger == nil {
		config.Logger = applog.ForComponent(applog.ComponentWorker)
	}
	return &SyncWorker{
		engine: engine,
		users:  users,
		config: config,
		log:    config.Logger,
		now:    time.Now,
	}
}

// HandleSyncRequest runs a sync for the message's user. Only retryable
// failures are returned so the message is requeued; anything else would
// fail again and is dropped after logging.
func (w *SyncWorker) HandleSyncRequest(ctx context.Context, msg *amqp.SyncRequestMessage) error {
	w.log.InfoContext(ctx, "Processing sync request",
		applog.FieldUserID, msg.UserID,
		applog.FieldReason, msg.Reason,
		"requested_at", msg.Timestamp)

	if _, err := w.engine.SyncTransactions(ctx, msg.UserID); err != nil {
		if apperror.IsRetryable(err) {
			return fmt.Errorf("sync user %s: %w", msg.UserID, err)
		}
		w.log.ErrorContext(ctx, "Dropping sync request",
			applog.FieldUserID, msg.UserID,
			applog.FieldStep, apperror.Step(err),
			applog.FieldError, err)
	}
	return nil
}

// SweepDue syncs every user whose next sync date has passed and returns
// how many succeeded. One user's failure does not stop the sweep.
func (w *SyncWorker) SweepDue(ctx context.Context) (int, error) {
	now := w.now()
	due, err := storage.Collect(w.users.Users(ctx, storage.UserFilter{DueBefore: &now}))
	if err != nil {
		return 0, fmt.Errorf("list due users: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	start := w.now()
	w.log.DebugContext(ctx, "Sweeping due users", applog.FieldCount, len(due))

	synced := 0
	for _, u := range due {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if _, err := w.engine.SyncTransactions(ctx, u.ID); err != nil {
			w.log.WarnContext(ctx, "Scheduled sync failed", applog.FieldUserID, u.ID, applog.FieldError, err)
			continue
		}
		synced++
	}

	fields := applog.NewFields().WithOperation(applog.OpSweep).WithDuration(w.now().Sub(start))
	w.log.WithFields(fields).InfoContext(ctx, "Sweep completed", "due", len(due), "synced", synced)
	return synced, nil
}

// Start begins the sweep loop. Returns an error if already running.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.runLoop(ctx)

	w.log.InfoContext(ctx, "Sync worker started", "sweep_interval", w.config.SweepInterval)
	return nil
}

// Stop signals the loop and waits for the current sweep to finish.
func (w *SyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.log.InfoContext(ctx, "Sync worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.log.WarnContext(ctx, "Sync worker stop timed out")
		return ctx.Err()
	}
}

func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *SyncWorker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SyncWorker) sweep(ctx context.Context) {
	if _, err := w.SweepDue(ctx); err != nil && ctx.Err() == nil {
		w.log.WithFields(applog.NewFields().WithOperation(applog.OpSweep).WithError(err)).
			ErrorContext(ctx, "Sweep failed")
	}
}
