package worker

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"moneycheck/internal/amqp"
	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/storage"
	"moneycheck/internal/syncengine"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeEngine) SyncTransactions(_ context.Context, userID string) (syncengine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return syncengine.Result{}, f.errs[userID]
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeUsers struct {
	users []core.User
}

func (f fakeUsers) Users(_ context.Context, flt storage.UserFilter) iter.Seq2[core.User, error] {
	return func(yield func(core.User, error) bool) {
		for _, u := range f.users {
			if flt.DueBefore != nil && u.NextSyncDate.After(*flt.DueBefore) {
				continue
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

func TestHandleSyncRequest(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success", nil, false},
		{"remote failure requeues", apperror.Sync("push", apperror.RemoteWrite("put_batch", errors.New("timeout"))), true},
		{"unknown user is dropped", apperror.Sync("load user", apperror.NotFound("user", "u1")), false},
		{"timeout between steps requeues", apperror.Sync("pull", context.DeadlineExceeded), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{errs: map[string]error{"u1": tt.err}}
			w := NewSyncWorker(engine, fakeUsers{}, DefaultConfig())

			err := w.HandleSyncRequest(context.Background(), amqp.NewSyncRequestMessage("u1", amqp.ReasonManual))

			if (err != nil) != tt.wantErr {
				t.Errorf("HandleSyncRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if engine.callCount() != 1 {
				t.Errorf("engine called %d times, want 1", engine.callCount())
			}
		})
	}
}

func TestSweepDue(t *testing.T) {
	users := fakeUsers{users: []core.User{
		{ID: "never-synced"},
		{ID: "due", NextSyncDate: now.Add(-time.Minute)},
		{ID: "failing", NextSyncDate: now.Add(-time.Hour)},
		{ID: "later", NextSyncDate: now.Add(time.Hour)},
	}}
	engine := &fakeEngine{errs: map[string]error{"failing": errors.New("boom")}}
	w := NewSyncWorker(engine, users, DefaultConfig())
	w.now = func() time.Time { return now }

	synced, err := w.SweepDue(context.Background())
	if err != nil {
		t.Fatalf("SweepDue() error = %v", err)
	}
	if synced != 2 {
		t.Errorf("SweepDue() = %d, want 2", synced)
	}
	want := []string{"never-synced", "due", "failing"}
	if len(engine.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", engine.calls, want)
	}
	for i := range want {
		if engine.calls[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, engine.calls[i], want[i])
		}
	}
}

func TestSyncWorker_Lifecycle(t *testing.T) {
	engine := &fakeEngine{}
	users := fakeUsers{users: []core.User{{ID: "u1"}}}
	w := NewSyncWorker(engine, users, Config{SweepInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if !w.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for engine.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if engine.callCount() < 2 {
		t.Errorf("expected startup and periodic sweeps, got %d calls", engine.callCount())
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if w.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestHandleSyncRequest_LogsWithWorkerComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = applog.New(applog.Config{Level: slog.LevelInfo, Format: "json", Output: &buf}).WithComponent(applog.ComponentWorker)
	w := NewSyncWorker(&fakeEngine{}, fakeUsers{}, cfg)

	if err := w.HandleSyncRequest(context.Background(), amqp.NewSyncRequestMessage("u1", amqp.ReasonManual)); err != nil {
		t.Fatalf("HandleSyncRequest() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"component":"worker"`, `"user_id":"u1"`, `"reason":"manual"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}
