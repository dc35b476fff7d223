package log

import (
	"sort"
	"time"
)

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldUserID        = "user_id"
	FieldTransactionID = "transaction_id"
	FieldCategoryID    = "category_id"
	FieldCount         = "count"
	FieldStep          = "step"
	FieldCheckpoint    = "checkpoint"
	FieldReason        = "reason"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldBackend       = "backend"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentStorage   = "storage"
	ComponentRemote    = "remote"
	ComponentSync      = "sync"
	ComponentWorker    = "worker"
	ComponentAMQP      = "amqp"
	ComponentViewModel = "viewmodel"
	ComponentBackup    = "backup"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpSweep    = "sweep"
	OpSync     = "sync"
	OpExport   = "export"
	OpRestore  = "restore"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithUser(userID string) LogFields {
	f[FieldUserID] = userID
	return f
}

// WithError adds the error text; a nil error adds nothing.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithDuration(d time.Duration) LogFields {
	f[FieldDuration] = d.Milliseconds()
	return f
}

// WithSyncResult adds the counters of a finished sync run.
func (f LogFields) WithSyncResult(pushed, pulled int, checkpoint time.Time) LogFields {
	f["pushed"] = pushed
	f["pulled"] = pulled
	f[FieldCheckpoint] = checkpoint.UTC().Format(time.RFC3339)
	return f
}

// ToSlice converts LogFields to key/value pairs for slog, sorted by key.
func (f LogFields) ToSlice() []any {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slice := make([]any, 0, len(f)*2)
	for _, k := range keys {
		slice = append(slice, k, f[k])
	}
	return slice
}
