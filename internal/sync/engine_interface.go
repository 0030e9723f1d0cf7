package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/psconsult/offline/internal/models"
)

// Engine defines the reconciler operations used by the monitor and handlers.
// This interface allows for mocking in tests.
type Engine interface {
	// Enqueue stores a submission and queues it for the next pass.
	Enqueue(ctx context.Context, payload json.RawMessage) (*models.SubmissionRef, error)

	// Requeue returns a failed submission to the queue.
	Requeue(ctx context.Context, localID int64) error

	// Reconcile runs one pass, or fails with SYNC_IN_PROGRESS.
	Reconcile(ctx context.Context, t Transmitter) (*SyncResult, error)

	// TryReconcile runs one pass unless another is running.
	TryReconcile(ctx context.Context, t Transmitter) (*SyncResult, bool)

	// SetEventHandler sets the handler for pass notifications.
	SetEventHandler(handler SyncEventHandler)

	// InProgress reports whether a pass is running.
	InProgress() bool

	Status() SyncStatus
	LastSync() *time.Time
	LastError() error
	LastResult() *SyncResult
	Pending() int
}

var _ Engine = (*Reconciler)(nil)

// SyncEventType identifies a reconciliation event.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync_started"
	SyncEventCompleted SyncEventType = "sync_completed"
	SyncEventFailed    SyncEventType = "sync_failed"
)

// SyncEvent is emitted at the start and end of each pass.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Message   string        `json:"message,omitempty"`
	Result    *SyncResult   `json:"result,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives reconciliation events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// SetEventHandler sets the handler for pass notifications. A nil handler disables them.
func (r *Reconciler) SetEventHandler(handler SyncEventHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// emitEvent delivers event synchronously on the reconciling goroutine.
func (r *Reconciler) emitEvent(event SyncEvent) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handler.OnSyncEvent(event)
}
