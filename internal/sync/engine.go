// Package sync reconciles offline submissions with the remote API.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psconsult/offline/internal/db"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
	"github.com/psconsult/offline/internal/models"
	"github.com/psconsult/offline/internal/sync/queue"
)

// SyncStatus represents the current reconciler status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Transmitter sends one submission payload to the remote API.
// A nil error means the remote system stored the record.
type Transmitter interface {
	Transmit(ctx context.Context, payload json.RawMessage) error
}

// TransmitFunc adapts a function to the Transmitter interface.
type TransmitFunc func(ctx context.Context, payload json.RawMessage) error

// Transmit calls f.
func (f TransmitFunc) Transmit(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// SyncResult represents the result of one reconciliation pass.
type SyncResult struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Parked    int           `json:"parked"`
	Skipped   int           `json:"skipped"`
	Swept     int           `json:"swept"`
	Error     string        `json:"error,omitempty"`
}

// ReconcilerConfig holds reconciler configuration.
type ReconcilerConfig struct {
	RetentionDays int // Synced submissions older than this are swept (default: 7)
}

// DefaultReconcilerConfig returns default reconciler configuration.
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{RetentionDays: db.DefaultRetentionDays}
}

// Reconciler drains the work queue against the remote API.
type Reconciler struct {
	store         db.Store
	queue         *queue.WorkQueue
	retentionDays int
	log           *logging.Logger

	running atomic.Bool

	mu         sync.RWMutex
	status     SyncStatus
	lastSync   *time.Time
	lastErr    error
	lastResult *SyncResult
	handler    SyncEventHandler
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store db.Store, q *queue.WorkQueue, config *ReconcilerConfig) *Reconciler {
	if config == nil {
		config = DefaultReconcilerConfig()
	}
	if q == nil {
		q = queue.NewWorkQueue()
	}

	return &Reconciler{
		store:         store,
		queue:         q,
		retentionDays: config.RetentionDays,
		log:           logging.For("reconciler"),
		status:        SyncStatusIdle,
	}
}

// Queue returns the work queue the reconciler drains.
func (r *Reconciler) Queue() *queue.WorkQueue {
	return r.queue
}

// Load adds retry-eligible submissions from the store to the work queue.
// Every pass calls it before taking its snapshot.
func (r *Reconciler) Load(ctx context.Context) (int, error) {
	added, err := r.queue.Load(ctx, r.store)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to load work queue", err)
	}
	return added, nil
}

// Enqueue stores payload as a pending submission and queues it for the next pass.
func (r *Reconciler) Enqueue(ctx context.Context, payload json.RawMessage) (*models.SubmissionRef, error) {
	ref, err := r.store.EnqueueSubmission(ctx, payload)
	if err != nil {
		return nil, err
	}
	r.queue.Push(ref.LocalID)

	r.log.Info("Submission queued", map[string]interface{}{
		"local_id":  ref.LocalID,
		"client_id": ref.ClientID,
	})
	return ref, nil
}

// Requeue returns a failed submission to the queue.
func (r *Reconciler) Requeue(ctx context.Context, localID int64) error {
	if err := r.store.Requeue(ctx, localID); err != nil {
		return err
	}
	r.queue.Push(localID)

	r.log.Info("Submission requeued", map[string]interface{}{"local_id": localID})
	return nil
}

// Status returns the current reconciler status.
func (r *Reconciler) Status() SyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastSync returns the end time of the last pass that completed without a store error.
func (r *Reconciler) LastSync() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync
}

// LastError returns the error of the last pass, if any.
func (r *Reconciler) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LastResult returns the result of the last pass, or nil before the first one.
func (r *Reconciler) LastResult() *SyncResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastResult
}

// Pending returns the number of queued submissions.
func (r *Reconciler) Pending() int {
	return r.queue.Len()
}

// InProgress reports whether a pass is running.
func (r *Reconciler) InProgress() bool {
	return r.running.Load()
}

// TryReconcile runs a pass unless one is already running.
// A dropped trigger returns false; it is not queued.
func (r *Reconciler) TryReconcile(ctx context.Context, t Transmitter) (*SyncResult, bool) {
	result, err := r.Reconcile(ctx, t)
	if apperrors.Is(err, apperrors.ErrSyncInProgress) {
		r.log.Debug("Reconciliation already in progress, trigger dropped")
		return nil, false
	}
	return result, true
}

// Reconcile transmits every submission queued when the pass starts, in order.
// The queue is first topped up from the store.
// Transmission failures are counted and never abort the pass.
// Only store failures are returned as errors.
func (r *Reconciler) Reconcile(ctx context.Context, t Transmitter) (*SyncResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "reconciliation already in progress")
	}
	defer r.running.Store(false)

	result := &SyncResult{StartTime: time.Now()}
	r.setStatus(SyncStatusSyncing)
	r.emitEvent(SyncEvent{Type: SyncEventStarted, Timestamp: result.StartTime})

	err := r.drain(ctx, t, result)

	// retention runs after every pass, including one cut short
	swept, sweepErr := r.store.SweepRetention(context.WithoutCancel(ctx), r.retentionDays)
	result.Swept = swept
	if err == nil {
		err = sweepErr
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}
	r.finish(context.WithoutCancel(ctx), result, err)

	return result, err
}

func (r *Reconciler) drain(ctx context.Context, t Transmitter, result *SyncResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// pick up submissions written to the store by another process
	if _, err := r.Load(ctx); err != nil {
		return err
	}
	snapshot := r.queue.Snapshot()
	// Outcomes of an issued transmission are always recorded.
	record := context.WithoutCancel(ctx)
	r.log.Info("Reconciliation started", map[string]interface{}{"queued": len(snapshot)})

	for _, localID := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}

		sub, err := r.store.GetSubmission(ctx, localID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			r.queue.Remove(localID)
			result.Skipped++
			continue
		}
		if err != nil {
			return err
		}
		if !sub.RetryEligible() {
			r.queue.Remove(localID)
			result.Skipped++
			continue
		}

		if err := transmit(ctx, t, sub.Payload); err != nil {
			if markErr := r.store.MarkFailed(record, localID, err); markErr != nil {
				return markErr
			}
			result.Failed++

			fields := map[string]interface{}{
				"local_id":  localID,
				"client_id": sub.ClientID,
				"attempts":  sub.Attempts + 1,
			}
			if !apperrors.IsRetryable(err) {
				r.queue.Remove(localID)
				result.Parked++
				r.log.ErrorWithCode("Submission rejected, parked until requeued", string(apperrors.GetCode(err)), err, fields)
			} else {
				r.log.Warn("Submission transmit failed, will retry", fields)
			}
			continue
		}

		if err := r.store.MarkSynced(record, localID); err != nil {
			return err
		}
		r.queue.Remove(localID)
		result.Synced++
	}
	return nil
}

// transmit invokes t and converts a panic into a transient failure.
func transmit(ctx context.Context, t Transmitter, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.Newf(apperrors.ErrTransmitFailed, "transmitter panic: %v", p)
		}
	}()
	return t.Transmit(ctx, payload)
}

func (r *Reconciler) finish(ctx context.Context, result *SyncResult, err error) {
	detail := fmt.Sprintf("synced=%d failed=%d parked=%d swept=%d", result.Synced, result.Failed, result.Parked, result.Swept)
	if logErr := r.store.AppendSyncLog(ctx, &models.SyncLogEntry{Kind: models.LogPass, Detail: detail}); logErr != nil {
		r.log.Warn("Failed to record reconciliation pass", map[string]interface{}{"error": logErr.Error()})
	}

	r.mu.Lock()
	r.lastErr = err
	r.lastResult = result
	if err != nil {
		r.status = SyncStatusFailed
	} else {
		r.status = SyncStatusIdle
		end := result.EndTime
		r.lastSync = &end
	}
	r.mu.Unlock()

	if err != nil {
		r.log.ErrorWithCode("Reconciliation aborted", string(apperrors.GetCode(err)), err, map[string]interface{}{
			"synced": result.Synced,
			"failed": result.Failed,
		})
		r.emitEvent(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Result: result, Timestamp: result.EndTime})
		return
	}

	r.log.Info("Reconciliation completed", map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"parked":      result.Parked,
		"swept":       result.Swept,
		"duration_ms": result.Duration.Milliseconds(),
	})
	r.emitEvent(SyncEvent{Type: SyncEventCompleted, Result: result, Timestamp: result.EndTime})
}

func (r *Reconciler) setStatus(status SyncStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}
