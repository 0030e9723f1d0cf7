package db

import (
	"context"
	"encoding/json"

	"github.com/psconsult/offline/internal/models"
)

// SubmissionStore defines persistence for offline submissions.
type SubmissionStore interface {
	// EnqueueSubmission stores payload as a new pending submission with a fresh client token.
	EnqueueSubmission(ctx context.Context, payload json.RawMessage) (*models.SubmissionRef, error)

	// GetSubmission retrieves a submission by local id.
	GetSubmission(ctx context.Context, localID int64) (*models.PendingSubmission, error)

	// ListPending returns submissions with status pending, oldest first.
	ListPending(ctx context.Context) ([]*models.PendingSubmission, error)

	// ListByStatus returns submissions in one state, oldest first.
	ListByStatus(ctx context.Context, status models.SubmissionStatus) ([]*models.PendingSubmission, error)

	// ListRetryable returns pending and retryable failed submissions, oldest first.
	ListRetryable(ctx context.Context) ([]*models.PendingSubmission, error)

	// MarkSynced transitions a submission to synced. Repeated calls are no-ops.
	MarkSynced(ctx context.Context, localID int64) error

	// MarkFailed transitions a submission to failed and counts the attempt.
	MarkFailed(ctx context.Context, localID int64, cause error) error

	// Requeue returns a failed submission to pending.
	Requeue(ctx context.Context, localID int64) error

	// SweepRetention deletes synced submissions older than maxAgeDays.
	SweepRetention(ctx context.Context, maxAgeDays int) (int, error)

	// Stats counts submissions per state.
	Stats(ctx context.Context) (*models.SubmissionStats, error)
}

// ServerCacheStore defines persistence for the server read cache.
type ServerCacheStore interface {
	// ReplaceServerCache clears namespace and inserts records in one transaction.
	ReplaceServerCache(ctx context.Context, namespace string, records []*models.CachedServerRecord) error

	// ReadServerCache returns a namespace newest-first.
	ReadServerCache(ctx context.Context, namespace string) ([]*models.CachedServerRecord, error)
}

// SyncLogStore defines persistence for the sync activity log.
type SyncLogStore interface {
	// AppendSyncLog appends an entry to the log.
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error

	// ListSyncLog returns the most recent entries, newest first.
	ListSyncLog(ctx context.Context, limit int) ([]*models.SyncLogEntry, error)
}

// Store groups the three logical collections of the durable store.
type Store interface {
	SubmissionStore
	ServerCacheStore
	SyncLogStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ SubmissionStore  = (*Repository)(nil)
	_ ServerCacheStore = (*Repository)(nil)
	_ SyncLogStore     = (*Repository)(nil)
	_ Store            = (*Repository)(nil)
)
