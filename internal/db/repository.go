package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/models"
	"github.com/psconsult/offline/internal/uuid"
)

// DefaultRetentionDays is how long synced submissions are kept.
const DefaultRetentionDays = 7

// Repository implements Store on top of SQLite.
// Every operation runs in its own transaction; the single pooled
// connection serializes concurrent callers.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Repository) timestamp() time.Time {
	return r.now().UTC()
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func appendLog(ctx context.Context, tx *sql.Tx, entry *models.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_log (id, occurred_at, kind, local_id, client_id, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OccurredAt.UnixMilli(), string(entry.Kind), entry.LocalID, entry.ClientID, entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// =====================================================
// Pending Submission Operations
// =====================================================

const submissionColumns = `local_id, client_id, payload, status, created_at, attempts, retryable, last_error, updated_at, synced_at`

// EnqueueSubmission stores payload as a pending submission.
// The payload must be a JSON object; the client token is written into it
// so the server can recognise a retried submission.
func (r *Repository) EnqueueSubmission(ctx context.Context, payload json.RawMessage) (*models.SubmissionRef, error) {
	now := r.timestamp()
	clientID := uuid.NewClientID(now)

	body, err := models.EmbedClientID(payload, clientID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid submission payload", err)
	}

	ref := &models.SubmissionRef{ClientID: clientID}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_submissions (client_id, payload, status, created_at, attempts, retryable, last_error, updated_at)
			 VALUES (?, ?, ?, ?, 0, 1, '', ?)`,
			clientID, string(body), string(models.StatusPending), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		if ref.LocalID, err = res.LastInsertId(); err != nil {
			return err
		}
		return appendLog(ctx, tx, &models.SyncLogEntry{
			OccurredAt: now,
			Kind:       models.LogEnqueued,
			LocalID:    ref.LocalID,
			ClientID:   clientID,
		})
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "save failed", err)
	}

	return ref, nil
}

// GetSubmission retrieves a submission by local id.
func (r *Repository) GetSubmission(ctx context.Context, localID int64) (*models.PendingSubmission, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions WHERE local_id = ?`, localID)

	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "submission %d not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read submission", err)
	}
	return sub, nil
}

// ListPending returns submissions with status pending, oldest first.
func (r *Repository) ListPending(ctx context.Context) ([]*models.PendingSubmission, error) {
	return r.ListByStatus(ctx, models.StatusPending)
}

// ListByStatus returns submissions in one state, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status models.SubmissionStatus) ([]*models.PendingSubmission, error) {
	if !status.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", status)
	}
	return r.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions WHERE status = ? ORDER BY created_at, local_id`,
		string(status))
}

// ListRetryable returns the submissions an automatic pass should attempt, oldest first.
func (r *Repository) ListRetryable(ctx context.Context) ([]*models.PendingSubmission, error) {
	return r.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions
		 WHERE status = ? OR (status = ? AND retryable = 1)
		 ORDER BY created_at, local_id`,
		string(models.StatusPending), string(models.StatusFailed))
}

func (r *Repository) querySubmissions(ctx context.Context, query string, args ...interface{}) ([]*models.PendingSubmission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list submissions", err)
	}
	defer rows.Close()

	var subs []*models.PendingSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan submission", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list submissions", err)
	}
	return subs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*models.PendingSubmission, error) {
	var (
		sub       models.PendingSubmission
		payload   string
		status    string
		createdAt int64
		retryable int
		updatedAt int64
		syncedAt  sql.NullInt64
	)
	err := row.Scan(&sub.LocalID, &sub.ClientID, &payload, &status, &createdAt,
		&sub.Attempts, &retryable, &sub.LastError, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	sub.Payload = json.RawMessage(payload)
	sub.Status = models.SubmissionStatus(status)
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	sub.Retryable = retryable != 0
	sub.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		sub.SyncedAt = &t
	}
	return &sub, nil
}

// MarkSynced transitions a submission to synced.
// Marking an already synced or missing submission changes nothing.
func (r *Repository) MarkSynced(ctx context.Context, localID int64) error {
	now := r.timestamp()
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_submissions
			 SET status = ?, synced_at = ?, updated_at = ?, last_error = ''
			 WHERE local_id = ? AND status != ?`,
			string(models.StatusSynced), now.UnixMilli(), now.UnixMilli(), localID, string(models.StatusSynced))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return appendSubmissionLog(ctx, tx, &models.SyncLogEntry{
			OccurredAt: now,
			Kind:       models.LogSynced,
			LocalID:    localID,
		})
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark submission synced", err)
	}
	return nil
}

// MarkFailed transitions a submission to failed and increments its attempts.
// A cause classified as permanent clears the retryable flag.
// A missing submission is ignored since a retention sweep may have removed it.
func (r *Repository) MarkFailed(ctx context.Context, localID int64, cause error) error {
	now := r.timestamp()
	retryable := cause == nil || apperrors.IsRetryable(cause)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	kind := models.LogFailed
	if !retryable {
		kind = models.LogRejected
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_submissions
			 SET status = ?, attempts = attempts + 1, retryable = ?, last_error = ?, updated_at = ?
			 WHERE local_id = ? AND status != ?`,
			string(models.StatusFailed), boolToInt(retryable), detail, now.UnixMilli(), localID, string(models.StatusSynced))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return appendSubmissionLog(ctx, tx, &models.SyncLogEntry{
			OccurredAt: now,
			Kind:       kind,
			LocalID:    localID,
			Detail:     detail,
		})
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark submission failed", err)
	}
	return nil
}

// Requeue returns a failed submission to pending and makes it retryable again.
// Attempts are kept for display.
func (r *Repository) Requeue(ctx context.Context, localID int64) error {
	now := r.timestamp()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM pending_submissions WHERE local_id = ?`, localID).Scan(&status)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.ErrNotFound, "submission %d not found", localID)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to read submission", err)
		}
		if models.SubmissionStatus(status) != models.StatusFailed {
			return apperrors.Newf(apperrors.ErrInvalid, "submission %d is %s, only failed submissions can be requeued", localID, status)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE pending_submissions SET status = ?, retryable = 1, last_error = '', updated_at = ? WHERE local_id = ?`,
			string(models.StatusPending), now.UnixMilli(), localID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to requeue submission", err)
		}
		err = appendSubmissionLog(ctx, tx, &models.SyncLogEntry{
			OccurredAt: now,
			Kind:       models.LogRequeued,
			LocalID:    localID,
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to log requeue", err)
		}
		return nil
	})
}

// SweepRetention deletes synced submissions created before now minus maxAgeDays.
// Pending and failed submissions are never deleted.
func (r *Repository) SweepRetention(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultRetentionDays
	}
	now := r.timestamp()
	cutoff := now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	var removed int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending_submissions WHERE status = ? AND created_at < ?`,
			string(models.StatusSynced), cutoff.UnixMilli())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		if removed == 0 {
			return nil
		}
		return appendLog(ctx, tx, &models.SyncLogEntry{
			OccurredAt: now,
			Kind:       models.LogSwept,
			Detail:     fmt.Sprintf("removed %d synced submissions older than %d days", removed, maxAgeDays),
		})
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "retention sweep failed", err)
	}
	return int(removed), nil
}

// Stats counts submissions per state. Parked counts failed submissions
// that wait for a requeue and are included in Failed.
func (r *Repository) Stats(ctx context.Context) (*models.SubmissionStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, retryable, COUNT(*) FROM pending_submissions GROUP BY status, retryable`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to count submissions", err)
	}
	defer rows.Close()

	stats := &models.SubmissionStats{}
	for rows.Next() {
		var status string
		var retryable, count int
		if err := rows.Scan(&status, &retryable, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to count submissions", err)
		}
		switch models.SubmissionStatus(status) {
		case models.StatusPending:
			stats.Pending += count
		case models.StatusSynced:
			stats.Synced += count
		case models.StatusFailed:
			stats.Failed += count
			if retryable == 0 {
				stats.Parked += count
			}
		}
	}
	return stats, rows.Err()
}

// appendSubmissionLog fills in the client id of entry's submission and appends it.
func appendSubmissionLog(ctx context.Context, tx *sql.Tx, entry *models.SyncLogEntry) error {
	err := tx.QueryRowContext(ctx, `SELECT client_id FROM pending_submissions WHERE local_id = ?`, entry.LocalID).Scan(&entry.ClientID)
	if err != nil {
		return fmt.Errorf("failed to read client id of submission %d: %w", entry.LocalID, err)
	}
	return appendLog(ctx, tx, entry)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =====================================================
// Server Read Cache Operations
// =====================================================

// ReplaceServerCache clears namespace and bulk-inserts records in one transaction.
// The cache is never patched incrementally.
func (r *Repository) ReplaceServerCache(ctx context.Context, namespace string, records []*models.CachedServerRecord) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return apperrors.New(apperrors.ErrInvalid, "namespace is required")
	}
	now := r.timestamp()

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_records WHERE namespace = ?`, namespace); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO cached_records (namespace, server_id, sort_at, fields, payload, cached_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			if rec.ServerID == "" {
				return apperrors.New(apperrors.ErrInvalid, "cached record without server id")
			}
			fields, err := json.Marshal(rec.Fields)
			if err != nil {
				return err
			}
			if rec.Fields == nil {
				fields = []byte("{}")
			}
			var sortAt sql.NullInt64
			if rec.SortAt != nil {
				sortAt = sql.NullInt64{Int64: rec.SortAt.UnixMilli(), Valid: true}
			}
			payload := rec.Payload
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
			if _, err := stmt.ExecContext(ctx, namespace, rec.ServerID, sortAt, string(fields), string(payload), now.UnixMilli()); err != nil {
				return fmt.Errorf("failed to insert record %s: %w", rec.ServerID, err)
			}
		}

		return appendLog(ctx, tx, &models.SyncLogEntry{
			OccurredAt: now,
			Kind:       models.LogCacheReplaced,
			Detail:     fmt.Sprintf("%s: %d records", namespace, len(records)),
		})
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalid) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrStorage, "failed to replace server cache", err)
	}
	return nil
}

// ReadServerCache returns a namespace newest-first. Records without a
// timestamp follow in insertion order.
func (r *Repository) ReadServerCache(ctx context.Context, namespace string) ([]*models.CachedServerRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT namespace, server_id, sort_at, fields, payload, cached_at FROM cached_records
		 WHERE namespace = ?
		 ORDER BY sort_at IS NULL, sort_at DESC, rowid`, namespace)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read server cache", err)
	}
	defer rows.Close()

	var records []*models.CachedServerRecord
	for rows.Next() {
		var (
			rec      models.CachedServerRecord
			sortAt   sql.NullInt64
			fields   string
			payload  string
			cachedAt int64
		)
		if err := rows.Scan(&rec.Namespace, &rec.ServerID, &sortAt, &fields, &payload, &cachedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan cached record", err)
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt cached record fields", err)
		}
		if sortAt.Valid {
			t := time.UnixMilli(sortAt.Int64).UTC()
			rec.SortAt = &t
		}
		rec.Payload = json.RawMessage(payload)
		rec.CachedAt = time.UnixMilli(cachedAt).UTC()
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// =====================================================
// Sync Log Operations
// =====================================================

// AppendSyncLog appends an entry to the sync activity log.
func (r *Repository) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.timestamp()
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return appendLog(ctx, tx, entry)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to append sync log", err)
	}
	return nil
}

// ListSyncLog returns up to limit entries, newest first.
func (r *Repository) ListSyncLog(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, occurred_at, kind, local_id, client_id, detail FROM sync_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read sync log", err)
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		var entry models.SyncLogEntry
		var occurredAt int64
		var kind string
		if err := rows.Scan(&entry.ID, &occurredAt, &kind, &entry.LocalID, &entry.ClientID, &entry.Detail); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan sync log", err)
		}
		entry.OccurredAt = time.UnixMilli(occurredAt).UTC()
		entry.Kind = models.SyncLogKind(kind)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
