package models

import "time"

// SyncLogKind classifies an entry in the sync activity log.
type SyncLogKind string

const (
	LogEnqueued      SyncLogKind = "enqueued"
	LogSynced        SyncLogKind = "synced"
	LogFailed        SyncLogKind = "failed"
	LogRejected      SyncLogKind = "rejected"
	LogRequeued      SyncLogKind = "requeued"
	LogSwept         SyncLogKind = "swept"
	LogPass          SyncLogKind = "pass"
	LogCacheReplaced SyncLogKind = "cache_replaced"
)

// SyncLogEntry is one append-only record of sync activity.
type SyncLogEntry struct {
	ID         string      `db:"id" json:"id"`
	OccurredAt time.Time   `db:"occurred_at" json:"occurredAt"`
	Kind       SyncLogKind `db:"kind" json:"kind"`
	LocalID    int64       `db:"local_id" json:"localId,omitempty"`
	ClientID   string      `db:"client_id" json:"clientId,omitempty"`
	Detail     string      `db:"detail" json:"detail,omitempty"`
}

// TableName returns the table name for SyncLogEntry.
func (SyncLogEntry) TableName() string {
	return "sync_log"
}
