package models

import (
	"encoding/json"
	"time"
)

// Read cache namespaces refreshed from the remote API.
const (
	NamespaceConsults = "consults"
	NamespaceSchedule = "schedule"
)

// CachedServerRecord mirrors a server-owned entity for offline listing and filtering.
// Fields holds the denormalized subset used by list views; Payload is the server's full record.
type CachedServerRecord struct {
	Namespace string            `db:"namespace" json:"namespace"`
	ServerID  string            `db:"server_id" json:"serverId"`
	Fields    map[string]string `db:"fields" json:"fields"`
	SortAt    *time.Time        `db:"sort_at" json:"sortAt,omitempty"`
	Payload   json.RawMessage   `db:"payload" json:"payload"`
	CachedAt  time.Time         `db:"cached_at" json:"cachedAt"`
}

// TableName returns the table name for CachedServerRecord.
func (CachedServerRecord) TableName() string {
	return "cached_records"
}
