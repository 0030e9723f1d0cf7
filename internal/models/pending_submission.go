// Package models provides data model definitions for the offline sync layer.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionStatus is the lifecycle state of an offline submission.
type SubmissionStatus string

const (
	StatusPending SubmissionStatus = "pending"
	StatusSynced  SubmissionStatus = "synced"
	StatusFailed  SubmissionStatus = "failed"
)

// Valid reports whether s is one of the known states.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// ClientIDField is the payload key the server deduplicates on.
const ClientIDField = "client_id"

// PendingSubmission is a record created while offline and awaiting transmission.
type PendingSubmission struct {
	LocalID   int64            `db:"local_id" json:"localId"`
	ClientID  string           `db:"client_id" json:"clientId"`
	Payload   json.RawMessage  `db:"payload" json:"payload"`
	Status    SubmissionStatus `db:"status" json:"status"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
	Attempts  int              `db:"attempts" json:"attempts"`
	// Retryable is cleared once the remote API rejects the payload outright.
	Retryable bool       `db:"retryable" json:"retryable"`
	LastError string     `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
	SyncedAt  *time.Time `db:"synced_at" json:"syncedAt,omitempty"`
}

// TableName returns the table name for PendingSubmission.
func (PendingSubmission) TableName() string {
	return "pending_submissions"
}

// RetryEligible reports whether an automatic pass should attempt the submission.
func (s *PendingSubmission) RetryEligible() bool {
	switch s.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return s.Retryable
	}
	return false
}

// Parked reports whether the submission waits for an explicit requeue.
func (s *PendingSubmission) Parked() bool {
	return s.Status == StatusFailed && !s.Retryable
}

// SubmissionRef is what the store hands back after a successful enqueue.
type SubmissionRef struct {
	LocalID  int64  `json:"localId"`
	ClientID string `json:"clientId"`
}

// SubmissionStats counts submissions per lifecycle state.
type SubmissionStats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Parked  int `json:"parked"`
}

// EmbedClientID returns payload with the client token set at the top level.
// The payload must be a JSON object.
func EmbedClientID(payload json.RawMessage, clientID string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("payload must be a JSON object, got null")
	}
	encoded, err := json.Marshal(clientID)
	if err != nil {
		return nil, err
	}
	fields[ClientIDField] = encoded
	return json.Marshal(fields)
}

// PayloadClientID reads the embedded client token back out of a payload.
func PayloadClientID(payload json.RawMessage) (string, error) {
	var fields struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", err
	}
	return fields.ClientID, nil
}
