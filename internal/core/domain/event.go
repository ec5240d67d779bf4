package domain

import (
	"encoding/json"
	"time"
)

const CurrentEventSchemaVersion = 1

const EventRevisionCommitted = "revision.committed"

// RevisionEvent announces a revision whose audit rows were written.
type RevisionEvent struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	SchemaVersion int               `json:"schema_version"`
	Revision      int64             `json:"revision"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Changes       []EntityChange    `json:"changes"`
}

// EntityChange summarises one audit row of a revision.
type EntityChange struct {
	Entity   EntityName   `json:"entity"`
	ID       Identifier   `json:"id"`
	Type     RevisionType `json:"type"`
	Modified []string     `json:"modified,omitempty"`
}

// Outbox event states. Pending events are retried until dispatched or dead.
const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxDead       = "dead"
)

// OutboxEvent is a revision event stored alongside the audit rows of its
// revision and waiting to be published.
type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}
