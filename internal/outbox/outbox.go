// Package outbox relays committed audit records to the event broker.
//
// Producers append entries in the same database transaction as the state
// change they describe; the Relay later publishes pending entries and marks
// them processed. Delivery is at-least-once: consumers dedupe on the entry ID.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEntryNotFound = errors.New("outbox entry not found or already processed")

// Entry is one pending event.
type Entry struct {
	ID            uuid.UUID  `json:"id"`
	AggregateType string     `json:"aggregateType"`
	AggregateID   string     `json:"aggregateId"`
	EventType     string     `json:"eventType"`
	Payload       []byte     `json:"payload"`
	CreatedAt     time.Time  `json:"createdAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
}

// IsPending reports whether the entry still awaits publication.
func (e *Entry) IsPending() bool {
	return e.ProcessedAt == nil
}

// NewEntry creates an entry with a fresh ID.
func NewEntry(aggregateType, aggregateID, eventType string, payload []byte) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}

// Store persists outbox entries. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// FetchUnprocessed returns up to limit pending entries, oldest first.
	FetchUnprocessed(ctx context.Context, limit int) ([]*Entry, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	CountPending(ctx context.Context) (int64, error)
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// TxAppender appends inside a caller-owned transaction.
type TxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error
}
