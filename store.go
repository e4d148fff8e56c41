package rbf

import (
	"context"
	"encoding/json"
)

// TxMode selects the access mode a Store transaction is opened with.
type TxMode int

const (
	// ReadOnly opens a transaction for queries.
	ReadOnly TxMode = iota
	// ReadWrite opens a transaction for mutations.
	ReadWrite
)

// Result is a row of the results table: a persisted record of a
// completed mutation keyed by (namespace, request id), used for
// idempotency.
type Result struct {
	RequestID       string
	RequestedPath   string
	RequestedInput  json.RawMessage
	Data            json.RawMessage
	Status          int
	CreatedAtMillis int64
}

// OutboxRow is a row of the outbox table: a pending bus publication
// captured inside a handler's transaction.
type OutboxRow struct {
	ID              string
	SourceRequestID string
	Type            string // "request" or "message"
	Path            string
	Data            json.RawMessage
	TargetAtMillis  *int64
	CreatedAtMillis int64
}

// Tx is the transactional view of the store available to the Message
// Handler between steps 4 and 7 of §4.3.
type Tx interface {
	// Result returns the existing result row for requestID, if any.
	Result(ctx context.Context, namespace, requestID string) (*Result, error)

	// InsertResult inserts r with ON CONFLICT DO NOTHING on (namespace,
	// request_id), reporting whether the insert actually took effect.
	InsertResult(ctx context.Context, namespace string, r Result) (inserted bool, err error)

	// InsertOutboxRows inserts rows, all sharing SourceRequestID.
	InsertOutboxRows(ctx context.Context, namespace string, rows []OutboxRow) error

	// OutboxBySourceRequestID returns the outbox rows still pending for
	// requestID, used to re-publish residual work on an idempotent
	// replay.
	OutboxBySourceRequestID(ctx context.Context, namespace, requestID string) ([]OutboxRow, error)
}

// Store is the persistence collaborator: any relational database
// supporting serializable transactions, ON CONFLICT DO NOTHING, and range
// deletes.
type Store interface {
	// WithTransaction runs fn inside a serializable transaction opened
	// in the given mode, committing on a nil return and rolling back
	// otherwise. Implementations retry on serialization conflicts.
	WithTransaction(ctx context.Context, namespace string, mode TxMode, fn func(ctx context.Context, tx Tx) error) error

	// DueOutbox returns up to limit outbox rows created before
	// beforeMillis, for the Outbox Dispatcher's periodic scan.
	DueOutbox(ctx context.Context, namespace string, beforeMillis int64, limit int) ([]OutboxRow, error)

	// DeleteOutboxRow deletes a single outbox row by id, after a
	// confirmed publish.
	DeleteOutboxRow(ctx context.Context, namespace, id string) error

	// DeleteResultsOlderThan deletes result rows created before
	// beforeMillis and returns how many were removed.
	DeleteResultsOlderThan(ctx context.Context, namespace string, beforeMillis int64) (int64, error)
}
