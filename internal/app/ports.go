package app

import (
	"context"
	"time"

	"github.com/hylla/scopeledger/internal/domain"
)

// EventLog is the append-only, per-aggregate ordered store of events.
type EventLog interface {
	// Append stamps sequences expectedVersion+1.. onto events and stores them atomically.
	// A stale expectedVersion returns *ConflictError.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, error)
	// ReadEvents returns events with Sequence > fromVersion in ascending order.
	ReadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]domain.Event, error)
}

// Outbox tracks events awaiting projection.
type Outbox interface {
	Enqueue(ctx context.Context, events []domain.Event) ([]string, error)
	// FetchPending returns pending entries in enqueue order. Entries queued behind a failed entry
	// of the same aggregate are held back until that entry is requeued.
	FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkProcessed(ctx context.Context, entryID string) error
	MarkFailed(ctx context.Context, entryID, reason string, maxAttempts int) (OutboxStatus, error)
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
	RequeueFailed(ctx context.Context, entryID string) error
	ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error)
}

// TransactionalOutbox is implemented by logs that can append and enqueue in one storage transaction.
type TransactionalOutbox interface {
	AppendAndEnqueue(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, []string, error)
}

// ReadModel answers queries against projected rows.
type ReadModel interface {
	GetScope(ctx context.Context, id string) (domain.ScopeRow, error)
	ListChildScopes(ctx context.Context, parentID string) ([]domain.ScopeRow, error)
	ListAliases(ctx context.Context, scopeID string) ([]domain.AliasRow, error)
	AliasOwner(ctx context.Context, alias string) (string, error)
}

// ProjectionStore runs projector mutations inside one read-model transaction.
type ProjectionStore interface {
	InProjectionTx(ctx context.Context, fn func(ProjectionTx) error) error
}

// ProjectionTx is the set of read-model mutations available to the projector.
type ProjectionTx interface {
	Scope(ctx context.Context, id string) (domain.ScopeRow, bool, error)
	Tombstoned(ctx context.Context, id string) (bool, error)
	PutScope(ctx context.Context, row domain.ScopeRow) error
	AliasOwner(ctx context.Context, alias string) (string, bool, error)
	PutAlias(ctx context.Context, alias domain.AliasRow) error
	// DeleteScope removes the row and its aliases and records a tombstone at sequence.
	DeleteScope(ctx context.Context, id string, sequence int64, at time.Time) error
}

// DrainLease serializes drainers across processes sharing one database.
type DrainLease interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Logger is the structured logging surface used by this package.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// nopLogger discards all log calls.
type nopLogger struct{}

func (nopLogger) Debug(any, ...any) {}
func (nopLogger) Info(any, ...any)  {}
func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

// loggerOrNop returns logger, or a discarding logger when nil.
func loggerOrNop(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}
