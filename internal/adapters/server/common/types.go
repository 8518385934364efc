// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a stale write that the caller may retry.
var ErrConflict = errors.New("conflict")

// ErrOutboxUnavailable reports missing outbox backing support.
var ErrOutboxUnavailable = errors.New("outbox surface unavailable")

// ActorTuple carries optional caller attribution for mutating requests.
type ActorTuple struct {
	ActorID   string `json:"actor_id,omitempty"`
	ActorType string `json:"actor_type,omitempty"`
}

// Alias is one alias surfaced with a scope.
type Alias struct {
	Name        string    `json:"name"`
	IsCanonical bool      `json:"is_canonical"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scope is the projected scope shape returned to HTTP and MCP callers.
type Scope struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	CanonicalAlias string    `json:"canonical_alias"`
	Archived       bool      `json:"archived"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Aliases        []Alias   `json:"aliases,omitempty"`
}

// Event is one logged event as surfaced by history endpoints.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	Sequence      int64           `json:"sequence"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// CommandResult reports the outcome of one mutating request.
type CommandResult struct {
	ScopeID  string   `json:"scope_id"`
	Version  int64    `json:"version"`
	Changed  bool     `json:"changed"`
	Events   []Event  `json:"events,omitempty"`
	EntryIDs []string `json:"outbox_entry_ids,omitempty"`
	Scope    *Scope   `json:"scope,omitempty"`
}

// OutboxEntry is one outbox row as surfaced to operators.
type OutboxEntry struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	AggregateID string     `json:"aggregate_id"`
	Sequence    int64      `json:"sequence"`
	EventType   string     `json:"event_type"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// OutboxSummary counts outbox entries by status.
type OutboxSummary struct {
	Pending         int        `json:"pending"`
	Processed       int        `json:"processed"`
	Failed          int        `json:"failed"`
	Blocked         int        `json:"blocked"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// DrainResult reports the totals of one drain request.
type DrainResult struct {
	Fetched      int `json:"fetched"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Deferred     int `json:"deferred"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// CreateScopeRequest captures input for new scopes.
type CreateScopeRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	Actor       ActorTuple `json:"actor,omitempty"`
}

// UpdateScopeRequest captures partial scope updates. Nil fields are left unchanged.
type UpdateScopeRequest struct {
	ScopeID     string     `json:"scope_id"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Actor       ActorTuple `json:"actor,omitempty"`
}

// ScopeCommandRequest targets one scope for delete, archive, or restore.
type ScopeCommandRequest struct {
	ScopeID string     `json:"scope_id"`
	Actor   ActorTuple `json:"actor,omitempty"`
}

// AssignAliasRequest captures input for extra aliases.
type AssignAliasRequest struct {
	ScopeID string     `json:"scope_id"`
	Alias   string     `json:"alias"`
	Actor   ActorTuple `json:"actor,omitempty"`
}

// ScopeService captures scope commands and queries exposed by transports.
type ScopeService interface {
	CreateScope(context.Context, CreateScopeRequest) (CommandResult, error)
	UpdateScope(context.Context, UpdateScopeRequest) (CommandResult, error)
	DeleteScope(context.Context, ScopeCommandRequest) (CommandResult, error)
	ArchiveScope(context.Context, ScopeCommandRequest) (CommandResult, error)
	RestoreScope(context.Context, ScopeCommandRequest) (CommandResult, error)
	AssignAlias(context.Context, AssignAliasRequest) (CommandResult, error)
	GetScope(context.Context, string) (Scope, error)
	ListChildScopes(context.Context, string) ([]Scope, error)
	ListAliases(context.Context, string) ([]Alias, error)
	ScopeHistory(context.Context, string) ([]Event, error)
}

// OutboxService captures optional outbox operator operations.
type OutboxService interface {
	PendingOutbox(context.Context, int) ([]OutboxEntry, error)
	OutboxSummary(context.Context) (OutboxSummary, error)
	DrainOutbox(context.Context, int) (DrainResult, error)
	RequeueOutboxEntry(context.Context, string) error
}
