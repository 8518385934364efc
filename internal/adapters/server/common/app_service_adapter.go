package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/domain"
)

// defaultServeActorID attributes transport commands that carry no actor.
const defaultServeActorID = "scopes-serve"

// defaultPendingLimit bounds pending-outbox listings when callers pass no limit.
const defaultPendingLimit = 50

// AppServiceAdapter maps transport contracts onto app.Service scope and outbox APIs.
type AppServiceAdapter struct {
	service    *app.Service
	outbox     app.Outbox
	drainer    *app.Drainer
	drainBatch int
}

// AdapterOption customizes an AppServiceAdapter.
type AdapterOption func(*AppServiceAdapter)

// WithOutbox enables the outbox operator surface.
func WithOutbox(outbox app.Outbox, drainer *app.Drainer, batchSize int) AdapterOption {
	return func(a *AppServiceAdapter) {
		a.outbox = outbox
		a.drainer = drainer
		a.drainBatch = batchSize
	}
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service, opts ...AdapterOption) *AppServiceAdapter {
	a := &AppServiceAdapter{service: service, drainBatch: defaultPendingLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.drainBatch <= 0 {
		a.drainBatch = defaultPendingLimit
	}
	return a
}

// CreateScope creates one scope.
func (a *AppServiceAdapter) CreateScope(ctx context.Context, in CreateScopeRequest) (CommandResult, error) {
	if err := a.ready(); err != nil {
		return CommandResult{}, err
	}
	ctx, err := withActor(ctx, in.Actor)
	if err != nil {
		return CommandResult{}, err
	}
	res, err := a.service.CreateScope(ctx, app.CreateScopeInput{
		Title:       in.Title,
		Description: in.Description,
		ParentID:    in.ParentID,
	})
	if err != nil {
		return CommandResult{}, mapAppError("create scope", err)
	}
	return a.commandResult(ctx, res)
}

// UpdateScope applies a partial update to one scope.
func (a *AppServiceAdapter) UpdateScope(ctx context.Context, in UpdateScopeRequest) (CommandResult, error) {
	if err := a.ready(); err != nil {
		return CommandResult{}, err
	}
	if in.Title == nil && in.Description == nil {
		return CommandResult{}, fmt.Errorf("title or description is required: %w", ErrInvalidRequest)
	}
	ctx, err := withActor(ctx, in.Actor)
	if err != nil {
		return CommandResult{}, err
	}
	res, err := a.service.UpdateScope(ctx, app.UpdateScopeInput{
		ScopeID:     in.ScopeID,
		Title:       in.Title,
		Description: in.Description,
	})
	if err != nil {
		return CommandResult{}, mapAppError("update scope", err)
	}
	return a.commandResult(ctx, res)
}

// DeleteScope deletes one scope.
func (a *AppServiceAdapter) DeleteScope(ctx context.Context, in ScopeCommandRequest) (CommandResult, error) {
	return a.runScopeCommand(ctx, "delete scope", in, a.serviceOrNil().DeleteScope)
}

// ArchiveScope archives one scope.
func (a *AppServiceAdapter) ArchiveScope(ctx context.Context, in ScopeCommandRequest) (CommandResult, error) {
	return a.runScopeCommand(ctx, "archive scope", in, a.serviceOrNil().ArchiveScope)
}

// RestoreScope restores one archived scope.
func (a *AppServiceAdapter) RestoreScope(ctx context.Context, in ScopeCommandRequest) (CommandResult, error) {
	return a.runScopeCommand(ctx, "restore scope", in, a.serviceOrNil().RestoreScope)
}

// AssignAlias attaches one alias to a scope.
func (a *AppServiceAdapter) AssignAlias(ctx context.Context, in AssignAliasRequest) (CommandResult, error) {
	if err := a.ready(); err != nil {
		return CommandResult{}, err
	}
	ctx, err := withActor(ctx, in.Actor)
	if err != nil {
		return CommandResult{}, err
	}
	res, err := a.service.AssignAlias(ctx, in.ScopeID, in.Alias)
	if err != nil {
		return CommandResult{}, mapAppError("assign alias", err)
	}
	return a.commandResult(ctx, res)
}

// GetScope returns one projected scope with its aliases.
func (a *AppServiceAdapter) GetScope(ctx context.Context, scopeID string) (Scope, error) {
	if err := a.ready(); err != nil {
		return Scope{}, err
	}
	row, err := a.service.GetScope(ctx, scopeID)
	if err != nil {
		return Scope{}, mapAppError("get scope", err)
	}
	aliases, err := a.service.ListAliases(ctx, row.ID)
	if err != nil {
		return Scope{}, mapAppError("list aliases", err)
	}
	out := mapScopeRow(row)
	out.Aliases = mapAliasRows(aliases)
	return out, nil
}

// ListChildScopes returns the projected children of one scope.
func (a *AppServiceAdapter) ListChildScopes(ctx context.Context, parentID string) ([]Scope, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	rows, err := a.service.ListChildScopes(ctx, parentID)
	if err != nil {
		return nil, mapAppError("list child scopes", err)
	}
	out := make([]Scope, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapScopeRow(row))
	}
	return out, nil
}

// ListAliases returns one scope's aliases, canonical first.
func (a *AppServiceAdapter) ListAliases(ctx context.Context, scopeID string) ([]Alias, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	rows, err := a.service.ListAliases(ctx, scopeID)
	if err != nil {
		return nil, mapAppError("list aliases", err)
	}
	return mapAliasRows(rows), nil
}

// ScopeHistory returns the full event history of one scope.
func (a *AppServiceAdapter) ScopeHistory(ctx context.Context, scopeID string) ([]Event, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	events, err := a.service.ScopeHistory(ctx, scopeID)
	if err != nil {
		return nil, mapAppError("scope history", err)
	}
	return mapEvents(events)
}

// PendingOutbox lists pending outbox entries in enqueue order.
func (a *AppServiceAdapter) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if a == nil || a.outbox == nil {
		return nil, ErrOutboxUnavailable
	}
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	entries, err := a.outbox.FetchPending(ctx, limit)
	if err != nil {
		return nil, mapAppError("fetch pending", err)
	}
	out := make([]OutboxEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, mapOutboxEntry(entry))
	}
	return out, nil
}

// ListOutbox lists outbox entries filtered by status. An empty status lists every entry.
func (a *AppServiceAdapter) ListOutbox(ctx context.Context, status string, limit int) ([]OutboxEntry, error) {
	if a == nil || a.outbox == nil {
		return nil, ErrOutboxUnavailable
	}
	parsed, ok := app.ParseOutboxStatus(status)
	if !ok {
		return nil, fmt.Errorf("outbox status %q is unsupported: %w", status, ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	entries, err := a.outbox.ListOutbox(ctx, parsed, limit)
	if err != nil {
		return nil, mapAppError("list outbox", err)
	}
	out := make([]OutboxEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, mapOutboxEntry(entry))
	}
	return out, nil
}

// OutboxSummary counts outbox entries by status.
func (a *AppServiceAdapter) OutboxSummary(ctx context.Context) (OutboxSummary, error) {
	if a == nil || a.outbox == nil {
		return OutboxSummary{}, ErrOutboxUnavailable
	}
	summary, err := a.outbox.OutboxSummary(ctx)
	if err != nil {
		return OutboxSummary{}, mapAppError("outbox summary", err)
	}
	return OutboxSummary{
		Pending:         summary.Pending,
		Processed:       summary.Processed,
		Failed:          summary.Failed,
		Blocked:         summary.Blocked,
		OldestPendingAt: summary.OldestPendingAt,
	}, nil
}

// DrainOutbox runs drain passes until the outbox is empty.
func (a *AppServiceAdapter) DrainOutbox(ctx context.Context, batchSize int) (DrainResult, error) {
	if a == nil || a.drainer == nil {
		return DrainResult{}, ErrOutboxUnavailable
	}
	if batchSize <= 0 {
		batchSize = a.drainBatch
	}
	summary, err := a.drainer.DrainUntilEmpty(ctx, batchSize, 0)
	if err != nil {
		return DrainResult{}, mapAppError("drain outbox", err)
	}
	return DrainResult{
		Fetched:      summary.Fetched,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
		Deferred:     summary.Deferred,
		DeadLettered: summary.DeadLettered,
		Skipped:      summary.Skipped,
	}, nil
}

// RequeueOutboxEntry moves one dead-lettered entry back to pending.
func (a *AppServiceAdapter) RequeueOutboxEntry(ctx context.Context, entryID string) error {
	if a == nil || a.outbox == nil {
		return ErrOutboxUnavailable
	}
	if strings.TrimSpace(entryID) == "" {
		return fmt.Errorf("entry id is required: %w", ErrInvalidRequest)
	}
	if err := a.outbox.RequeueFailed(ctx, entryID); err != nil {
		return mapAppError("requeue outbox entry", err)
	}
	return nil
}

// runScopeCommand runs one single-id scope command with actor attribution.
func (a *AppServiceAdapter) runScopeCommand(
	ctx context.Context,
	operation string,
	in ScopeCommandRequest,
	run func(context.Context, string) (app.CommandResult, error),
) (CommandResult, error) {
	if err := a.ready(); err != nil {
		return CommandResult{}, err
	}
	ctx, err := withActor(ctx, in.Actor)
	if err != nil {
		return CommandResult{}, err
	}
	res, err := run(ctx, in.ScopeID)
	if err != nil {
		return CommandResult{}, mapAppError(operation, err)
	}
	return a.commandResult(ctx, res)
}

// commandResult converts an app result and attaches the projected row when it is visible.
func (a *AppServiceAdapter) commandResult(ctx context.Context, res app.CommandResult) (CommandResult, error) {
	events, err := mapEvents(res.Events)
	if err != nil {
		return CommandResult{}, err
	}
	out := CommandResult{
		ScopeID:  res.ScopeID,
		Version:  res.Version,
		Changed:  res.Changed(),
		Events:   events,
		EntryIDs: res.EntryIDs,
	}
	if row, err := a.service.GetScope(ctx, res.ScopeID); err == nil {
		scope := mapScopeRow(row)
		out.Scope = &scope
	}
	return out, nil
}

// ready reports whether the adapter has a backing service.
func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrInvalidRequest)
	}
	return nil
}

// serviceOrNil returns the backing service, tolerating a nil adapter.
func (a *AppServiceAdapter) serviceOrNil() *app.Service {
	if a == nil {
		return nil
	}
	return a.service
}

// withActor validates the actor tuple and attaches it to ctx.
func withActor(ctx context.Context, actor ActorTuple) (context.Context, error) {
	actorType := strings.ToLower(strings.TrimSpace(actor.ActorType))
	switch app.ActorType(actorType) {
	case "", app.ActorTypeUser, app.ActorTypeAgent, app.ActorTypeSystem:
	default:
		return nil, fmt.Errorf("actor_type %q is unsupported: %w", actor.ActorType, ErrInvalidRequest)
	}
	actorID := strings.TrimSpace(actor.ActorID)
	if actorID == "" {
		actorID = defaultServeActorID
		if actorType == "" {
			actorType = string(app.ActorTypeSystem)
		}
	}
	return app.WithCommandActor(ctx, app.CommandActor{ID: actorID, Type: app.ActorType(actorType)}), nil
}

// mapScopeRow converts one read-model row.
func mapScopeRow(row domain.ScopeRow) Scope {
	return Scope{
		ID:             row.ID,
		Title:          row.Title,
		Description:    row.Description,
		ParentID:       row.ParentID,
		CanonicalAlias: row.CanonicalAlias,
		Archived:       row.Archived,
		Version:        row.Version,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

// mapAliasRows converts alias rows, preserving order.
func mapAliasRows(rows []domain.AliasRow) []Alias {
	out := make([]Alias, 0, len(rows))
	for _, row := range rows {
		out = append(out, Alias{Name: row.Name, IsCanonical: row.IsCanonical, CreatedAt: row.CreatedAt})
	}
	return out
}

// mapEvents encodes events into their transport shape.
func mapEvents(events []domain.Event) ([]Event, error) {
	out := make([]Event, 0, len(events))
	for _, evt := range events {
		rec, err := domain.EncodeEvent(evt)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", evt.ID, err)
		}
		out = append(out, Event{
			ID:            rec.EventID,
			AggregateID:   rec.AggregateID,
			Sequence:      rec.Sequence,
			Type:          string(rec.Type),
			SchemaVersion: rec.SchemaVersion,
			OccurredAt:    rec.OccurredAt,
			Payload:       rec.PayloadJSON,
		})
	}
	return out, nil
}

// mapOutboxEntry converts one outbox entry.
func mapOutboxEntry(entry app.OutboxEntry) OutboxEntry {
	return OutboxEntry{
		ID:          entry.ID,
		EventID:     entry.Record.EventID,
		AggregateID: entry.Record.AggregateID,
		Sequence:    entry.Record.Sequence,
		EventType:   string(entry.Record.Type),
		Status:      string(entry.Status),
		Attempts:    entry.Attempts,
		LastError:   entry.LastError,
		EnqueuedAt:  entry.EnqueuedAt,
		ProcessedAt: entry.ProcessedAt,
	}
}

// mapAppError maps app and domain errors onto transport sentinels.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, app.ErrConcurrencyConflict):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrConflict, err))
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidTitle),
		errors.Is(err, domain.ErrInvalidAlias),
		errors.Is(err, domain.ErrInvalidParent),
		errors.Is(err, domain.ErrAliasTaken),
		errors.Is(err, domain.ErrScopeDeleted):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
