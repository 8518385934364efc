package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/scopeledger/internal/domain"
)

// AggregateRepository rebuilds scope state from the event log and commits new events.
type AggregateRepository struct {
	log    EventLog
	outbox Outbox
}

// NewAggregateRepository constructs a repository over log. outbox may be nil when log is transactional.
func NewAggregateRepository(log EventLog, outbox Outbox) *AggregateRepository {
	return &AggregateRepository{log: log, outbox: outbox}
}

// Load folds the aggregate's full history. It returns ErrNotFound when no events exist.
func (r *AggregateRepository) Load(ctx context.Context, id string) (domain.State, int64, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return domain.State{}, 0, err
	}
	state, err := domain.Replay(events)
	if err != nil {
		return domain.State{}, 0, fmt.Errorf("replay scope %s: %w", id, err)
	}
	return state, state.Version, nil
}

// Save appends events at expectedVersion. It does not retry.
func (r *AggregateRepository) Save(ctx context.Context, id string, expectedVersion int64, events []domain.Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}
	return r.log.Append(ctx, id, expectedVersion, events)
}

// Commit appends events and enqueues them for projection.
//
// When the log implements TransactionalOutbox both writes share one transaction; otherwise the
// events are enqueued only after the append succeeds.
func (r *AggregateRepository) Commit(ctx context.Context, id string, expectedVersion int64, events []domain.Event) (int64, []string, error) {
	if len(events) == 0 {
		return expectedVersion, nil, nil
	}
	if txOutbox, ok := r.log.(TransactionalOutbox); ok {
		return txOutbox.AppendAndEnqueue(ctx, id, expectedVersion, events)
	}
	if r.outbox == nil {
		return 0, nil, errors.New("aggregate repository: outbox is not configured")
	}

	version, err := r.Save(ctx, id, expectedVersion, events)
	if err != nil {
		return 0, nil, err
	}
	stamped := make([]domain.Event, len(events))
	for i, evt := range events {
		evt.Sequence = expectedVersion + int64(i) + 1
		stamped[i] = evt
	}
	entryIDs, err := r.outbox.Enqueue(ctx, stamped)
	if err != nil {
		return version, nil, fmt.Errorf("enqueue committed events for %s: %w", id, err)
	}
	return version, entryIDs, nil
}

// GetEvents returns the aggregate's ordered history or ErrNotFound.
func (r *AggregateRepository) GetEvents(ctx context.Context, id string) ([]domain.Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidID
	}
	events, err := r.log.ReadEvents(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}
