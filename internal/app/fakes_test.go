package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hylla/scopeledger/internal/domain"
)

// fakeLog is an in-memory event log and outbox with the two-step commit path.
type fakeLog struct {
	mu           sync.Mutex
	events       map[string][]domain.Event
	entries      []OutboxEntry
	entryByEvent map[string]string
	nextEntry    int
	beforeAppend func(aggregateID string)
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		events:       map[string][]domain.Event{},
		entryByEvent: map[string]string{},
	}
}

func (f *fakeLog) Append(_ context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, error) {
	if hook := f.beforeAppend; hook != nil {
		f.beforeAppend = nil
		hook(aggregateID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current := int64(len(f.events[aggregateID]))
	if current != expectedVersion {
		return 0, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}
	for i, evt := range events {
		evt.Sequence = expectedVersion + int64(i) + 1
		f.events[aggregateID] = append(f.events[aggregateID], evt)
	}
	return expectedVersion + int64(len(events)), nil
}

func (f *fakeLog) ReadEvents(_ context.Context, aggregateID string, fromVersion int64) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Event, 0)
	for _, evt := range f.events[aggregateID] {
		if evt.Sequence > fromVersion {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (f *fakeLog) Enqueue(_ context.Context, events []domain.Event) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		if id, ok := f.entryByEvent[evt.ID]; ok {
			ids = append(ids, id)
			continue
		}
		rec, err := domain.EncodeEvent(evt)
		if err != nil {
			return nil, err
		}
		f.nextEntry++
		id := fmt.Sprintf("entry-%d", f.nextEntry)
		f.entries = append(f.entries, OutboxEntry{
			ID:         id,
			Record:     rec,
			Status:     OutboxStatusPending,
			EnqueuedAt: rec.OccurredAt,
		})
		f.entryByEvent[evt.ID] = id
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeLog) FetchPending(_ context.Context, limit int) ([]OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failedAt := map[string]int64{}
	for _, entry := range f.entries {
		if entry.Status != OutboxStatusFailed {
			continue
		}
		if seq, ok := failedAt[entry.Record.AggregateID]; !ok || entry.Record.Sequence < seq {
			failedAt[entry.Record.AggregateID] = entry.Record.Sequence
		}
	}
	out := make([]OutboxEntry, 0)
	for _, entry := range f.entries {
		if len(out) >= limit {
			break
		}
		if entry.Status != OutboxStatusPending {
			continue
		}
		if seq, ok := failedAt[entry.Record.AggregateID]; ok && seq < entry.Record.Sequence {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeLog) entry(id string) (*OutboxEntry, error) {
	for i := range f.entries {
		if f.entries[i].ID == id {
			return &f.entries[i], nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeLog) MarkProcessed(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.entry(entryID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry.Status = OutboxStatusProcessed
	entry.ProcessedAt = &now
	return nil
}

func (f *fakeLog) MarkFailed(_ context.Context, entryID, reason string, maxAttempts int) (OutboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.entry(entryID)
	if err != nil {
		return "", err
	}
	entry.Attempts++
	entry.LastError = reason
	if maxAttempts > 0 && entry.Attempts >= maxAttempts {
		entry.Status = OutboxStatusFailed
	}
	return entry.Status, nil
}

func (f *fakeLog) OutboxSummary(context.Context) (OutboxSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out OutboxSummary
	for _, entry := range f.entries {
		switch entry.Status {
		case OutboxStatusPending:
			out.Pending++
			if out.OldestPendingAt == nil {
				at := entry.EnqueuedAt
				out.OldestPendingAt = &at
			}
		case OutboxStatusProcessed:
			out.Processed++
		case OutboxStatusFailed:
			out.Failed++
		}
	}
	return out, nil
}

func (f *fakeLog) RequeueFailed(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.entry(entryID)
	if err != nil {
		return err
	}
	if entry.Status != OutboxStatusFailed {
		return ErrNotFound
	}
	entry.Status = OutboxStatusPending
	entry.Attempts = 0
	entry.LastError = ""
	return nil
}

func (f *fakeLog) ListOutbox(_ context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboxEntry, 0)
	for _, entry := range f.entries {
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// txFakeLog adds a single-call append+enqueue to fakeLog.
type txFakeLog struct {
	*fakeLog
	txCalls int
}

func (f *txFakeLog) AppendAndEnqueue(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, []string, error) {
	f.txCalls++
	version, err := f.Append(ctx, aggregateID, expectedVersion, events)
	if err != nil {
		return 0, nil, err
	}
	stamped := make([]domain.Event, len(events))
	for i, evt := range events {
		evt.Sequence = expectedVersion + int64(i) + 1
		stamped[i] = evt
	}
	ids, err := f.Enqueue(ctx, stamped)
	return version, ids, err
}

// fakeReadModel is an in-memory read model implementing the projection and query ports.
type fakeReadModel struct {
	mu         sync.Mutex
	scopes     map[string]domain.ScopeRow
	aliases    map[string]domain.AliasRow
	tombstones map[string]int64
}

func newFakeReadModel() *fakeReadModel {
	return &fakeReadModel{
		scopes:     map[string]domain.ScopeRow{},
		aliases:    map[string]domain.AliasRow{},
		tombstones: map[string]int64{},
	}
}

func (f *fakeReadModel) InProjectionTx(_ context.Context, fn func(ProjectionTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f)
}

func (f *fakeReadModel) Scope(_ context.Context, id string) (domain.ScopeRow, bool, error) {
	row, ok := f.scopes[id]
	return row, ok, nil
}

func (f *fakeReadModel) Tombstoned(_ context.Context, id string) (bool, error) {
	_, ok := f.tombstones[id]
	return ok, nil
}

func (f *fakeReadModel) PutScope(_ context.Context, row domain.ScopeRow) error {
	f.scopes[row.ID] = row
	return nil
}

func (f *fakeReadModel) AliasOwner(_ context.Context, alias string) (string, bool, error) {
	row, ok := f.aliases[alias]
	return row.ScopeID, ok, nil
}

func (f *fakeReadModel) PutAlias(_ context.Context, alias domain.AliasRow) error {
	f.aliases[alias.Name] = alias
	return nil
}

func (f *fakeReadModel) DeleteScope(_ context.Context, id string, sequence int64, _ time.Time) error {
	delete(f.scopes, id)
	for name, alias := range f.aliases {
		if alias.ScopeID == id {
			delete(f.aliases, name)
		}
	}
	if _, ok := f.tombstones[id]; !ok {
		f.tombstones[id] = sequence
	}
	return nil
}

// readModelQueries adapts fakeReadModel to the ReadModel query port.
type readModelQueries struct {
	*fakeReadModel
}

func (q readModelQueries) GetScope(_ context.Context, id string) (domain.ScopeRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.scopes[id]
	if !ok {
		return domain.ScopeRow{}, ErrNotFound
	}
	return row, nil
}

func (q readModelQueries) ListChildScopes(_ context.Context, parentID string) ([]domain.ScopeRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.ScopeRow, 0)
	for _, row := range q.scopes {
		if row.ParentID == parentID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q readModelQueries) ListAliases(_ context.Context, scopeID string) ([]domain.AliasRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.AliasRow, 0)
	for _, alias := range q.aliases {
		if alias.ScopeID == scopeID {
			out = append(out, alias)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsCanonical != out[j].IsCanonical {
			return out[i].IsCanonical
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (q readModelQueries) AliasOwner(_ context.Context, alias string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.aliases[alias]
	if !ok {
		return "", ErrNotFound
	}
	return row.ScopeID, nil
}

// sequentialIDs returns an IDGenerator producing prefix-1, prefix-2, ...
func sequentialIDs(prefix string) IDGenerator {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// steppingClock returns a Clock that advances one minute per call.
func steppingClock(start time.Time) Clock {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

// testHarness wires a service over in-memory fakes with immediate dispatch.
type testHarness struct {
	log       *fakeLog
	readModel *fakeReadModel
	repo      *AggregateRepository
	drainer   *Drainer
	svc       *Service
}

func newTestHarness() *testHarness {
	log := newFakeLog()
	readModel := newFakeReadModel()
	repo := NewAggregateRepository(log, log)
	drainer := NewDrainer(log, NewProjector(readModel), DrainerConfig{MaxAttempts: 3})
	svc := NewService(repo, readModelQueries{readModel}, sequentialIDs("id"), steppingClock(time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)), ServiceConfig{
		Dispatch: ImmediateDispatch{Drainer: drainer, BatchSize: 10},
	})
	return &testHarness{log: log, readModel: readModel, repo: repo, drainer: drainer, svc: svc}
}
