package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hylla/scopeledger/internal/adapters/storage/sqlite"
	"github.com/hylla/scopeledger/internal/app"
)

// recordingLogger captures debug key/value pairs for attribution assertions.
type recordingLogger struct {
	mu      sync.Mutex
	keyvals [][]any
}

func (l *recordingLogger) Debug(_ any, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyvals = append(l.keyvals, keyvals)
}
func (l *recordingLogger) Info(any, ...any)  {}
func (l *recordingLogger) Warn(any, ...any)  {}
func (l *recordingLogger) Error(any, ...any) {}

// lastValue returns the value of key in the most recent debug entry.
func (l *recordingLogger) lastValue(key string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.keyvals) == 0 {
		return nil
	}
	kv := l.keyvals[len(l.keyvals)-1]
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1]
		}
	}
	return nil
}

// newAdapterFixture builds one adapter over an in-memory sqlite repository.
func newAdapterFixture(t *testing.T, dispatch app.DispatchMode) (*AppServiceAdapter, *recordingLogger) {
	t.Helper()

	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	nextID := 0
	idGen := func() string {
		nextID++
		return fmt.Sprintf("id-%03d", nextID)
	}
	clock := func() time.Time {
		return time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	}

	logger := &recordingLogger{}
	drainer := app.NewDrainer(repo, app.NewProjector(repo), app.DrainerConfig{MaxAttempts: 3})
	var policy app.DispatchPolicy = app.DeferredDispatch{}
	if dispatch == app.DispatchImmediate {
		policy = app.ImmediateDispatch{Drainer: drainer, BatchSize: 10}
	}
	service := app.NewService(app.NewAggregateRepository(repo, repo), repo, idGen, clock, app.ServiceConfig{
		Dispatch: policy,
		Logger:   logger,
	})
	return NewAppServiceAdapter(service, WithOutbox(repo, drainer, 10)), logger
}

// TestAppServiceAdapterCreateAttachesProjectedScope verifies immediate dispatch surfaces the row in the result.
func TestAppServiceAdapterCreateAttachesProjectedScope(t *testing.T) {
	adapter, logger := newAdapterFixture(t, app.DispatchImmediate)
	ctx := context.Background()

	res, err := adapter.CreateScope(ctx, CreateScopeRequest{
		Title: "Roadmap",
		Actor: ActorTuple{ActorID: "agent-7", ActorType: "Agent"},
	})
	if err != nil {
		t.Fatalf("CreateScope() error = %v", err)
	}
	if !res.Changed || res.Version != 2 || len(res.Events) != 2 || len(res.EntryIDs) != 2 {
		t.Fatalf("unexpected result %#v", res)
	}
	if res.Scope == nil || res.Scope.Title != "Roadmap" || res.Scope.CanonicalAlias == "" {
		t.Fatalf("expected projected scope in result, got %#v", res.Scope)
	}
	var payload map[string]any
	if err := json.Unmarshal(res.Events[0].Payload, &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload["title"] != "Roadmap" {
		t.Fatalf("unexpected created payload %#v", payload)
	}
	if got := logger.lastValue("actor"); got != "agent-7" {
		t.Fatalf("logged actor = %#v, want agent-7", got)
	}
	if got := logger.lastValue("actor_type"); got != "agent" {
		t.Fatalf("logged actor_type = %#v, want agent", got)
	}

	scope, err := adapter.GetScope(ctx, res.ScopeID)
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if len(scope.Aliases) != 1 || !scope.Aliases[0].IsCanonical {
		t.Fatalf("unexpected aliases %#v", scope.Aliases)
	}
}

// TestAppServiceAdapterDefaultsServeActor verifies unattributed commands log the serve actor.
func TestAppServiceAdapterDefaultsServeActor(t *testing.T) {
	adapter, logger := newAdapterFixture(t, app.DispatchDeferred)
	if _, err := adapter.CreateScope(context.Background(), CreateScopeRequest{Title: "Roadmap"}); err != nil {
		t.Fatalf("CreateScope() error = %v", err)
	}
	if got := logger.lastValue("actor"); got != defaultServeActorID {
		t.Fatalf("logged actor = %#v, want %s", got, defaultServeActorID)
	}
	if got := logger.lastValue("actor_type"); got != string(app.ActorTypeSystem) {
		t.Fatalf("logged actor_type = %#v, want system", got)
	}
}

// TestAppServiceAdapterErrorMapping verifies request validation and app errors map onto transport sentinels.
func TestAppServiceAdapterErrorMapping(t *testing.T) {
	adapter, _ := newAdapterFixture(t, app.DispatchImmediate)
	ctx := context.Background()

	if _, err := adapter.CreateScope(ctx, CreateScopeRequest{Title: "   "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank title error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.CreateScope(ctx, CreateScopeRequest{Title: "x", Actor: ActorTuple{ActorType: "robot"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad actor error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.CreateScope(ctx, CreateScopeRequest{Title: "x", ParentID: "missing"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing parent error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.UpdateScope(ctx, UpdateScopeRequest{ScopeID: "s1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty update error = %v, want ErrInvalidRequest", err)
	}
	if _, err := adapter.GetScope(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing scope error = %v, want ErrNotFound", err)
	}
	if _, err := adapter.DeleteScope(ctx, ScopeCommandRequest{ScopeID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing delete error = %v, want ErrNotFound", err)
	}

	conflict := mapAppError("update scope", &app.ConflictError{AggregateID: "s1", Expected: 1, Actual: 2})
	if !errors.Is(conflict, ErrConflict) || !errors.Is(conflict, app.ErrConcurrencyConflict) {
		t.Fatalf("conflict mapping lost sentinels: %v", conflict)
	}
	if err := mapAppError("x", errors.New("boom")); errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected mapping for plain error: %v", err)
	}
}

// TestAppServiceAdapterOutboxSurface verifies pending, summary, drain, and requeue through the adapter.
func TestAppServiceAdapterOutboxSurface(t *testing.T) {
	adapter, _ := newAdapterFixture(t, app.DispatchDeferred)
	ctx := context.Background()

	res, err := adapter.CreateScope(ctx, CreateScopeRequest{Title: "Roadmap"})
	if err != nil {
		t.Fatalf("CreateScope() error = %v", err)
	}
	if res.Scope != nil {
		t.Fatalf("deferred dispatch must not project synchronously, got %#v", res.Scope)
	}
	pending, err := adapter.PendingOutbox(ctx, 0)
	if err != nil {
		t.Fatalf("PendingOutbox() error = %v", err)
	}
	if len(pending) != 2 || pending[0].Sequence != 1 || pending[0].EventType != "scope.created" {
		t.Fatalf("unexpected pending entries %#v", pending)
	}

	drained, err := adapter.DrainOutbox(ctx, 0)
	if err != nil {
		t.Fatalf("DrainOutbox() error = %v", err)
	}
	if drained.Succeeded != 2 {
		t.Fatalf("unexpected drain result %#v", drained)
	}
	summary, err := adapter.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("OutboxSummary() error = %v", err)
	}
	if summary.Pending != 0 || summary.Processed != 2 || summary.OldestPendingAt != nil {
		t.Fatalf("unexpected summary %#v", summary)
	}
	processed, err := adapter.ListOutbox(ctx, "PROCESSED", 0)
	if err != nil {
		t.Fatalf("ListOutbox() error = %v", err)
	}
	if len(processed) != 2 || processed[0].Status != "processed" {
		t.Fatalf("unexpected processed entries %#v", processed)
	}
	if _, err := adapter.ListOutbox(ctx, "stuck", 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad status error = %v, want ErrInvalidRequest", err)
	}
	if err := adapter.RequeueOutboxEntry(ctx, pending[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("requeue of processed entry error = %v, want ErrNotFound", err)
	}
	if err := adapter.RequeueOutboxEntry(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank requeue error = %v, want ErrInvalidRequest", err)
	}

	bare := NewAppServiceAdapter(nil)
	if _, err := bare.PendingOutbox(ctx, 1); !errors.Is(err, ErrOutboxUnavailable) {
		t.Fatalf("bare adapter error = %v, want ErrOutboxUnavailable", err)
	}
}
