package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/domain"
)

// stack wires the service over one sqlite repository.
type stack struct {
	repo    *Repository
	agg     *app.AggregateRepository
	drainer *app.Drainer
	svc     *app.Service
}

func newStack(t *testing.T, immediate bool) *stack {
	t.Helper()
	repo := openMemory(t)
	agg := app.NewAggregateRepository(repo, repo)
	drainer := app.NewDrainer(repo, app.NewProjector(repo), app.DrainerConfig{
		MaxAttempts: 5,
		Lease:       repo,
		Owner:       "test-" + uuid.NewString(),
	})
	var dispatch app.DispatchPolicy = app.DeferredDispatch{}
	if immediate {
		dispatch = app.ImmediateDispatch{Drainer: drainer, BatchSize: 50}
	}
	svc := app.NewService(agg, repo, uuid.NewString, time.Now, app.ServiceConfig{Dispatch: dispatch})
	return &stack{repo: repo, agg: agg, drainer: drainer, svc: svc}
}

func TestScenario_CreateScope(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, true)

	res, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Test Scope", Description: "A scope for testing"})
	if err != nil {
		t.Fatalf("CreateScope() error = %v", err)
	}
	if n, _ := s.repo.CountEvents(ctx); n != 2 {
		t.Fatalf("expected 2 events in the log, got %d", n)
	}
	events, _ := s.svc.ScopeHistory(ctx, res.ScopeID)
	if events[0].Type != domain.EventScopeCreated || events[1].Type != domain.EventScopeAliasAssigned {
		t.Fatalf("unexpected event types %s, %s", events[0].Type, events[1].Type)
	}
	row, err := s.svc.GetScope(ctx, res.ScopeID)
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if row.Title != "Test Scope" || row.Description != "A scope for testing" || row.ParentID != "" {
		t.Fatalf("unexpected row %#v", row)
	}
	aliases, err := s.svc.ListAliases(ctx, res.ScopeID)
	if err != nil {
		t.Fatalf("ListAliases() error = %v", err)
	}
	if len(aliases) != 1 || !aliases[0].IsCanonical || aliases[0].Name != row.CanonicalAlias {
		t.Fatalf("unexpected aliases %#v", aliases)
	}
}

func TestScenario_UpdateScope(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, true)
	created, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Test Scope", Description: "before"})
	if err != nil {
		t.Fatalf("CreateScope() error = %v", err)
	}

	title, description := "Updated Title", "Updated description"
	if _, err := s.svc.UpdateScope(ctx, app.UpdateScopeInput{ScopeID: created.ScopeID, Title: &title, Description: &description}); err != nil {
		t.Fatalf("UpdateScope() error = %v", err)
	}
	events, _ := s.svc.ScopeHistory(ctx, created.ScopeID)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	row, _ := s.svc.GetScope(ctx, created.ScopeID)
	if row.Title != title || row.Description != description {
		t.Fatalf("unexpected row %#v", row)
	}
}

func TestScenario_DeleteScope(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, true)
	created, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Doomed"})
	if err != nil {
		t.Fatalf("CreateScope() error = %v", err)
	}
	if _, err := s.svc.DeleteScope(ctx, created.ScopeID); err != nil {
		t.Fatalf("DeleteScope() error = %v", err)
	}
	events, _ := s.svc.ScopeHistory(ctx, created.ScopeID)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if _, err := s.svc.GetScope(ctx, created.ScopeID); err == nil {
		t.Fatal("expected deleted row to be gone")
	}
	aliases, _ := s.svc.ListAliases(ctx, created.ScopeID)
	if len(aliases) != 0 {
		t.Fatalf("expected no aliases, got %#v", aliases)
	}
}

func TestScenario_Hierarchy(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, true)
	parent, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Parent"})
	if err != nil {
		t.Fatalf("CreateScope(parent) error = %v", err)
	}
	child, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Child", ParentID: parent.ScopeID})
	if err != nil {
		t.Fatalf("CreateScope(child) error = %v", err)
	}
	title := "Parent Renamed"
	if _, err := s.svc.UpdateScope(ctx, app.UpdateScopeInput{ScopeID: parent.ScopeID, Title: &title}); err != nil {
		t.Fatalf("UpdateScope() error = %v", err)
	}

	childEvents, _ := s.svc.ScopeHistory(ctx, child.ScopeID)
	if len(childEvents) != 2 {
		t.Fatalf("expected child to keep 2 events, got %d", len(childEvents))
	}
	childRow, _ := s.svc.GetScope(ctx, child.ScopeID)
	if childRow.ParentID != parent.ScopeID {
		t.Fatalf("child parent_id = %q, want %q", childRow.ParentID, parent.ScopeID)
	}
	children, err := s.svc.ListChildScopes(ctx, parent.ScopeID)
	if err != nil {
		t.Fatalf("ListChildScopes() error = %v", err)
	}
	if len(children) != 1 || children[0].ID != child.ScopeID {
		t.Fatalf("unexpected children %#v", children)
	}
}

func TestScenario_ReplayMatchesProjectionAndRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, true)
	created, _ := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Mirror", Description: "d"})
	title := "Mirror Renamed"
	_, _ = s.svc.UpdateScope(ctx, app.UpdateScopeInput{ScopeID: created.ScopeID, Title: &title})
	_, _ = s.svc.AssignAlias(ctx, created.ScopeID, "looking-glass")
	_, _ = s.svc.ArchiveScope(ctx, created.ScopeID)

	state, _, err := s.agg.Load(ctx, created.ScopeID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	replayedAgain, _, _ := s.agg.Load(ctx, created.ScopeID)
	if !state.Row().Equal(replayedAgain.Row()) {
		t.Fatal("replay is not deterministic")
	}
	row, err := s.svc.GetScope(ctx, created.ScopeID)
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if !state.Row().Equal(row) {
		t.Fatalf("replayed %#v != projected %#v", state.Row(), row)
	}

	history, _ := s.svc.ScopeHistory(ctx, created.ScopeID)
	projector := app.NewProjector(s.repo)
	for _, evt := range history {
		if err := projector.Apply(ctx, evt); err != nil {
			t.Fatalf("redelivered Apply(%s) error = %v", evt.Type, err)
		}
	}
	again, _ := s.svc.GetScope(ctx, created.ScopeID)
	if !again.Equal(row) {
		t.Fatalf("redelivery changed row %#v -> %#v", row, again)
	}
	aliases, _ := s.svc.ListAliases(ctx, created.ScopeID)
	if len(aliases) != len(state.Aliases) {
		t.Fatalf("alias count %d != replayed %d", len(aliases), len(state.Aliases))
	}
}

func TestScenario_DeferredDispatchDrainsToEmpty(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, false)
	ids := make([]string, 0, 3)
	for _, title := range []string{"One", "Two", "Three"} {
		res, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: title})
		if err != nil {
			t.Fatalf("CreateScope(%s) error = %v", title, err)
		}
		ids = append(ids, res.ScopeID)
	}
	if _, err := s.svc.GetScope(ctx, ids[0]); err == nil {
		t.Fatal("expected read model to lag before draining")
	}
	summary, _ := s.repo.OutboxSummary(ctx)
	if summary.Pending != 6 {
		t.Fatalf("expected 6 pending entries, got %#v", summary)
	}

	total, err := s.drainer.DrainUntilEmpty(ctx, 4, 0)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Succeeded != 6 || total.Failed != 0 {
		t.Fatalf("unexpected drain totals %#v", total)
	}
	for _, n := range []int{1, 5, 100} {
		pending, err := s.repo.FetchPending(ctx, n)
		if err != nil {
			t.Fatalf("FetchPending(%d) error = %v", n, err)
		}
		if len(pending) != 0 {
			t.Fatalf("FetchPending(%d) returned %d entries", n, len(pending))
		}
	}
	for _, id := range ids {
		if _, err := s.svc.GetScope(ctx, id); err != nil {
			t.Fatalf("GetScope(%s) error = %v", id, err)
		}
	}
	entries, _ := s.repo.ListOutbox(ctx, app.OutboxStatusProcessed, 0)
	if len(entries) != 6 {
		t.Fatalf("processed entries must be retained, got %d", len(entries))
	}
}

func TestScenario_TwoStepCommitWithoutTransactionalLog(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t)
	agg := app.NewAggregateRepository(plainLog{repo}, repo)
	evt, _ := domain.NewEvent(uuid.NewString(), "s1", domain.ScopeCreated{Title: "t"}, time.Now())

	version, ids, err := agg.Commit(ctx, "s1", 0, []domain.Event{evt})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if version != 1 || len(ids) != 1 {
		t.Fatalf("unexpected commit version=%d ids=%v", version, ids)
	}
	pending, _ := repo.FetchPending(ctx, 10)
	if len(pending) != 1 || pending[0].Record.Sequence != 1 {
		t.Fatalf("unexpected pending entries %#v", pending)
	}
}

// plainLog hides AppendAndEnqueue so the repository takes the two-step path.
type plainLog struct {
	repo *Repository
}

func (p plainLog) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, error) {
	return p.repo.Append(ctx, aggregateID, expectedVersion, events)
}

func (p plainLog) ReadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]domain.Event, error) {
	return p.repo.ReadEvents(ctx, aggregateID, fromVersion)
}

func TestScenario_DeadLetteredAliasHoldsLaterEventsUntilRequeued(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, false)
	drainer := app.NewDrainer(s.repo, app.NewProjector(s.repo), app.DrainerConfig{MaxAttempts: 1})

	alpha, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Alpha"})
	if err != nil {
		t.Fatalf("CreateScope(Alpha) error = %v", err)
	}
	beta, err := s.svc.CreateScope(ctx, app.CreateScopeInput{Title: "Beta"})
	if err != nil {
		t.Fatalf("CreateScope(Beta) error = %v", err)
	}
	// Neither alias is projected yet, so both commands commit.
	if _, err := s.svc.AssignAlias(ctx, alpha.ScopeID, "shared"); err != nil {
		t.Fatalf("AssignAlias(alpha) error = %v", err)
	}
	if _, err := s.svc.AssignAlias(ctx, beta.ScopeID, "shared"); err != nil {
		t.Fatalf("AssignAlias(beta) error = %v", err)
	}
	total, err := drainer.DrainUntilEmpty(ctx, 50, 0)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.DeadLettered != 1 {
		t.Fatalf("expected beta's alias to dead-letter, got %#v", total)
	}

	title := "Beta Renamed"
	if _, err := s.svc.UpdateScope(ctx, app.UpdateScopeInput{ScopeID: beta.ScopeID, Title: &title}); err != nil {
		t.Fatalf("UpdateScope() error = %v", err)
	}
	total, err = drainer.DrainUntilEmpty(ctx, 50, 0)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Fetched != 0 {
		t.Fatalf("expected the rename to wait behind the failed alias, got %#v", total)
	}
	summary, _ := s.repo.OutboxSummary(ctx)
	if summary.Failed != 1 || summary.Pending != 1 || summary.Blocked != 1 {
		t.Fatalf("unexpected outbox summary %#v", summary)
	}
	row, _ := s.svc.GetScope(ctx, beta.ScopeID)
	if row.Title != "Beta" || row.Version != 2 {
		t.Fatalf("row moved past the failed entry: %#v", row)
	}

	// Free the alias, then requeue the failed entry.
	if _, err := s.svc.DeleteScope(ctx, alpha.ScopeID); err != nil {
		t.Fatalf("DeleteScope(alpha) error = %v", err)
	}
	if _, err := drainer.DrainUntilEmpty(ctx, 50, 0); err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	failed, _ := s.repo.ListOutbox(ctx, app.OutboxStatusFailed, 0)
	if len(failed) != 1 || failed[0].Record.AggregateID != beta.ScopeID || failed[0].LastError == "" {
		t.Fatalf("unexpected failed entries %#v", failed)
	}
	if err := s.repo.RequeueFailed(ctx, failed[0].ID); err != nil {
		t.Fatalf("RequeueFailed() error = %v", err)
	}
	total, err = drainer.DrainUntilEmpty(ctx, 50, 0)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Succeeded != 2 || total.Failed != 0 {
		t.Fatalf("expected alias then rename to project, got %#v", total)
	}

	state, _, err := s.agg.Load(ctx, beta.ScopeID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	row, err = s.svc.GetScope(ctx, beta.ScopeID)
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if !state.Row().Equal(row) {
		t.Fatalf("replayed %#v != projected %#v", state.Row(), row)
	}
	aliases, _ := s.svc.ListAliases(ctx, beta.ScopeID)
	if len(aliases) != len(state.Aliases) {
		t.Fatalf("alias count %d != replayed %d", len(aliases), len(state.Aliases))
	}
}
