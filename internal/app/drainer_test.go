package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hylla/scopeledger/internal/domain"
)

// flakyApplier fails every event of the listed aggregates and every listed event id.
type flakyApplier struct {
	failFor map[string]bool
	failIDs map[string]bool
	applied []string
}

func (f *flakyApplier) Apply(_ context.Context, evt domain.Event) error {
	if f.failFor[evt.AggregateID] || f.failIDs[evt.ID] {
		return errors.New("read model unavailable")
	}
	f.applied = append(f.applied, evt.ID)
	return nil
}

// fakeLease grants the lease only when free is true, and at most grants times when grants is positive.
type fakeLease struct {
	free     bool
	grants   int
	acquired int
	released int
}

func (l *fakeLease) AcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	if !l.free || (l.grants > 0 && l.acquired >= l.grants) {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLease) ReleaseLease(context.Context, string, string) error {
	l.released++
	return nil
}

// enqueueEvents appends sequenced events for aggregates into log's outbox.
func enqueueEvents(t *testing.T, log *fakeLog, specs ...[2]string) {
	t.Helper()
	seqs := map[string]int64{}
	events := make([]domain.Event, 0, len(specs))
	for _, spec := range specs {
		aggregateID, id := spec[0], spec[1]
		seqs[aggregateID]++
		var payload domain.Payload = domain.TitleUpdated{Title: id}
		if seqs[aggregateID] == 1 {
			payload = domain.ScopeCreated{Title: id}
		}
		evt, err := domain.NewEvent(id, aggregateID, payload, time.Now())
		if err != nil {
			t.Fatalf("NewEvent() error = %v", err)
		}
		evt.Sequence = seqs[aggregateID]
		events = append(events, evt)
	}
	if _, err := log.Enqueue(context.Background(), events); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func TestDrainOnceDefersSameAggregateAfterFailure(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"}, [2]string{"b", "b1"}, [2]string{"a", "a2"}, [2]string{"b", "b2"})
	applier := &flakyApplier{failFor: map[string]bool{"a": true}}
	d := NewDrainer(log, applier, DrainerConfig{MaxAttempts: 5})

	summary, err := d.DrainOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	want := DrainSummary{Fetched: 4, Succeeded: 2, Failed: 1, Deferred: 1}
	if summary != want {
		t.Fatalf("DrainOnce() = %#v, want %#v", summary, want)
	}
	if len(applier.applied) != 2 || applier.applied[0] != "b1" || applier.applied[1] != "b2" {
		t.Fatalf("unexpected applied order %v", applier.applied)
	}
	pending, _ := log.FetchPending(context.Background(), 10)
	if len(pending) != 2 || pending[0].Attempts != 1 || pending[1].Attempts != 0 {
		t.Fatalf("unexpected pending entries %#v", pending)
	}
	if pending[0].LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestDrainDeadLettersAfterMaxAttempts(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"})
	applier := &flakyApplier{failFor: map[string]bool{"a": true}}
	d := NewDrainer(log, applier, DrainerConfig{MaxAttempts: 2})

	total, err := d.DrainUntilEmpty(context.Background(), 10, 10)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Failed != 2 || total.DeadLettered != 1 {
		t.Fatalf("unexpected totals %#v", total)
	}
	summary, _ := log.OutboxSummary(context.Background())
	if summary.Failed != 1 || summary.Pending != 0 {
		t.Fatalf("unexpected outbox summary %#v", summary)
	}

	failed, _ := log.ListOutbox(context.Background(), OutboxStatusFailed, 0)
	applier.failFor = nil
	if err := log.RequeueFailed(context.Background(), failed[0].ID); err != nil {
		t.Fatalf("RequeueFailed() error = %v", err)
	}
	total, err = d.DrainUntilEmpty(context.Background(), 10, 10)
	if err != nil || total.Succeeded != 1 {
		t.Fatalf("expected requeued entry to succeed, got %#v, %v", total, err)
	}
}

// sequencedEvent builds one event at an explicit sequence.
func sequencedEvent(t *testing.T, id, aggregateID string, seq int64, payload domain.Payload) domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(id, aggregateID, payload, time.Now())
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	evt.Sequence = seq
	return evt
}

func TestDrainHoldsAggregateBehindDeadLetteredEntry(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"}, [2]string{"a", "a2"}, [2]string{"b", "b1"})
	applier := &flakyApplier{failIDs: map[string]bool{"a2": true}}
	d := NewDrainer(log, applier, DrainerConfig{MaxAttempts: 1})

	total, err := d.DrainUntilEmpty(ctx, 10, 10)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Succeeded != 2 || total.DeadLettered != 1 {
		t.Fatalf("unexpected totals %#v", total)
	}

	if _, err := log.Enqueue(ctx, []domain.Event{sequencedEvent(t, "a3", "a", 3, domain.TitleUpdated{Title: "later"})}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	total, err = d.DrainUntilEmpty(ctx, 10, 10)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Fetched != 0 || total.Succeeded != 0 {
		t.Fatalf("expected a3 to wait behind the failed a2, got %#v", total)
	}

	failed, _ := log.ListOutbox(ctx, OutboxStatusFailed, 0)
	if len(failed) != 1 || failed[0].Record.EventID != "a2" {
		t.Fatalf("unexpected failed entries %#v", failed)
	}
	applier.failIDs = nil
	if err := log.RequeueFailed(ctx, failed[0].ID); err != nil {
		t.Fatalf("RequeueFailed() error = %v", err)
	}
	total, err = d.DrainUntilEmpty(ctx, 10, 10)
	if err != nil || total.Succeeded != 2 {
		t.Fatalf("expected a2 then a3 to succeed, got %#v, %v", total, err)
	}
	want := []string{"a1", "b1", "a2", "a3"}
	if len(applier.applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applier.applied, want)
	}
	for i := range want {
		if applier.applied[i] != want[i] {
			t.Fatalf("applied = %v, want %v", applier.applied, want)
		}
	}
}

func TestDrainOnceRenewsLeaseDuringLongPass(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"}, [2]string{"b", "b1"}, [2]string{"c", "c1"})
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(10 * time.Second)
		return now
	}
	lease := &fakeLease{free: true}
	d := NewDrainer(log, &flakyApplier{}, DrainerConfig{Lease: lease, LeaseTTL: 30 * time.Second, Owner: "me", Clock: clock})

	summary, err := d.DrainOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if summary.Succeeded != 3 {
		t.Fatalf("unexpected summary %#v", summary)
	}
	if lease.acquired < 2 {
		t.Fatalf("expected lease renewal during the pass, acquired=%d", lease.acquired)
	}
}

func TestDrainOnceStopsWhenLeaseLost(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"}, [2]string{"b", "b1"}, [2]string{"c", "c1"})
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(10 * time.Second)
		return now
	}
	lease := &fakeLease{free: true, grants: 1}
	applier := &flakyApplier{}
	d := NewDrainer(log, applier, DrainerConfig{Lease: lease, LeaseTTL: 30 * time.Second, Owner: "me", Clock: clock})

	summary, err := d.DrainOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if summary.Skipped != 1 || summary.Succeeded >= 3 {
		t.Fatalf("expected the pass to stop after losing the lease, got %#v", summary)
	}
	pending, _ := log.FetchPending(context.Background(), 10)
	if len(pending) != 3-len(applier.applied) {
		t.Fatalf("unapplied entries must stay pending, got %d pending after %v", len(pending), applier.applied)
	}
}

func TestDrainUntilEmptyEmptiesOutbox(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"}, [2]string{"a", "a2"}, [2]string{"b", "b1"}, [2]string{"c", "c1"}, [2]string{"a", "a3"})
	d := NewDrainer(log, &flakyApplier{}, DrainerConfig{})

	total, err := d.DrainUntilEmpty(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("DrainUntilEmpty() error = %v", err)
	}
	if total.Succeeded != 5 {
		t.Fatalf("expected 5 successes, got %#v", total)
	}
	for _, n := range []int{1, 10, 100} {
		pending, _ := log.FetchPending(context.Background(), n)
		if len(pending) != 0 {
			t.Fatalf("FetchPending(%d) returned %d entries", n, len(pending))
		}
	}
}

func TestDrainOnceSkipsWhenLeaseHeld(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"})
	lease := &fakeLease{}
	d := NewDrainer(log, &flakyApplier{}, DrainerConfig{Lease: lease, Owner: "me"})

	summary, err := d.DrainOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if summary.Skipped != 1 || summary.Fetched != 0 {
		t.Fatalf("expected skipped pass, got %#v", summary)
	}

	lease.free = true
	summary, err = d.DrainOnce(context.Background(), 10)
	if err != nil || summary.Succeeded != 1 {
		t.Fatalf("expected leased pass to succeed, got %#v, %v", summary, err)
	}
	if lease.acquired != 1 || lease.released != 1 {
		t.Fatalf("unexpected lease calls acquired=%d released=%d", lease.acquired, lease.released)
	}
}

func TestDrainRecordsSerializationFailures(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"})
	log.entries[0].Record.Type = "scope.unknown"
	d := NewDrainer(log, &flakyApplier{}, DrainerConfig{MaxAttempts: 1})

	summary, err := d.DrainOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if summary.DeadLettered != 1 {
		t.Fatalf("expected dead-lettered decode failure, got %#v", summary)
	}
	failed, _ := log.ListOutbox(context.Background(), OutboxStatusFailed, 0)
	if len(failed) != 1 || failed[0].LastError == "" {
		t.Fatalf("expected failed entry with error, got %#v", failed)
	}
}

// countingWaker records Wake calls.
type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

func TestDispatchPolicies(t *testing.T) {
	waker := &countingWaker{}
	evt, _ := domain.NewEvent("e1", "s1", domain.ScopeDeleted{}, time.Now())
	NotifyDispatch{Waker: waker}.AfterCommit(context.Background(), []domain.Event{evt})
	NotifyDispatch{Waker: waker}.AfterCommit(context.Background(), nil)
	DeferredDispatch{}.AfterCommit(context.Background(), []domain.Event{evt})
	if got := waker.n.Load(); got != 1 {
		t.Fatalf("expected 1 wake, got %d", got)
	}

	for raw, want := range map[string]DispatchMode{" Immediate ": DispatchImmediate, "deferred": DispatchDeferred, "notify": DispatchNotify} {
		got, err := ParseDispatchMode(raw)
		if err != nil || got != want {
			t.Fatalf("ParseDispatchMode(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseDispatchMode("sometimes"); !errors.Is(err, ErrInvalidDispatch) {
		t.Fatalf("expected ErrInvalidDispatch, got %v", err)
	}
}

func TestDrainSchedulerWakeDrains(t *testing.T) {
	log := newFakeLog()
	enqueueEvents(t, log, [2]string{"a", "a1"})
	d := NewDrainer(log, &flakyApplier{}, DrainerConfig{})
	scheduler, err := NewDrainScheduler(d, SchedulerConfig{Interval: time.Hour, BatchSize: 10})
	if err != nil {
		t.Fatalf("NewDrainScheduler() error = %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = scheduler.Shutdown() })
	scheduler.Wake()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		summary, _ := log.OutboxSummary(context.Background())
		if summary.Processed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler did not drain the outbox after Wake")
}
