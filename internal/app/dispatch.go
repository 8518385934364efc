package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hylla/scopeledger/internal/domain"
)

// DispatchMode names a post-commit dispatch strategy.
type DispatchMode string

// DispatchImmediate and related constants define supported dispatch modes.
const (
	DispatchImmediate DispatchMode = "immediate"
	DispatchDeferred  DispatchMode = "deferred"
	DispatchNotify    DispatchMode = "notify"
)

// ParseDispatchMode normalizes a configured dispatch mode.
func ParseDispatchMode(raw string) (DispatchMode, error) {
	switch mode := DispatchMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case DispatchImmediate, DispatchDeferred, DispatchNotify:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDispatch, raw)
	}
}

// DispatchPolicy runs after a command commits. It never fails the command.
type DispatchPolicy interface {
	AfterCommit(ctx context.Context, events []domain.Event)
}

// ImmediateDispatch drains the outbox synchronously so the read model is current when the command returns.
type ImmediateDispatch struct {
	Drainer   *Drainer
	BatchSize int
	Logger    Logger
}

// AfterCommit implements DispatchPolicy.
func (d ImmediateDispatch) AfterCommit(ctx context.Context, events []domain.Event) {
	if d.Drainer == nil || len(events) == 0 {
		return
	}
	summary, err := d.Drainer.DrainUntilEmpty(ctx, d.BatchSize, 0)
	logger := loggerOrNop(d.Logger)
	if err != nil {
		logger.Error("immediate dispatch drain failed", "err", err)
		return
	}
	if summary.Failed > 0 {
		logger.Warn("immediate dispatch left failed entries", "failed", summary.Failed, "dead_lettered", summary.DeadLettered)
	}
}

// DeferredDispatch leaves committed events for a background drainer.
type DeferredDispatch struct{}

// AfterCommit implements DispatchPolicy.
func (DeferredDispatch) AfterCommit(context.Context, []domain.Event) {}

// Waker triggers an out-of-schedule drain pass.
type Waker interface {
	Wake()
}

// NotifyDispatch wakes the background drainer after each commit.
type NotifyDispatch struct {
	Waker Waker
}

// AfterCommit implements DispatchPolicy.
func (d NotifyDispatch) AfterCommit(_ context.Context, events []domain.Event) {
	if d.Waker == nil || len(events) == 0 {
		return
	}
	d.Waker.Wake()
}
