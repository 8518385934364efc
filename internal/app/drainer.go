package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hylla/scopeledger/internal/domain"
)

// DefaultDrainLeaseName names the lease row shared by every drainer of one database.
const DefaultDrainLeaseName = "outbox-drainer"

// EventApplier projects one decoded event.
type EventApplier interface {
	Apply(ctx context.Context, evt domain.Event) error
}

// DrainerConfig holds configuration for a drainer.
type DrainerConfig struct {
	// MaxAttempts moves an entry to failed after this many failed applies. Zero retries forever.
	MaxAttempts int
	Lease       DrainLease
	LeaseName   string
	LeaseTTL    time.Duration
	Owner       string
	Logger      Logger
	// Clock times lease renewal. Defaults to time.Now.
	Clock Clock
}

// DrainSummary reports what one or more drain passes did.
type DrainSummary struct {
	Fetched      int
	Succeeded    int
	Failed       int
	Deferred     int
	DeadLettered int
	Skipped      int
}

// Add accumulates other into s.
func (s *DrainSummary) Add(other DrainSummary) {
	s.Fetched += other.Fetched
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Deferred += other.Deferred
	s.DeadLettered += other.DeadLettered
	s.Skipped += other.Skipped
}

// Drainer pulls pending outbox entries and projects them in fetch order.
type Drainer struct {
	outbox      Outbox
	applier     EventApplier
	maxAttempts int
	lease       DrainLease
	leaseName   string
	leaseTTL    time.Duration
	owner       string
	logger      Logger
	now         Clock

	mu sync.Mutex
}

// NewDrainer constructs a drainer.
func NewDrainer(outbox Outbox, applier EventApplier, cfg DrainerConfig) *Drainer {
	if strings.TrimSpace(cfg.LeaseName) == "" {
		cfg.LeaseName = DefaultDrainLeaseName
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Drainer{
		outbox:      outbox,
		applier:     applier,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		leaseName:   cfg.LeaseName,
		leaseTTL:    cfg.LeaseTTL,
		owner:       strings.TrimSpace(cfg.Owner),
		logger:      loggerOrNop(cfg.Logger),
		now:         cfg.Clock,
	}
}

// DrainOnce runs one bounded pass over pending entries.
//
// A failed entry is recorded and the pass moves on. Later entries of the same aggregate are
// deferred to a future pass so per-aggregate order holds in the read model.
// The lease is renewed once a third of its TTL has passed; losing it ends the pass as Skipped.
func (d *Drainer) DrainOnce(ctx context.Context, batchSize int) (DrainSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lease != nil {
		acquired, err := d.lease.AcquireLease(ctx, d.leaseName, d.owner, d.leaseTTL)
		if err != nil {
			return DrainSummary{}, fmt.Errorf("acquire drain lease: %w", err)
		}
		if !acquired {
			d.logger.Debug("drain pass skipped, lease held elsewhere", "lease", d.leaseName)
			return DrainSummary{Skipped: 1}, nil
		}
		defer func() {
			if err := d.lease.ReleaseLease(context.WithoutCancel(ctx), d.leaseName, d.owner); err != nil {
				d.logger.Warn("release drain lease failed", "lease", d.leaseName, "err", err)
			}
		}()
	}

	entries, err := d.outbox.FetchPending(ctx, batchSize)
	if err != nil {
		return DrainSummary{}, fmt.Errorf("fetch pending outbox entries: %w", err)
	}
	summary := DrainSummary{Fetched: len(entries)}
	blocked := map[string]struct{}{}
	leasedAt := d.now()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if d.lease != nil && d.now().Sub(leasedAt) >= d.leaseTTL/3 {
			renewed, err := d.lease.AcquireLease(ctx, d.leaseName, d.owner, d.leaseTTL)
			if err != nil {
				return summary, fmt.Errorf("renew drain lease: %w", err)
			}
			if !renewed {
				d.logger.Warn("drain lease lost mid-pass", "lease", d.leaseName, "succeeded", summary.Succeeded)
				summary.Skipped++
				return summary, nil
			}
			leasedAt = d.now()
		}
		aggregateID := entry.Record.AggregateID
		if _, ok := blocked[aggregateID]; ok {
			summary.Deferred++
			continue
		}

		applyErr := d.apply(ctx, entry)
		if applyErr == nil {
			if err := d.outbox.MarkProcessed(ctx, entry.ID); err != nil {
				return summary, fmt.Errorf("mark outbox entry %s processed: %w", entry.ID, err)
			}
			summary.Succeeded++
			continue
		}

		blocked[aggregateID] = struct{}{}
		summary.Failed++
		status, err := d.outbox.MarkFailed(ctx, entry.ID, applyErr.Error(), d.maxAttempts)
		if err != nil {
			return summary, fmt.Errorf("mark outbox entry %s failed: %w", entry.ID, err)
		}
		if status == OutboxStatusFailed {
			summary.DeadLettered++
			d.logger.Error("outbox entry dead-lettered",
				"entry_id", entry.ID,
				"event_id", entry.Record.EventID,
				"aggregate_id", aggregateID,
				"attempts", entry.Attempts+1,
				"err", applyErr,
			)
			continue
		}
		d.logger.Warn("outbox entry projection failed",
			"entry_id", entry.ID,
			"event_id", entry.Record.EventID,
			"aggregate_id", aggregateID,
			"event_type", string(entry.Record.Type),
			"err", applyErr,
		)
	}
	if summary.Fetched > 0 {
		d.logger.Debug("drain pass finished",
			"fetched", summary.Fetched,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
			"deferred", summary.Deferred,
		)
	}
	return summary, nil
}

// DrainUntilEmpty repeats DrainOnce until a pass fetches nothing, is skipped, or maxPasses is reached.
func (d *Drainer) DrainUntilEmpty(ctx context.Context, batchSize, maxPasses int) (DrainSummary, error) {
	if maxPasses <= 0 {
		maxPasses = 100
	}
	var total DrainSummary
	for range maxPasses {
		pass, err := d.DrainOnce(ctx, batchSize)
		total.Add(pass)
		if err != nil {
			return total, err
		}
		if pass.Fetched == 0 || pass.Skipped > 0 {
			break
		}
	}
	return total, nil
}

// apply decodes and projects one entry.
func (d *Drainer) apply(ctx context.Context, entry OutboxEntry) error {
	evt, err := domain.DecodeEvent(entry.Record)
	if err != nil {
		return err
	}
	return d.applier.Apply(ctx, evt)
}
