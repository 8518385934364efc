package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// SchedulerConfig holds configuration for the background drain scheduler.
type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	Logger    Logger
}

// DrainScheduler runs drain passes on an interval in singleton mode.
type DrainScheduler struct {
	drainer   *Drainer
	interval  time.Duration
	batchSize int
	logger    Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
	cancel    context.CancelFunc
}

// NewDrainScheduler constructs a scheduler around drainer.
func NewDrainScheduler(drainer *Drainer, cfg SchedulerConfig) (*DrainScheduler, error) {
	if drainer == nil {
		return nil, errors.New("drain scheduler: drainer is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &DrainScheduler{
		drainer:   drainer,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    loggerOrNop(cfg.Logger),
	}, nil
}

// Start registers the drain job and starts the scheduler. Passes use ctx until Shutdown.
func (s *DrainScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return errors.New("drain scheduler: already started")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create drain scheduler: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	job, err := scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.runPass(runCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("outbox-drain"),
	)
	if err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return fmt.Errorf("register drain job: %w", err)
	}
	scheduler.Start()

	s.scheduler = scheduler
	s.job = job
	s.cancel = cancel
	s.logger.Info("outbox drain scheduler started", "interval", s.interval.String(), "batch_size", s.batchSize)
	return nil
}

// Wake requests an immediate pass. It is a no-op before Start.
func (s *DrainScheduler) Wake() {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil {
		return
	}
	if err := job.RunNow(); err != nil {
		s.logger.Warn("wake drain job failed", "err", err)
	}
}

// Shutdown stops scheduling and waits for a running pass to finish.
func (s *DrainScheduler) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return nil
	}
	s.cancel()
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	s.job = nil
	s.logger.Info("outbox drain scheduler stopped")
	return err
}

// runPass executes one drain pass and logs its outcome.
func (s *DrainScheduler) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := s.drainer.DrainOnce(ctx, s.batchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("background drain pass failed", "err", err)
		}
		return
	}
	if summary.Succeeded > 0 || summary.Failed > 0 {
		s.logger.Info("background drain pass",
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
			"deferred", summary.Deferred,
			"dead_lettered", summary.DeadLettered,
		)
	}
}
