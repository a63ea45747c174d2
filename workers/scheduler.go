package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"soullink-events/broadcast"
	"soullink-events/logging"
	"soullink-events/middleware"
	"soullink-events/services"
)

// Scheduler runs the service's periodic maintenance. Jobs run in singleton mode: a slow run
// delays the next tick instead of overlapping it.
type Scheduler struct {
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

func NewScheduler(logger *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{sched: sched, ctx: ctx, cancel: cancel, logger: logging.OrNop(logger)}, nil
}

func (s *Scheduler) add(name string, every time.Duration, task func(ctx context.Context)) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() { task(s.ctx) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	return nil
}

// AddIdempotencyPurge deletes idempotency records older than ttl every interval.
func (s *Scheduler) AddIdempotencyPurge(guard *services.IdempotencyGuard, ttl, every time.Duration) error {
	return s.add("idempotency-purge", every, func(ctx context.Context) {
		n, err := guard.Purge(ctx, ttl)
		if err != nil {
			s.logger.Error("[Scheduler] idempotency purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("[Scheduler] purged idempotency keys", zap.Int64("deleted", n))
		}
	})
}

// AddHubStats logs live connection counts per run.
func (s *Scheduler) AddHubStats(hub *broadcast.Hub, every time.Duration) error {
	return s.add("hub-stats", every, func(context.Context) {
		snap := hub.Snapshot()
		s.logger.Info("[Scheduler] live connections",
			zap.Int("total", hub.TotalConnections()),
			zap.Int("runs", len(snap)),
			zap.Any("per_run", snap),
		)
	})
}

// AddLimiterSweep drops idle per-player rate limiters.
func (s *Scheduler) AddLimiterSweep(limiter *middleware.SubmitLimiter, every time.Duration) error {
	return s.add("limiter-sweep", every, func(context.Context) {
		s.logger.Debug("[Scheduler] swept idle limiters", zap.Int("active", limiter.Sweep()))
	})
}

// AddArchive exports new events to object storage.
func (s *Scheduler) AddArchive(archiver *Archiver, every time.Duration) error {
	return s.add("event-archive", every, func(ctx context.Context) {
		n, err := archiver.ArchiveAll(ctx)
		if err != nil {
			s.logger.Error("[Scheduler] archive failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("[Scheduler] archived event batches", zap.Int("objects", n))
		}
	})
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Info("[Scheduler] started", zap.Int("jobs", len(s.sched.Jobs())))
}

// Shutdown cancels in-flight jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	s.logger.Info("[Scheduler] stopped")
	return nil
}
