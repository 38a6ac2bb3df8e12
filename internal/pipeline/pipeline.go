// Package pipeline assembles the encoding queue, dispatcher, watchdog, publish
// coordinator and periodic scheduler shared by the server and worker binaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-video/backend/config"
	"github.com/aura-video/backend/internal/provider"
	"github.com/aura-video/backend/internal/publisher"
	"github.com/aura-video/backend/internal/videos"
	"github.com/aura-video/backend/internal/watchdog"
	"github.com/aura-video/backend/internal/worker"
	"github.com/aura-video/backend/pkg/queue"
	"github.com/aura-video/backend/pkg/redis"
	"github.com/aura-video/backend/pkg/scheduler"
	"github.com/aura-video/backend/pkg/storage"
)

// Task names registered on the scheduler.
const (
	TaskWatchdog       = watchdog.TaskName
	TaskPublish        = "scheduled-publish"
	TaskStuckSchedules = "stuck-schedules"
	TaskQueueCleanup   = "queue-cleanup"
)

// Pipeline holds the wired encoding components of one process. The queue is
// process-local, so only one process per deployment may dispatch; the others
// run with Encoding.Dispatch off and keep the publish and cleanup tasks.
type Pipeline struct {
	Queue      *queue.Queue
	Videos     *videos.Repository
	Storage    *storage.S3
	Dispatcher *worker.Dispatcher
	Watchdog   *watchdog.Watchdog
	Publisher  *publisher.Coordinator
	Scheduler  *scheduler.Scheduler

	dispatch bool
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New wires the pipeline. rdb may be nil, which disables the distributed task lock.
func New(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, blobs *storage.S3, logger *zap.Logger) (*Pipeline, error) {
	q := queue.NewQueue(queue.Options{
		Concurrency:  cfg.Encoding.Concurrency,
		MaxAttempts:  cfg.Encoding.MaxAttempts,
		Retention:    cfg.Encoding.JobRetention,
		RetryBackoff: cfg.Encoding.RetryBackoff,
	}, logger.Named("queue"))
	repo := videos.NewRepository(pool)

	client := provider.NewClient(cfg.Encoding.ProviderURL, cfg.Encoding.ProviderAPIKey, cfg.Encoding.ProviderTimeout, logger.Named("provider"))
	dispatcher := worker.NewDispatcher(q, repo, client, blobs, worker.Options{
		PollInterval: cfg.Encoding.DispatchInterval,
		CallbackURL:  cfg.Encoding.CallbackURL,
	}, logger.Named("dispatcher"))
	q.Observe(dispatcher)

	wd := watchdog.New(repo, blobs, q, watchdog.Options{
		StuckAfter:   cfg.Watchdog.StuckAfter,
		TimeoutAfter: cfg.Watchdog.TimeoutAfter,
		Priority:     cfg.Encoding.DefaultPriority,
		ManifestURL:  blobs.ManifestURL,
	}, logger.Named("watchdog"))
	pub := publisher.New(repo, nil, logger.Named("publisher"))

	opts := scheduler.Options{LockTTL: cfg.Scheduler.LockTTL}
	if cfg.Scheduler.DistributedLock && rdb != nil {
		opts.Locker = rdb.Locker()
	}
	sched := scheduler.New(opts, logger.Named("scheduler"))
	for _, t := range Tasks(cfg, wd, pub, q, logger) {
		if err := sched.Add(t); err != nil {
			return nil, fmt.Errorf("register task %s: %w", t.Name, err)
		}
	}

	return &Pipeline{
		Queue:      q,
		Videos:     repo,
		Storage:    blobs,
		Dispatcher: dispatcher,
		Watchdog:   wd,
		Publisher:  pub,
		Scheduler:  sched,
		dispatch:   cfg.Encoding.Dispatch,
		logger:     logger,
	}, nil
}

// Tasks returns the periodic tasks for the configured schedules. The watchdog
// re-admits orphans into this process's queue, so it is only registered where
// the dispatcher runs.
func Tasks(cfg *config.Config, wd *watchdog.Watchdog, pub *publisher.Coordinator, q *queue.Queue, logger *zap.Logger) []scheduler.Task {
	tasks := []scheduler.Task{
		{Name: TaskPublish, Schedule: cfg.Publishing.PublishSchedule, Run: pub.RunPublish},
		{Name: TaskStuckSchedules, Schedule: cfg.Publishing.StuckSchedule, Run: pub.RunStuckSchedules},
		{Name: TaskQueueCleanup, Schedule: cfg.Scheduler.CleanupSchedule, Run: func(context.Context) error {
			if n := q.Cleanup(); n > 0 {
				logger.Info("queue cleanup", zap.Int("evicted", n))
			}
			return nil
		}},
	}
	if cfg.Encoding.Dispatch {
		tasks = append(tasks, scheduler.Task{Name: TaskWatchdog, Schedule: cfg.Watchdog.Schedule, Run: wd.Run})
	}
	return tasks
}

// Start runs the scheduler, and the dispatcher when enabled, until ctx is
// cancelled. A dispatching process first runs a watchdog pass through the
// scheduler so PENDING work lost with the previous process is re-admitted.
func (p *Pipeline) Start(ctx context.Context) {
	if p.dispatch {
		switch err := p.Scheduler.RunNow(ctx, TaskWatchdog); {
		case errors.Is(err, scheduler.ErrLocked), errors.Is(err, scheduler.ErrAlreadyRunning):
			p.logger.Info("startup reconciliation skipped", zap.String("reason", err.Error()))
		case err != nil:
			p.logger.Warn("startup reconciliation", zap.Error(err))
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.Dispatcher.Run(ctx)
		}()
	}
	p.Scheduler.Start(ctx)
	p.logger.Info("encoding pipeline started", zap.String("host", hostname()), zap.Bool("dispatch", p.dispatch))
}

// Wait blocks until the dispatcher and scheduler have stopped.
func (p *Pipeline) Wait() {
	p.Scheduler.Wait()
	p.wg.Wait()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
