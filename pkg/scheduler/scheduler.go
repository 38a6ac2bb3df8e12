package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while the previous one is still active.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrLocked is returned when another instance holds the task's distributed lock.
	ErrLocked = errors.New("task locked by another instance")
	// ErrUnknownTask is returned by RunNow for unregistered task names.
	ErrUnknownTask = errors.New("unknown task")
)

// DefaultLockTTL bounds how long a crashed instance can hold a task lock.
const DefaultLockTTL = 10 * time.Minute

// Task is a periodic unit of work. Schedule is a standard five-field cron
// expression or a descriptor such as "@every 30s".
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Locker grants cross-instance mutual exclusion. ok is false when another holder has the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Guard is a non-blocking in-process "already running" flag.
type Guard struct {
	running atomic.Bool
}

// TryAcquire sets the flag and reports whether it was previously clear.
func (g *Guard) TryAcquire() bool { return g.running.CompareAndSwap(false, true) }

// Release clears the flag.
func (g *Guard) Release() { g.running.Store(false) }

// Running reports whether the flag is set.
func (g *Guard) Running() bool { return g.running.Load() }

// Options configures a Scheduler.
type Options struct {
	Locker  Locker
	LockTTL time.Duration
	Now     func() time.Time
}

// TaskStatus describes a registered task for ops endpoints.
type TaskStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Running   bool          `json:"running"`
	Next      time.Time     `json:"next"`
	LastStart *time.Time    `json:"last_start,omitempty"`
	LastTook  time.Duration `json:"last_took_ns,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type entry struct {
	task     Task
	schedule cron.Schedule
	guard    Guard

	mu        sync.Mutex
	lastStart *time.Time
	lastTook  time.Duration
	lastErr   error
}

// Scheduler runs each registered task on its own goroutine at its cron fire
// times. Ticks that land while the previous run is active are skipped, not queued.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	locker  Locker
	lockTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates a scheduler with no tasks.
func New(opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		locker:  opts.Locker,
		lockTTL: opts.LockTTL,
		now:     opts.Now,
		logger:  logger,
	}
}

// Add registers a task. Names must be unique.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task requires a name and a run function")
	}
	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", t.Schedule, t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	s.entries[t.Name] = &entry{task: t, schedule: sched}
	return nil
}

// Start launches one loop per task. Loops exit when ctx is cancelled; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.entries)))
}

// Wait blocks until every task loop and in-flight run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow runs the named task once through the same guards as a scheduled tick.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, e)
}

// Tasks returns the status of every registered task sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := s.now()
	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := TaskStatus{
			Name:      e.task.Name,
			Schedule:  e.task.Schedule,
			Running:   e.guard.Running(),
			Next:      e.schedule.Next(now),
			LastStart: e.lastStart,
			LastTook:  e.lastTook,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	for {
		next := e.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		err := s.run(ctx, e)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrLocked):
			s.logger.Info("scheduled tick skipped", zap.String("task", e.task.Name), zap.String("reason", err.Error()))
		default:
			s.logger.Error("scheduled task failed", zap.String("task", e.task.Name), zap.Error(err))
		}
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	if !e.guard.TryAcquire() {
		return ErrAlreadyRunning
	}
	defer e.guard.Release()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, LockKey(e.task.Name), s.lockTTL)
		switch {
		case err != nil:
			s.logger.Warn("distributed lock unavailable, running with local guard only",
				zap.String("task", e.task.Name), zap.Error(err))
		case !ok:
			return ErrLocked
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := unlock(releaseCtx); err != nil {
					s.logger.Warn("release task lock", zap.String("task", e.task.Name), zap.Error(err))
				}
			}()
		}
	}

	start := s.now()
	err := e.task.Run(ctx)
	took := s.now().Sub(start)

	e.mu.Lock()
	e.lastStart = &start
	e.lastTook = took
	e.lastErr = err
	e.mu.Unlock()

	s.logger.Debug("task finished", zap.String("task", e.task.Name), zap.Duration("duration", took), zap.Error(err))
	return err
}

// LockKey is the distributed lock key for a task.
func LockKey(task string) string {
	return "scheduler:lock:" + task
}
