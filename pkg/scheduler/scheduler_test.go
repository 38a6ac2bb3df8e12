package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	err     error
	unlocks int
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.unlocks++
		return nil
	}, true, nil
}

func TestScheduler_AddValidates(t *testing.T) {
	s := New(Options{}, nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Name: "bad", Schedule: "every five minutes", Run: noop}))
	assert.Error(t, s.Add(Task{Name: "", Schedule: "* * * * *", Run: noop}))
	assert.Error(t, s.Add(Task{Name: "nil-run", Schedule: "* * * * *"}))

	require.NoError(t, s.Add(Task{Name: "watchdog", Schedule: "*/5 * * * *", Run: noop}))
	assert.Error(t, s.Add(Task{Name: "watchdog", Schedule: "*/5 * * * *", Run: noop}), "duplicate names are rejected")
}

func TestScheduler_RunNowUnknownTask(t *testing.T) {
	s := New(Options{}, nil)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownTask)
}

func TestScheduler_RunNowSkipsWhileRunning(t *testing.T) {
	s := New(Options{}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "slow", Schedule: "* * * * *", Run: func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrAlreadyRunning)
	assert.True(t, s.Tasks()[0].Running)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, s.Tasks()[0].Running)
}

func TestScheduler_DistributedLock(t *testing.T) {
	locker := newFakeLocker()
	s := New(Options{Locker: locker}, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "publish", Schedule: "* * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	require.NoError(t, s.RunNow(context.Background(), "publish"))
	assert.Equal(t, 1, locker.unlocks, "lock is released after the run")

	locker.held[LockKey("publish")] = true
	assert.ErrorIs(t, s.RunNow(context.Background(), "publish"), ErrLocked)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_LockErrorFallsBackToLocalGuard(t *testing.T) {
	locker := newFakeLocker()
	locker.err = errors.New("redis down")
	s := New(Options{Locker: locker}, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "watchdog", Schedule: "* * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	require.NoError(t, s.RunNow(context.Background(), "watchdog"))
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_RecordsLastRun(t *testing.T) {
	s := New(Options{}, nil)
	boom := errors.New("boom")
	require.NoError(t, s.Add(Task{Name: "a", Schedule: "*/15 * * * *", Run: func(context.Context) error { return boom }}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "a"), boom)
	st := s.Tasks()
	require.Len(t, st, 1)
	assert.Equal(t, "boom", st[0].LastError)
	assert.NotNil(t, st[0].LastStart)
	assert.Equal(t, 0, st[0].Next.Minute()%15)
}

func TestScheduler_StartRunsOnScheduleAndStops(t *testing.T) {
	s := New(Options{}, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	s.Wait()
}

func TestScheduler_ConcurrentRunsNeverOverlap(t *testing.T) {
	s := New(Options{}, nil)
	var active, maxActive, runs, skipped atomic.Int32
	require.NoError(t, s.Add(Task{Name: "slow", Schedule: "*/5 * * * *", Run: func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(s.RunNow(context.Background(), "slow"), ErrAlreadyRunning) {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int32(8), runs.Load()+skipped.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}
