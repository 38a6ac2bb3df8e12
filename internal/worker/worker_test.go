package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-video/backend/internal/models"
	"github.com/aura-video/backend/internal/provider"
	"github.com/aura-video/backend/pkg/queue"
)

// calls records store and provider interactions in order.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeStore struct {
	mu       sync.Mutex
	calls    *calls
	status   map[uuid.UUID]models.EncodingStatus
	failed   map[uuid.UUID]string
	startErr error
}

func newFakeStore(c *calls) *fakeStore {
	return &fakeStore{calls: c, status: map[uuid.UUID]models.EncodingStatus{}, failed: map[uuid.UUID]string{}}
}

func (s *fakeStore) get(id uuid.UUID) models.EncodingStatus {
	if st, ok := s.status[id]; ok {
		return st
	}
	return models.EncodingPending
}

func (s *fakeStore) statusOf(id uuid.UUID) models.EncodingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *fakeStore) MarkEncodingStarted(_ context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.add("start")
	if s.startErr != nil {
		return false, s.startErr
	}
	if st := s.get(id); st != models.EncodingPending && st != models.EncodingFailed {
		return false, nil
	}
	s.status[id] = models.EncodingEncoding
	return true, nil
}

func (s *fakeStore) MarkEncodingPending(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.add("reset")
	if s.get(id) != models.EncodingEncoding {
		return false, nil
	}
	s.status[id] = models.EncodingPending
	return true, nil
}

func (s *fakeStore) MarkEncodingFailed(_ context.Context, id uuid.UUID, reason string, _ time.Time, from ...models.EncodingStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.get(id) == f {
			s.status[id] = models.EncodingFailed
			s.failed[id] = reason
			return true, nil
		}
	}
	return false, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	calls    *calls
	requests []provider.Request
	errs     []error
	block    chan struct{}
}

func (p *fakeProvider) Submit(_ context.Context, r provider.Request) (string, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls != nil {
		p.calls.add("submit")
	}
	p.requests = append(p.requests, r)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("prov-%d", len(p.requests)), nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeInputs struct{}

func (fakeInputs) PresignedInputURL(_ context.Context, blob string) (string, error) {
	return "https://signed/" + blob, nil
}

func (fakeInputs) OutputPrefix(id uuid.UUID) string { return "videos-encoded/" + id.String() + "/" }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDispatch_MarksEncodingBeforeSubmit(t *testing.T) {
	log := &calls{}
	q := queue.NewQueue(queue.Options{}, nil)
	store := newFakeStore(log)
	p := &fakeProvider{calls: log}
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{CallbackURL: "https://api/webhooks/encoding"}, nil)

	videoID := uuid.New()
	id := q.AddJob(videoID, "uploads/a.mp4", 3)
	job := q.GetNextJob()
	require.NotNil(t, job)

	d.Dispatch(context.Background(), job)

	assert.Equal(t, []string{"start", "submit"}, log.all())
	require.Len(t, p.requests, 1)
	req := p.requests[0]
	assert.Equal(t, videoID, req.VideoID)
	assert.Equal(t, "https://signed/uploads/a.mp4", req.InputURL)
	assert.Equal(t, "videos-encoded/"+videoID.String()+"/", req.OutputPrefix)
	assert.Equal(t, "https://api/webhooks/encoding", req.CallbackURL)
	assert.Equal(t, 3, req.Priority)
	assert.Equal(t, models.EncodingEncoding, store.statusOf(videoID))

	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestDispatch_SubmitFailureReturnsVideoToPending(t *testing.T) {
	log := &calls{}
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewQueue(queue.Options{Now: c.Now}, nil)
	store := newFakeStore(log)
	p := &fakeProvider{calls: log, errs: []error{errors.New("provider status 503")}}
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{}, nil)

	videoID := uuid.New()
	id := q.AddJob(videoID, "uploads/a.mp4", queue.DefaultPriority)
	d.Dispatch(context.Background(), q.GetNextJob())

	assert.Equal(t, []string{"start", "submit", "reset"}, log.all())
	assert.Equal(t, models.EncodingPending, store.statusOf(videoID))
	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Empty(t, store.failed)
}

func TestDispatch_StoreErrorNeverSubmits(t *testing.T) {
	log := &calls{}
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewQueue(queue.Options{Now: c.Now}, nil)
	store := newFakeStore(log)
	store.startErr = errors.New("db down")
	p := &fakeProvider{calls: log}
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{Now: c.Now}, nil)

	id := q.AddJob(uuid.New(), "uploads/a.mp4", queue.DefaultPriority)
	for i := 0; i < queue.MaxAttempts; i++ {
		job := q.GetNextJob()
		require.NotNil(t, job)
		d.Dispatch(context.Background(), job)
		c.Advance(time.Hour)
	}

	assert.Zero(t, p.count(), "the provider is never asked to encode a video that was not marked ENCODING")
	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusFailed, got.Status)
}

func TestDispatch_SkipsVideoNoLongerAwaitingEncode(t *testing.T) {
	log := &calls{}
	q := queue.NewQueue(queue.Options{}, nil)
	store := newFakeStore(log)
	videoID := uuid.New()
	store.status[videoID] = models.EncodingReady
	p := &fakeProvider{calls: log}
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{}, nil)

	id := q.AddJob(videoID, "uploads/a.mp4", queue.DefaultPriority)
	d.Dispatch(context.Background(), q.GetNextJob())

	assert.Zero(t, p.count())
	assert.Equal(t, models.EncodingReady, store.statusOf(videoID))
	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestDispatch_TransientFailureRetriesThenFailsDurably(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewQueue(queue.Options{Now: c.Now}, nil)
	store := newFakeStore(&calls{})
	unavailable := errors.New("submit status: 503")
	p := &fakeProvider{errs: []error{unavailable, unavailable, unavailable}}
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{Now: c.Now}, nil)

	videoID := uuid.New()
	id := q.AddJob(videoID, "uploads/a.mp4", queue.DefaultPriority)
	for i := 0; i < queue.MaxAttempts; i++ {
		job := q.GetNextJob()
		require.NotNil(t, job)
		d.Dispatch(context.Background(), job)
		if i < queue.MaxAttempts-1 {
			assert.Empty(t, store.failed, "durable record untouched while retries remain")
			assert.Equal(t, models.EncodingPending, store.statusOf(videoID))
		}
		c.Advance(time.Hour)
	}

	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, "submit status: 503", store.failed[videoID])
	assert.Equal(t, models.EncodingFailed, store.statusOf(videoID))
	assert.Nil(t, q.GetNextJob())
}

func TestDispatch_RejectionIsPermanent(t *testing.T) {
	q := queue.NewQueue(queue.Options{}, nil)
	store := newFakeStore(&calls{})
	p := &fakeProvider{errs: []error{fmt.Errorf("%w: status 400", provider.ErrRejected)}}
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{}, nil)

	videoID := uuid.New()
	id := q.AddJob(videoID, "uploads/a.mp4", queue.DefaultPriority)
	d.Dispatch(context.Background(), q.GetNextJob())

	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, store.failed[videoID], "rejected")
}

func TestRun_WaitsForRetryBackoff(t *testing.T) {
	q := queue.NewQueue(queue.Options{RetryBackoff: time.Hour}, nil)
	unavailable := errors.New("provider status 503")
	p := &fakeProvider{errs: []error{unavailable, unavailable, unavailable}}
	store := newFakeStore(&calls{})
	d := NewDispatcher(q, store, p, fakeInputs{}, Options{PollInterval: time.Millisecond}, nil)
	q.Observe(d)
	videoID := uuid.New()
	id := q.AddJob(videoID, "uploads/a.mp4", queue.DefaultPriority)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, p.count(), "a transient failure is not retried before the backoff elapses")
	got, _ := q.GetJob(id)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, store.failed)
}

func TestRun_RespectsConcurrencyCeiling(t *testing.T) {
	q := queue.NewQueue(queue.Options{Concurrency: 2}, nil)
	p := &fakeProvider{block: make(chan struct{})}
	d := NewDispatcher(q, newFakeStore(&calls{}), p, fakeInputs{}, Options{PollInterval: 5 * time.Millisecond}, nil)
	q.Observe(d)
	for i := 0; i < 5; i++ {
		q.AddJob(uuid.New(), "uploads/x.mp4", queue.DefaultPriority)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.GetStats().Processing == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s := q.GetStats()
	assert.Equal(t, 2, s.Processing)
	assert.Equal(t, 3, s.Pending)

	close(p.block)
	require.Eventually(t, func() bool { return q.GetStats().Completed == 5 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 5, p.count())

	cancel()
	<-done
}
