package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPriority is the priority given to ordinary uploads. Lower is more urgent.
	DefaultPriority = 10
	// DefaultConcurrency is the number of jobs allowed in processing at once.
	DefaultConcurrency = 2
	// MaxAttempts is the number of dispatch attempts before a job fails permanently.
	MaxAttempts = 3
	// DefaultRetention is how long finished jobs are kept for inspection.
	DefaultRetention = 24 * time.Hour
	// DefaultRetryBackoff is the wait after a first failed attempt; later attempts wait a multiple of it.
	DefaultRetryBackoff = 10 * time.Second
)

var (
	// ErrJobNotFound is returned for unknown or evicted job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotProcessing is returned when completing or failing a job that is not in processing.
	ErrNotProcessing = errors.New("job is not processing")
)

// Options tunes a Queue. Zero values fall back to the package defaults.
type Options struct {
	Concurrency  int
	MaxAttempts  int
	Retention    time.Duration
	RetryBackoff time.Duration
	Now          func() time.Time
}

// Queue is an in-process, priority-ordered encoding job tracker. It holds no
// durable state: a restart loses every job, and the encoding watchdog re-admits
// work from the video records.
type Queue struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	byVideo    map[uuid.UUID]string
	pending    []*Job
	processing map[string]struct{}

	concurrency  int
	maxAttempts  int
	retention    time.Duration
	retryBackoff time.Duration
	now          func() time.Time

	notifiers []Notifier
	logger    *zap.Logger
}

// NewQueue creates an empty queue.
func NewQueue(opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = MaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		jobs:         make(map[string]*Job),
		byVideo:      make(map[uuid.UUID]string),
		processing:   make(map[string]struct{}),
		concurrency:  opts.Concurrency,
		maxAttempts:  opts.MaxAttempts,
		retention:    opts.Retention,
		retryBackoff: opts.RetryBackoff,
		now:          opts.Now,
		logger:       logger,
	}
}

// Observe registers n for every subsequent queue event.
func (q *Queue) Observe(n Notifier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifiers = append(q.notifiers, n)
}

// AddJob admits a pending job and returns its ID. Duplicate video IDs are not
// rejected here; callers check GetJobByVideoID first.
func (q *Queue) AddJob(videoID uuid.UUID, inputBlobName string, priority int) string {
	q.mu.Lock()
	job := &Job{
		ID:            uuid.New().String(),
		VideoID:       videoID,
		InputBlobName: inputBlobName,
		Priority:      priority,
		Status:        StatusPending,
		MaxAttempts:   q.maxAttempts,
		CreatedAt:     q.now(),
	}
	q.jobs[job.ID] = job
	q.byVideo[videoID] = job.ID
	q.insertPending(job)
	ev := q.event(EventAdded, job)
	q.mu.Unlock()

	q.logger.Debug("encoding job added",
		zap.String("job_id", job.ID),
		zap.String("video_id", videoID.String()),
		zap.Int("priority", priority),
	)
	q.notify(ev)
	return job.ID
}

// GetNextJob moves the most urgent ready pending job into processing and returns it.
// Jobs still in their retry backoff are passed over. It returns nil when the
// concurrency ceiling is reached or nothing is ready.
func (q *Queue) GetNextJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.processing) >= q.concurrency {
		return nil
	}
	now := q.now()
	i := q.nextReady(now)
	if i < 0 {
		return nil
	}
	job := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)

	job.Status = StatusProcessing
	job.StartedAt = &now
	job.NotBefore = nil
	job.Attempts++
	q.processing[job.ID] = struct{}{}
	return job.snapshot()
}

// CompleteJob marks a processing job completed.
func (q *Queue) CompleteJob(jobID string) error {
	q.mu.Lock()
	job, err := q.processingJob(jobID)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	delete(q.processing, jobID)
	now := q.now()
	job.Status = StatusCompleted
	job.FinishedAt = &now
	job.Error = ""
	ev := q.event(EventCompleted, job)
	q.mu.Unlock()

	q.logger.Debug("encoding job completed", zap.String("job_id", jobID), zap.String("video_id", job.VideoID.String()))
	q.notify(ev)
	return nil
}

// FailJob records a failed attempt. With retry set and attempts remaining the
// job goes back to pending; otherwise it fails permanently. The returned job is
// a snapshot after the transition.
func (q *Queue) FailJob(jobID string, cause error, retry bool) (*Job, error) {
	q.mu.Lock()
	job, err := q.processingJob(jobID)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	delete(q.processing, jobID)
	if cause != nil {
		job.Error = cause.Error()
	}

	var ev Event
	if retry && job.Attempts < job.MaxAttempts {
		notBefore := q.now().Add(q.retryBackoff * time.Duration(job.Attempts))
		job.Status = StatusPending
		job.StartedAt = nil
		job.NotBefore = &notBefore
		q.insertPending(job)
		ev = q.event(EventRetry, job)
	} else {
		now := q.now()
		job.Status = StatusFailed
		job.FinishedAt = &now
		ev = q.event(EventFailed, job)
	}
	snap := job.snapshot()
	q.mu.Unlock()

	q.logger.Debug("encoding job failed",
		zap.String("job_id", jobID),
		zap.String("video_id", snap.VideoID.String()),
		zap.Int("attempt", snap.Attempts),
		zap.String("status", string(snap.Status)),
		zap.String("error", snap.Error),
	)
	q.notify(ev)
	return snap, nil
}

// GetJob returns a snapshot of the job with the given ID.
func (q *Queue) GetJob(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// GetJobByVideoID returns a snapshot of the most recent job admitted for videoID.
func (q *Queue) GetJobByVideoID(videoID uuid.UUID) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byVideo[videoID]
	if !ok {
		return nil, false
	}
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// GetStats counts jobs by status.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(q.jobs)
	return s
}

// HasAvailableJobs reports whether GetNextJob would return a job.
func (q *Queue) HasAvailableJobs() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing) < q.concurrency && q.nextReady(q.now()) >= 0
}

// Cleanup evicts completed and failed jobs that finished before the retention
// window and returns how many were removed.
func (q *Queue) Cleanup() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.retention)
	removed := 0
	for id, job := range q.jobs {
		if !job.Terminal() {
			continue
		}
		finished := job.CreatedAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		delete(q.jobs, id)
		if q.byVideo[job.VideoID] == id {
			delete(q.byVideo, job.VideoID)
		}
		removed++
	}
	if removed > 0 {
		q.logger.Info("evicted finished encoding jobs", zap.Int("count", removed))
	}
	return removed
}

func (q *Queue) processingJob(jobID string) (*Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if _, ok := q.processing[jobID]; !ok {
		return nil, ErrNotProcessing
	}
	return job, nil
}

// nextReady returns the index of the first pending job not in backoff, or -1.
func (q *Queue) nextReady(now time.Time) int {
	for i, job := range q.pending {
		if job.NotBefore == nil || !job.NotBefore.After(now) {
			return i
		}
	}
	return -1
}

// insertPending keeps pending sorted by ascending priority, ties in insertion order.
func (q *Queue) insertPending(job *Job) {
	i := len(q.pending)
	for idx, p := range q.pending {
		if p.Priority > job.Priority {
			i = idx
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = job
}

func (q *Queue) event(t EventType, job *Job) Event {
	return Event{Type: t, Job: *job.snapshot(), At: q.now()}
}

func (q *Queue) notify(ev Event) {
	q.mu.Lock()
	notifiers := make([]Notifier, len(q.notifiers))
	copy(notifiers, q.notifiers)
	q.mu.Unlock()
	for _, n := range notifiers {
		n.Notify(ev)
	}
}
