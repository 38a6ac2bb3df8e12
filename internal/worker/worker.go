package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-video/backend/internal/models"
	"github.com/aura-video/backend/internal/provider"
	"github.com/aura-video/backend/pkg/queue"
)

// DefaultPollInterval is how often the dispatcher checks the queue when not woken by an event.
const DefaultPollInterval = 2 * time.Second

// JobQueue is the queue surface the dispatcher drives.
type JobQueue interface {
	HasAvailableJobs() bool
	GetNextJob() *queue.Job
	CompleteJob(jobID string) error
	FailJob(jobID string, cause error, retry bool) (*queue.Job, error)
}

// Store records dispatch outcomes on the durable video.
type Store interface {
	MarkEncodingStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkEncodingPending(ctx context.Context, id uuid.UUID) (bool, error)
	MarkEncodingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time, from ...models.EncodingStatus) (bool, error)
}

// Submitter hands an encode to the provider.
type Submitter interface {
	Submit(ctx context.Context, r provider.Request) (string, error)
}

// Inputs resolves where the provider reads input and writes output.
type Inputs interface {
	PresignedInputURL(ctx context.Context, blobName string) (string, error)
	OutputPrefix(videoID uuid.UUID) string
}

// Options configures a Dispatcher.
type Options struct {
	PollInterval time.Duration
	CallbackURL  string
	Now          func() time.Time
}

// Dispatcher moves queued encoding jobs to the provider, one goroutine per job.
// The queue's processing set bounds how many run at once.
type Dispatcher struct {
	queue    JobQueue
	store    Store
	provider Submitter
	inputs   Inputs
	opts     Options
	wake     chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewDispatcher creates an encoding dispatcher.
func NewDispatcher(q JobQueue, store Store, p Submitter, inputs Inputs, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		queue:    q,
		store:    store,
		provider: p,
		inputs:   inputs,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// Notify wakes the dispatch loop when work is added or freed. It never blocks.
func (d *Dispatcher) Notify(e queue.Event) {
	switch e.Type {
	case queue.EventAdded, queue.EventRetry, queue.EventCompleted, queue.EventFailed:
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight dispatches.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	d.logger.Info("encoding dispatcher started", zap.Duration("poll_interval", d.opts.PollInterval))
	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("encoding dispatcher stopping")
			d.wg.Wait()
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for d.queue.HasAvailableJobs() {
		job := d.queue.GetNextJob()
		if job == nil {
			return
		}
		d.wg.Add(1)
		go func(job *queue.Job) {
			defer d.wg.Done()
			d.Dispatch(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// Dispatch processes one job taken from the queue and records the outcome on
// both the queue and, when the job ends failed, the durable record.
func (d *Dispatcher) Dispatch(ctx context.Context, job *queue.Job) {
	log := d.logger.With(zap.String("job_id", job.ID), zap.String("video_id", job.VideoID.String()), zap.Int("attempt", job.Attempts))
	err := d.Process(ctx, job)
	if err == nil {
		if cerr := d.queue.CompleteJob(job.ID); cerr != nil {
			log.Error("complete job", zap.Error(cerr))
		}
		return
	}

	retry := !errors.Is(err, provider.ErrRejected)
	after, ferr := d.queue.FailJob(job.ID, err, retry)
	if ferr != nil {
		log.Error("fail job", zap.Error(ferr))
		return
	}
	if after.Status != queue.StatusFailed {
		log.Warn("encode dispatch failed, will retry", zap.Error(err))
		return
	}
	log.Error("encode dispatch failed permanently", zap.Error(err))
	if _, serr := d.store.MarkEncodingFailed(ctx, job.VideoID, after.Error, d.opts.Now(), models.EncodingPending, models.EncodingEncoding); serr != nil {
		log.Error("record encoding failure", zap.Error(serr))
	}
}

// Process marks the video ENCODING before submitting it to the provider. A
// failed submit returns the record to PENDING. A video no longer awaiting
// encode is skipped without contacting the provider.
func (d *Dispatcher) Process(ctx context.Context, job *queue.Job) error {
	log := d.logger.With(zap.String("job_id", job.ID), zap.String("video_id", job.VideoID.String()))
	inputURL, err := d.inputs.PresignedInputURL(ctx, job.InputBlobName)
	if err != nil {
		return fmt.Errorf("presign input: %w", err)
	}
	applied, err := d.store.MarkEncodingStarted(ctx, job.VideoID, d.opts.Now())
	if err != nil {
		return fmt.Errorf("mark encoding started: %w", err)
	}
	if !applied {
		log.Warn("video no longer awaiting encode, job dropped")
		return nil
	}

	providerJobID, err := d.provider.Submit(ctx, provider.Request{
		VideoID:      job.VideoID,
		InputURL:     inputURL,
		OutputPrefix: d.inputs.OutputPrefix(job.VideoID),
		CallbackURL:  d.opts.CallbackURL,
		Priority:     job.Priority,
	})
	if err != nil {
		if _, rerr := d.store.MarkEncodingPending(ctx, job.VideoID); rerr != nil {
			log.Error("return video to pending", zap.Error(rerr))
		}
		return err
	}
	log.Info("encode submitted", zap.String("provider_job_id", providerJobID))
	return nil
}
