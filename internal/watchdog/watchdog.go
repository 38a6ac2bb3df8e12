package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-video/backend/internal/models"
	"github.com/aura-video/backend/internal/videos"
	"github.com/aura-video/backend/pkg/queue"
	"github.com/aura-video/backend/pkg/scheduler"
	"github.com/aura-video/backend/pkg/storage"
)

const (
	// TaskName is the scheduler task the watchdog runs under. Its distributed
	// lock is scheduler.LockKey(TaskName).
	TaskName = "encoding-watchdog"
	// DefaultStuckAfter is how long a video may sit in ENCODING or PENDING before it is examined.
	DefaultStuckAfter = 30 * time.Minute
	// DefaultTimeoutAfter is how long an ENCODING video without output may run before it is failed.
	DefaultTimeoutAfter = 60 * time.Minute
	// TimeoutError is recorded on videos failed by the timeout path.
	TimeoutError = "Encoding timed out — no webhook received and no output found in storage"
)

// Store is the durable video record as seen by the watchdog.
type Store interface {
	ListStuckEncoding(ctx context.Context, cutoff time.Time) ([]models.Video, error)
	ListOrphanedPending(ctx context.Context, cutoff time.Time) ([]models.Video, error)
	MarkEncodingReady(ctx context.Context, id uuid.UUID, u videos.ReadyUpdate) (bool, error)
	MarkEncodingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time, from ...models.EncodingStatus) (bool, error)
}

// BlobOracle answers whether an encoded artifact exists.
type BlobOracle interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// JobQueue is the subset of the in-memory queue used for orphan recovery.
type JobQueue interface {
	GetJobByVideoID(videoID uuid.UUID) (*queue.Job, bool)
	AddJob(videoID uuid.UUID, inputBlobName string, priority int) string
}

// Options tunes a Watchdog. Zero values fall back to defaults.
type Options struct {
	StuckAfter   time.Duration
	TimeoutAfter time.Duration
	Priority     int
	// ManifestURL builds the public playlist URL recorded on repaired videos.
	ManifestURL func(uuid.UUID) string
	Now         func() time.Time
}

// Report summarises one tick.
type Report struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	StuckFound     int           `json:"stuck_found"`
	RepairedReady  int           `json:"repaired_ready"`
	TimedOut       int           `json:"timed_out"`
	InGrace        int           `json:"in_grace"`
	OrphansFound   int           `json:"orphans_found"`
	Requeued       int           `json:"requeued"`
	SkippedLiveJob int           `json:"skipped_live_job"`
	SkippedNoBlob  int           `json:"skipped_no_blob"`
	Errors         []string      `json:"errors,omitempty"`
}

// Watchdog reconciles the in-memory queue and provider callbacks against the
// durable video record. It repairs ENCODING videos whose callback was lost and
// re-admits PENDING videos whose queue entry was lost on restart.
type Watchdog struct {
	store  Store
	blobs  BlobOracle
	queue  JobQueue
	opts   Options
	guard  scheduler.Guard
	logger *zap.Logger

	mu   sync.Mutex
	last *Report
}

// New creates a watchdog.
func New(store Store, blobs BlobOracle, q JobQueue, opts Options, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.TimeoutAfter <= 0 {
		opts.TimeoutAfter = DefaultTimeoutAfter
	}
	if opts.Priority == 0 {
		opts.Priority = queue.DefaultPriority
	}
	if opts.ManifestURL == nil {
		opts.ManifestURL = func(id uuid.UUID) string { return storage.ManifestURL("", "", "", id) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watchdog{store: store, blobs: blobs, queue: q, opts: opts, logger: logger}
}

// Run adapts Tick to a scheduler task.
func (w *Watchdog) Run(ctx context.Context) error {
	_, err := w.Tick(ctx)
	return err
}

// Tick runs one reconciliation pass. It returns scheduler.ErrAlreadyRunning if a
// pass is in progress. A non-nil error with a report means a listing query failed;
// per-video failures are only recorded in the report.
func (w *Watchdog) Tick(ctx context.Context) (*Report, error) {
	if !w.guard.TryAcquire() {
		return nil, scheduler.ErrAlreadyRunning
	}
	defer w.guard.Release()

	now := w.opts.Now()
	rep := &Report{StartedAt: now}
	stuckErr := w.repairStuck(ctx, now, rep)
	orphanErr := w.recoverOrphans(ctx, now, rep)
	rep.Duration = w.opts.Now().Sub(now)

	w.logger.Info("encoding watchdog tick",
		zap.Int("stuck", rep.StuckFound),
		zap.Int("repaired_ready", rep.RepairedReady),
		zap.Int("timed_out", rep.TimedOut),
		zap.Int("in_grace", rep.InGrace),
		zap.Int("orphans", rep.OrphansFound),
		zap.Int("requeued", rep.Requeued),
		zap.Int("errors", len(rep.Errors)),
		zap.Duration("duration", rep.Duration),
	)
	w.mu.Lock()
	w.last = rep
	w.mu.Unlock()
	return rep, errors.Join(stuckErr, orphanErr)
}

// LastReport returns the report of the most recent completed tick, or nil.
func (w *Watchdog) LastReport() *Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Running reports whether a tick is in progress.
func (w *Watchdog) Running() bool { return w.guard.Running() }

func (w *Watchdog) repairStuck(ctx context.Context, now time.Time, rep *Report) error {
	stuck, err := w.store.ListStuckEncoding(ctx, now.Add(-w.opts.StuckAfter))
	if err != nil {
		w.logger.Error("list stuck encoding videos", zap.Error(err))
		rep.Errors = append(rep.Errors, "list stuck: "+err.Error())
		return fmt.Errorf("list stuck encoding: %w", err)
	}
	rep.StuckFound = len(stuck)
	timeoutCutoff := now.Add(-w.opts.TimeoutAfter)
	for i := range stuck {
		v := &stuck[i]
		if err := w.repairOne(ctx, v, now, timeoutCutoff, rep); err != nil {
			w.logger.Error("repair stuck video", zap.String("video_id", v.ID.String()), zap.Error(err))
			rep.Errors = append(rep.Errors, v.ID.String()+": "+err.Error())
		}
	}
	return nil
}

func (w *Watchdog) repairOne(ctx context.Context, v *models.Video, now, timeoutCutoff time.Time, rep *Report) error {
	exists, err := w.blobs.Exists(ctx, storage.ManifestPath(v.ID))
	if err != nil {
		return fmt.Errorf("check manifest: %w", err)
	}
	if exists {
		applied, err := w.store.MarkEncodingReady(ctx, v.ID, videos.ReadyUpdate{
			ManifestURL: w.opts.ManifestURL(v.ID),
			Tiers:       models.TiersPartial,
			CompletedAt: now,
		})
		if err != nil {
			return fmt.Errorf("mark ready: %w", err)
		}
		if applied {
			rep.RepairedReady++
			w.logger.Info("stuck video repaired to READY from storage", zap.String("video_id", v.ID.String()))
		}
		return nil
	}
	if v.EncodingStartedAt != nil && v.EncodingStartedAt.Before(timeoutCutoff) {
		applied, err := w.store.MarkEncodingFailed(ctx, v.ID, TimeoutError, now, models.EncodingEncoding)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if applied {
			rep.TimedOut++
			w.logger.Warn("stuck video timed out", zap.String("video_id", v.ID.String()), zap.Timep("encoding_started_at", v.EncodingStartedAt))
		}
		return nil
	}
	rep.InGrace++
	w.logger.Info("stuck video within grace window", zap.String("video_id", v.ID.String()), zap.Timep("encoding_started_at", v.EncodingStartedAt))
	return nil
}

func (w *Watchdog) recoverOrphans(ctx context.Context, now time.Time, rep *Report) error {
	orphans, err := w.store.ListOrphanedPending(ctx, now.Add(-w.opts.StuckAfter))
	if err != nil {
		w.logger.Error("list orphaned pending videos", zap.Error(err))
		rep.Errors = append(rep.Errors, "list orphans: "+err.Error())
		return fmt.Errorf("list orphaned pending: %w", err)
	}
	rep.OrphansFound = len(orphans)
	for _, v := range orphans {
		if job, ok := w.queue.GetJobByVideoID(v.ID); ok && job.IsLive() {
			rep.SkippedLiveJob++
			continue
		}
		if v.OriginalBlobName == "" {
			rep.SkippedNoBlob++
			w.logger.Warn("orphaned video has no original blob, cannot requeue", zap.String("video_id", v.ID.String()))
			continue
		}
		jobID := w.queue.AddJob(v.ID, v.OriginalBlobName, w.opts.Priority)
		rep.Requeued++
		w.logger.Info("orphaned video requeued", zap.String("video_id", v.ID.String()), zap.String("job_id", jobID))
	}
	return nil
}
