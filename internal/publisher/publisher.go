package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-video/backend/internal/models"
)

// Store is the durable video record as seen by the publish coordinator.
type Store interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]models.Video, error)
	Publish(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListUnpublishable(ctx context.Context, now time.Time) ([]models.Video, error)
	DemoteToDraft(ctx context.Context, id uuid.UUID) (bool, error)
}

// Result summarises one publish pass.
type Result struct {
	Processed int      `json:"processed"`
	Published int      `json:"published"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Coordinator promotes scheduled videos once they are encoded and approved, and
// demotes scheduled videos that can never be published.
type Coordinator struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// New creates a coordinator. now may be nil.
func New(store Store, now func() time.Time, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{store: store, now: now, logger: logger}
}

// PublishDue publishes every scheduled video whose time has come. Each video is
// updated independently; failures are collected in the result. Listed rows that
// do not satisfy Video.Publishable are not written.
func (c *Coordinator) PublishDue(ctx context.Context) (Result, error) {
	now := c.now()
	res := Result{Errors: []string{}}
	due, err := c.store.ListDueScheduled(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list due scheduled: %w", err)
	}
	for _, v := range due {
		if !v.Publishable() {
			c.logger.Warn("listed video not publishable, skipped",
				zap.String("video_id", v.ID.String()),
				zap.String("encoding_status", string(v.EncodingStatus)),
				zap.String("moderation_status", string(v.ModerationStatus)),
			)
			continue
		}
		res.Processed++
		applied, err := c.store.Publish(ctx, v.ID, now)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", v.ID, err))
			c.logger.Error("publish scheduled video", zap.String("video_id", v.ID.String()), zap.Error(err))
			continue
		}
		if applied {
			res.Published++
			c.logger.Info("scheduled video published", zap.String("video_id", v.ID.String()))
		}
	}
	if res.Processed > 0 {
		c.logger.Info("publish pass finished",
			zap.Int("processed", res.Processed), zap.Int("published", res.Published), zap.Int("failed", res.Failed))
	}
	return res, nil
}

// HandleStuckSchedules demotes overdue scheduled videos whose encode failed or
// whose moderation was rejected back to DRAFT. It returns how many were demoted.
func (c *Coordinator) HandleStuckSchedules(ctx context.Context) (int, error) {
	stuck, err := c.store.ListUnpublishable(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("list unpublishable: %w", err)
	}
	handled := 0
	for _, v := range stuck {
		if !v.Unpublishable() {
			continue
		}
		applied, err := c.store.DemoteToDraft(ctx, v.ID)
		if err != nil {
			c.logger.Error("demote stuck schedule", zap.String("video_id", v.ID.String()), zap.Error(err))
			continue
		}
		if applied {
			handled++
			c.logger.Info("stuck schedule demoted to draft",
				zap.String("video_id", v.ID.String()),
				zap.String("encoding_status", string(v.EncodingStatus)),
				zap.String("moderation_status", string(v.ModerationStatus)),
			)
		}
	}
	return handled, nil
}

// RunPublish adapts PublishDue to a scheduler task.
func (c *Coordinator) RunPublish(ctx context.Context) error {
	_, err := c.PublishDue(ctx)
	return err
}

// RunStuckSchedules adapts HandleStuckSchedules to a scheduler task.
func (c *Coordinator) RunStuckSchedules(ctx context.Context) error {
	_, err := c.HandleStuckSchedules(ctx)
	return err
}
