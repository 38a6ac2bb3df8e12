package ops

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-video/backend/internal/models"
	"github.com/aura-video/backend/internal/publisher"
	"github.com/aura-video/backend/internal/videos"
	"github.com/aura-video/backend/internal/watchdog"
	"github.com/aura-video/backend/pkg/queue"
	"github.com/aura-video/backend/pkg/response"
	"github.com/aura-video/backend/pkg/scheduler"
)

// QueueReader exposes read-only queue state.
type QueueReader interface {
	GetStats() queue.Stats
	GetJob(jobID string) (*queue.Job, bool)
	GetJobByVideoID(videoID uuid.UUID) (*queue.Job, bool)
}

// VideoReader loads durable video records.
type VideoReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
}

// WatchdogReports exposes the outcome of the latest reconciliation pass.
type WatchdogReports interface {
	LastReport() *watchdog.Report
}

// PublishRunner runs the publish and stuck-schedule passes on demand.
type PublishRunner interface {
	PublishDue(ctx context.Context) (publisher.Result, error)
	HandleStuckSchedules(ctx context.Context) (int, error)
}

// Tasks reports periodic task status and runs tasks on demand.
type Tasks interface {
	Tasks() []scheduler.TaskStatus
	RunNow(ctx context.Context, name string) error
}

// Handler serves the operator endpoints for the encoding pipeline.
type Handler struct {
	queue     QueueReader
	videos    VideoReader
	watchdog  WatchdogReports
	publisher PublishRunner
	tasks     Tasks
	logger    *zap.Logger
}

// NewHandler creates an ops handler. tasks may be nil when no scheduler runs in-process.
func NewHandler(q QueueReader, v VideoReader, w WatchdogReports, p PublishRunner, tasks Tasks, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, videos: v, watchdog: w, publisher: p, tasks: tasks, logger: logger}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok", "queue": h.queue.GetStats()})
}

// QueueStats handles GET /encoding/queue.
func (h *Handler) QueueStats(c *gin.Context) {
	response.OK(c, gin.H{"stats": h.queue.GetStats()})
}

// GetJob handles GET /encoding/queue/jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	job, ok := h.queue.GetJob(c.Param("id"))
	if !ok {
		response.NotFound(c, queue.ErrJobNotFound.Error())
		return
	}
	response.OK(c, job)
}

// GetJobByVideo handles GET /encoding/queue/videos/:videoId.
func (h *Handler) GetJobByVideo(c *gin.Context) {
	videoID, err := uuid.Parse(c.Param("videoId"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	job, ok := h.queue.GetJobByVideoID(videoID)
	if !ok {
		response.NotFound(c, queue.ErrJobNotFound.Error())
		return
	}
	response.OK(c, job)
}

// VideoStatus handles GET /encoding/videos/:videoId: the durable record next to any job this instance holds.
func (h *Handler) VideoStatus(c *gin.Context) {
	videoID, err := uuid.Parse(c.Param("videoId"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.videos.GetByID(c.Request.Context(), videoID)
	if err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			response.NotFound(c, "video not found")
			return
		}
		h.logger.Error("load video", zap.String("video_id", videoID.String()), zap.Error(err))
		response.Internal(c, "failed to load video")
		return
	}
	out := gin.H{"video": v}
	if job, ok := h.queue.GetJobByVideoID(videoID); ok {
		out["job"] = job
	}
	response.OK(c, out)
}

// RunWatchdog handles POST /encoding/watchdog/run. The pass runs as the
// scheduler's watchdog task and so holds the same distributed lock.
func (h *Handler) RunWatchdog(c *gin.Context) {
	if h.tasks == nil {
		response.NotFound(c, "no scheduler in this process")
		return
	}
	err := h.tasks.RunNow(c.Request.Context(), watchdog.TaskName)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		response.NotFound(c, "watchdog does not run in this process")
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrLocked):
		response.Conflict(c, "watchdog run already in progress: "+err.Error())
		return
	case err != nil:
		h.logger.Error("manual watchdog run", zap.Error(err))
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, h.watchdog.LastReport())
}

// RunPublish handles POST /publishing/run.
func (h *Handler) RunPublish(c *gin.Context) {
	res, err := h.publisher.PublishDue(c.Request.Context())
	if err != nil {
		h.logger.Error("manual publish run", zap.Error(err))
		response.Internal(c, "publish pass failed")
		return
	}
	response.OK(c, res)
}

// RunStuckSchedules handles POST /publishing/stuck/run.
func (h *Handler) RunStuckSchedules(c *gin.Context) {
	n, err := h.publisher.HandleStuckSchedules(c.Request.Context())
	if err != nil {
		h.logger.Error("manual stuck schedule run", zap.Error(err))
		response.Internal(c, "stuck schedule pass failed")
		return
	}
	response.OK(c, gin.H{"handled": n})
}

// ListTasks handles GET /scheduler/tasks.
func (h *Handler) ListTasks(c *gin.Context) {
	if h.tasks == nil {
		response.OK(c, []scheduler.TaskStatus{})
		return
	}
	response.OK(c, h.tasks.Tasks())
}

// RunTask handles POST /scheduler/tasks/:name/run through the task's overlap guards.
func (h *Handler) RunTask(c *gin.Context) {
	if h.tasks == nil {
		response.NotFound(c, "no scheduler in this process")
		return
	}
	name := c.Param("name")
	err := h.tasks.RunNow(c.Request.Context(), name)
	switch {
	case err == nil:
		response.OK(c, gin.H{"task": name, "ran": true})
	case errors.Is(err, scheduler.ErrUnknownTask):
		response.NotFound(c, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrLocked):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error("manual task run", zap.String("task", name), zap.Error(err))
		response.Internal(c, err.Error())
	}
}

// RegisterRoutes mounts the ops endpoints on rg. Callers apply authentication to rg.
func (h *Handler) RegisterRoutes(rg gin.IRoutes) {
	rg.GET("/encoding/queue", h.QueueStats)
	rg.GET("/encoding/queue/jobs/:id", h.GetJob)
	rg.GET("/encoding/queue/videos/:videoId", h.GetJobByVideo)
	rg.GET("/encoding/videos/:videoId", h.VideoStatus)
	rg.POST("/encoding/watchdog/run", h.RunWatchdog)
	rg.POST("/publishing/run", h.RunPublish)
	rg.POST("/publishing/stuck/run", h.RunStuckSchedules)
	rg.GET("/scheduler/tasks", h.ListTasks)
	rg.POST("/scheduler/tasks/:name/run", h.RunTask)
}
