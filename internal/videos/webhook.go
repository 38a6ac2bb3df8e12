package videos

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-video/backend/internal/models"
	"github.com/aura-video/backend/pkg/response"
)

// WebhookSecretHeader carries the shared secret on provider callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// Callback statuses reported by the encoding provider.
const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// EncodingCallbackPayload is the body the encoding provider posts when a job finishes.
type EncodingCallbackPayload struct {
	VideoID        string `json:"video_id" binding:"required"`
	Status         string `json:"status" binding:"required"`
	HLSManifestURL string `json:"hls_manifest_url"`
	Tiers          string `json:"tiers"`
	Error          string `json:"error"`
}

// CallbackStore is the slice of the repository the callback handler writes through.
type CallbackStore interface {
	MarkEncodingReady(ctx context.Context, id uuid.UUID, u ReadyUpdate) (bool, error)
	MarkEncodingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time, from ...models.EncodingStatus) (bool, error)
}

// WebhookHandler handles encoding callbacks from the provider.
type WebhookHandler struct {
	store       CallbackStore
	manifestURL func(uuid.UUID) string
	secret      string
	now         func() time.Time
	logger      *zap.Logger
}

// NewWebhookHandler creates a webhook handler. manifestURL builds the playlist URL when the provider omits it.
func NewWebhookHandler(store CallbackStore, manifestURL func(uuid.UUID) string, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{store: store, manifestURL: manifestURL, secret: secret, now: time.Now, logger: logger}
}

// EncodingCallback handles POST /webhooks/encoding. Updates only apply to videos still ENCODING,
// so a callback arriving after the watchdog repaired the record is acknowledged and ignored.
func (h *WebhookHandler) EncodingCallback(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			response.Unauthorized(c, "invalid webhook secret")
			return
		}
	}

	var body EncodingCallbackPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	videoID, err := uuid.Parse(body.VideoID)
	if err != nil {
		response.BadRequest(c, "invalid video_id")
		return
	}

	ctx := c.Request.Context()
	now := h.now()
	var applied bool
	switch body.Status {
	case CallbackCompleted:
		tiers := models.TiersStatus(body.Tiers)
		if body.Tiers == "" {
			tiers = models.TiersFull
		}
		if !tiers.IsValid() || tiers == models.TiersNone {
			response.BadRequest(c, "invalid tiers")
			return
		}
		manifest := body.HLSManifestURL
		if manifest == "" {
			manifest = h.manifestURL(videoID)
		}
		applied, err = h.store.MarkEncodingReady(ctx, videoID, ReadyUpdate{ManifestURL: manifest, Tiers: tiers, CompletedAt: now})
	case CallbackFailed:
		reason := body.Error
		if reason == "" {
			reason = "Encoding failed at provider"
		}
		applied, err = h.store.MarkEncodingFailed(ctx, videoID, reason, now, models.EncodingEncoding)
	default:
		response.BadRequest(c, "status must be completed or failed")
		return
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "video not found")
			return
		}
		h.logger.Error("apply encoding callback failed", zap.Error(err), zap.String("video_id", videoID.String()))
		response.Internal(c, "failed to update video")
		return
	}

	if !applied {
		h.logger.Warn("encoding callback ignored, video not encoding",
			zap.String("video_id", videoID.String()), zap.String("status", body.Status))
	} else {
		h.logger.Info("encoding callback applied", zap.String("video_id", videoID.String()), zap.String("status", body.Status))
	}
	response.OK(c, gin.H{"video_id": videoID, "applied": applied})
}
