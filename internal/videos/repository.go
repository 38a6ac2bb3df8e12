package videos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-video/backend/internal/models"
)

// ErrNotFound is returned when no video matches the given ID.
var ErrNotFound = errors.New("video not found")

const videoColumns = `id, encoding_status, encoding_started_at, encoding_completed_at, encoding_tiers_status,
	encoding_error, COALESCE(original_blob_name, ''), hls_manifest_url, mp4_url, publish_status,
	scheduled_publish_at, published_at, moderation_status, is_active, deleted_at, created_at, updated_at`

// Repository handles video persistence. Every update is guarded on the status
// it transitions from, so a repeated or late update affects no rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (*models.Video, error) {
	var v models.Video
	var encoding, tiers, publish, moderation string
	err := row.Scan(&v.ID, &encoding, &v.EncodingStartedAt, &v.EncodingCompletedAt, &tiers,
		&v.EncodingError, &v.OriginalBlobName, &v.HLSManifestURL, &v.MP4URL, &publish,
		&v.ScheduledPublishAt, &v.PublishedAt, &moderation, &v.IsActive, &v.DeletedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.EncodingStatus = models.EncodingStatus(encoding)
	v.EncodingTiersStatus = models.TiersStatus(tiers)
	v.PublishStatus = models.PublishStatus(publish)
	v.ModerationStatus = models.ModerationStatus(moderation)
	return &v, nil
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.Video, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}

func (r *Repository) exec(ctx context.Context, q string, args ...any) (bool, error) {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Create inserts a video awaiting encode.
func (r *Repository) Create(ctx context.Context, v *models.Video) error {
	const q = `INSERT INTO videos (original_blob_name, moderation_status, publish_status, scheduled_publish_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + videoColumns
	if v.ModerationStatus == "" {
		v.ModerationStatus = models.ModerationPending
	}
	if v.PublishStatus == "" {
		v.PublishStatus = models.PublishDraft
	}
	created, err := scanVideo(r.pool.QueryRow(ctx, q, v.OriginalBlobName, string(v.ModerationStatus), string(v.PublishStatus), v.ScheduledPublishAt))
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	*v = *created
	return nil
}

// GetByID returns a video by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	v, err := scanVideo(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// ListStuckEncoding returns non-deleted videos in ENCODING that started before cutoff.
func (r *Repository) ListStuckEncoding(ctx context.Context, cutoff time.Time) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos
		WHERE encoding_status = 'ENCODING' AND encoding_started_at < $1 AND deleted_at IS NULL
		ORDER BY encoding_started_at`
	return r.list(ctx, q, cutoff)
}

// ListOrphanedPending returns non-deleted videos still PENDING that were created before cutoff.
func (r *Repository) ListOrphanedPending(ctx context.Context, cutoff time.Time) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos
		WHERE encoding_status = 'PENDING' AND created_at < $1 AND deleted_at IS NULL
		ORDER BY created_at`
	return r.list(ctx, q, cutoff)
}

// MarkEncodingStarted moves a PENDING or FAILED video to ENCODING.
func (r *Repository) MarkEncodingStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE videos SET encoding_status = 'ENCODING', encoding_started_at = $1, encoding_completed_at = NULL,
		encoding_error = NULL, encoding_tiers_status = 'NONE', updated_at = NOW()
		WHERE id = $2 AND encoding_status IN ('PENDING', 'FAILED')`
	return r.exec(ctx, q, at, id)
}

// MarkEncodingPending returns an ENCODING video to PENDING after its provider submission failed.
func (r *Repository) MarkEncodingPending(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE videos SET encoding_status = 'PENDING', encoding_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND encoding_status = 'ENCODING'`
	return r.exec(ctx, q, id)
}

// ReadyUpdate carries the outputs recorded when an encode completes.
type ReadyUpdate struct {
	ManifestURL string
	Tiers       models.TiersStatus
	CompletedAt time.Time
}

// MarkEncodingReady moves an ENCODING video to READY. The MP4 URL is cleared; only HLS output is confirmed.
func (r *Repository) MarkEncodingReady(ctx context.Context, id uuid.UUID, u ReadyUpdate) (bool, error) {
	const q = `UPDATE videos SET encoding_status = 'READY', encoding_completed_at = $1, hls_manifest_url = $2,
		mp4_url = NULL, encoding_tiers_status = $3, encoding_error = NULL, updated_at = NOW()
		WHERE id = $4 AND encoding_status = 'ENCODING'`
	return r.exec(ctx, q, u.CompletedAt, u.ManifestURL, string(u.Tiers), id)
}

// MarkEncodingFailed moves a video in one of the from statuses to FAILED with a diagnostic.
func (r *Repository) MarkEncodingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time, from ...models.EncodingStatus) (bool, error) {
	if len(from) == 0 {
		from = []models.EncodingStatus{models.EncodingEncoding}
	}
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	const q = `UPDATE videos SET encoding_status = 'FAILED', encoding_completed_at = $1, encoding_error = $2,
		encoding_tiers_status = 'NONE', updated_at = NOW()
		WHERE id = $3 AND encoding_status = ANY($4)`
	return r.exec(ctx, q, at, reason, id, statuses)
}

// ListDueScheduled returns scheduled videos whose time has come and that may be published.
func (r *Repository) ListDueScheduled(ctx context.Context, now time.Time) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos
		WHERE publish_status = 'SCHEDULED' AND scheduled_publish_at <= $1
		AND encoding_status = 'READY' AND moderation_status = 'APPROVED' AND deleted_at IS NULL
		ORDER BY scheduled_publish_at`
	return r.list(ctx, q, now)
}

// Publish promotes a scheduled video to PUBLISHED and clears its schedule.
func (r *Repository) Publish(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE videos SET publish_status = 'PUBLISHED', published_at = $1, is_active = TRUE,
		scheduled_publish_at = NULL, updated_at = NOW()
		WHERE id = $2 AND publish_status = 'SCHEDULED'
		AND encoding_status = 'READY' AND moderation_status = 'APPROVED' AND deleted_at IS NULL`
	return r.exec(ctx, q, at, id)
}

// ListUnpublishable returns overdue scheduled videos whose encode failed or whose moderation was rejected.
func (r *Repository) ListUnpublishable(ctx context.Context, now time.Time) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos
		WHERE publish_status = 'SCHEDULED' AND scheduled_publish_at <= $1
		AND (encoding_status = 'FAILED' OR moderation_status = 'REJECTED')
		ORDER BY scheduled_publish_at`
	return r.list(ctx, q, now)
}

// DemoteToDraft returns a scheduled video to DRAFT and clears its schedule.
func (r *Repository) DemoteToDraft(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE videos SET publish_status = 'DRAFT', scheduled_publish_at = NULL, updated_at = NOW()
		WHERE id = $1 AND publish_status = 'SCHEDULED'`
	return r.exec(ctx, q, id)
}
