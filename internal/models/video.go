package models

import (
	"time"

	"github.com/google/uuid"
)

// EncodingStatus is the durable encode lifecycle of a video.
type EncodingStatus string

const (
	EncodingPending  EncodingStatus = "PENDING"
	EncodingEncoding EncodingStatus = "ENCODING"
	EncodingReady    EncodingStatus = "READY"
	EncodingFailed   EncodingStatus = "FAILED"
)

// IsValid reports whether s is a known encoding status.
func (s EncodingStatus) IsValid() bool {
	switch s {
	case EncodingPending, EncodingEncoding, EncodingReady, EncodingFailed:
		return true
	}
	return false
}

// TiersStatus records whether every output rendition was produced.
type TiersStatus string

const (
	TiersNone    TiersStatus = "NONE"
	TiersPartial TiersStatus = "PARTIAL"
	TiersFull    TiersStatus = "FULL"
)

// IsValid reports whether s is a known tiers status.
func (s TiersStatus) IsValid() bool {
	switch s {
	case TiersNone, TiersPartial, TiersFull:
		return true
	}
	return false
}

// PublishStatus is the visibility lifecycle of a video.
type PublishStatus string

const (
	PublishDraft     PublishStatus = "DRAFT"
	PublishScheduled PublishStatus = "SCHEDULED"
	PublishPublished PublishStatus = "PUBLISHED"
)

// IsValid reports whether s is a known publish status.
func (s PublishStatus) IsValid() bool {
	switch s {
	case PublishDraft, PublishScheduled, PublishPublished:
		return true
	}
	return false
}

// ModerationStatus is the outcome of content review. The set is open on the
// storage side; only APPROVED and REJECTED drive publishing decisions.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "PENDING"
	ModerationApproved ModerationStatus = "APPROVED"
	ModerationRejected ModerationStatus = "REJECTED"
	ModerationFlagged  ModerationStatus = "FLAGGED"
)

// Video is the durable record of an uploaded video.
type Video struct {
	ID                  uuid.UUID        `json:"id"`
	EncodingStatus      EncodingStatus   `json:"encoding_status"`
	EncodingStartedAt   *time.Time       `json:"encoding_started_at,omitempty"`
	EncodingCompletedAt *time.Time       `json:"encoding_completed_at,omitempty"`
	EncodingTiersStatus TiersStatus      `json:"encoding_tiers_status"`
	EncodingError       *string          `json:"encoding_error,omitempty"`
	OriginalBlobName    string           `json:"original_blob_name,omitempty"`
	HLSManifestURL      *string          `json:"hls_manifest_url,omitempty"`
	MP4URL              *string          `json:"mp4_url,omitempty"`
	PublishStatus       PublishStatus    `json:"publish_status"`
	ScheduledPublishAt  *time.Time       `json:"scheduled_publish_at,omitempty"`
	PublishedAt         *time.Time       `json:"published_at,omitempty"`
	ModerationStatus    ModerationStatus `json:"moderation_status"`
	IsActive            bool             `json:"is_active"`
	DeletedAt           *time.Time       `json:"deleted_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Publishable reports whether the encode and moderation outcomes allow publication.
func (v *Video) Publishable() bool {
	return v.EncodingStatus == EncodingReady && v.ModerationStatus == ModerationApproved
}

// Unpublishable reports whether the video can never satisfy the publish precondition.
func (v *Video) Unpublishable() bool {
	return v.EncodingStatus == EncodingFailed || v.ModerationStatus == ModerationRejected
}
