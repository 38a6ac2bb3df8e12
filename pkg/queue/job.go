package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the in-memory lifecycle of an encoding job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of encoding work tracked by the queue. Values handed out by
// the queue are snapshots; mutating them does not affect queue state.
type Job struct {
	ID            string     `json:"id"`
	VideoID       uuid.UUID  `json:"video_id"`
	InputBlobName string     `json:"input_blob_name"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// IsLive reports whether the job still holds its video's slot (pending or processing).
func (j *Job) IsLive() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// Terminal reports whether the job reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

func (j *Job) snapshot() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.NotBefore != nil {
		t := *j.NotBefore
		cp.NotBefore = &t
	}
	return &cp
}

// Stats counts jobs by status. Pending+Processing+Completed+Failed always equals Total.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
