package queue

import "time"

// EventType identifies a queue lifecycle notification.
type EventType string

const (
	EventAdded     EventType = "added"
	EventCompleted EventType = "completed"
	EventRetry     EventType = "retry"
	EventFailed    EventType = "failed"
)

// Event is emitted after a job transition has been applied.
type Event struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
	At   time.Time `json:"at"`
}

// Notifier receives queue events. Notify is called outside the queue lock and
// must not block for long; slow consumers should buffer or drop.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }
