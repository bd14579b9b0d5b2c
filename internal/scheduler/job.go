package scheduler

import (
	"encoding/json"
	"time"
)

// Default retry envelope for jobs that do not specify one.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// Job is a scheduled unit of work. Priority is a numeric rank where lower
// dispatches sooner; ties break FIFO by enqueue sequence. Attempts counts
// completed handler invocations.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	BackoffCap  time.Duration   `json:"backoff_cap"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	ReadyAt     time.Time       `json:"ready_at"`
	LastError   string          `json:"last_error,omitempty"`

	// seq orders jobs within a priority band. Assigned by the broker.
	Seq uint64 `json:"seq"`
}

// FailedJob is a permanently failed job kept for inspection.
type FailedJob struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// QueueStats is the broker-side view of one queue. Active and Paused are
// filled in by the Scheduler, which owns dispatch.
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}
