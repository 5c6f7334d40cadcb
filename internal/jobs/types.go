package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskRefresh    = "cache:refresh"
	TaskInvalidate = "cache:invalidate"
	TaskCleanup    = "cache:cleanup"
)

// Queues and their priorities.
const (
	QueueRefresh     = "refresh"
	QueueMaintenance = "maintenance"
)

var Queues = map[string]int{
	QueueRefresh:     10,
	QueueMaintenance: 5,
}

// EntryPayload addresses one entry.
type EntryPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// CleanupPayload removes records that expired more than MaxAgeSeconds ago.
type CleanupPayload struct {
	MaxAgeSeconds int64 `json:"max_age_seconds,omitempty"`
}

func (p EntryPayload) validate() error {
	if p.Kind == "" || p.ID == "" {
		return errors.New("kind and id are required")
	}
	return nil
}

// NewRefreshTask reloads an entry from its live source.
func NewRefreshTask(kind, id string) (*asynq.Task, error) {
	return newEntryTask(TaskRefresh, kind, id,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	)
}

// NewInvalidateTask expires an entry so its next load goes live.
func NewInvalidateTask(kind, id string) (*asynq.Task, error) {
	return newEntryTask(TaskInvalidate, kind, id, asynq.MaxRetry(1))
}

func newEntryTask(typename, kind, id string, opts ...asynq.Option) (*asynq.Task, error) {
	p := EntryPayload{Kind: kind, ID: id}
	if err := p.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueRefresh), asynq.TaskID(uuid.NewString())}, opts...)
	return asynq.NewTask(typename, payload, opts...), nil
}

// NewCleanupTask deletes expired records.
func NewCleanupTask(maxAge time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(CleanupPayload{MaxAgeSeconds: int64(maxAge / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCleanup, payload,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(2),
		asynq.Timeout(10*time.Minute),
	), nil
}
