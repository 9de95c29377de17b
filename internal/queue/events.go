package queue

import (
	"time"

	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
)

type EventType string

const (
	EventTaskAdded     EventType = "taskAdded"
	EventTaskStarted   EventType = "taskStarted"
	EventTaskCompleted EventType = "taskCompleted"
	EventTaskFailed    EventType = "taskFailed"
	EventTaskRetry     EventType = "taskRetry"
	EventWorkersScaled EventType = "workersScaled"
	EventShutdown      EventType = "shutdown"
)

// Event is the queue's completion/lifecycle notification. Terminal events
// carry the materialized result.
type Event struct {
	Type    EventType         `json:"type"`
	TaskID  string            `json:"task_id,omitempty"`
	Result  *model.TaskResult `json:"result,omitempty"`
	Workers int               `json:"workers,omitempty"`
	At      time.Time         `json:"at"`
}
