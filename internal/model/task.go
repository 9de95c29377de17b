package model

import (
	"time"
)

type TaskType string

const (
	TaskSinglePage TaskType = "single-page"
	TaskBatch      TaskType = "batch"
	TaskFullSite   TaskType = "full-site"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskSinglePage, TaskBatch, TaskFullSite:
		return true
	}
	return false
}

type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// Rank returns the scheduling order of a priority. Lower runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Task is one unit of schedulable scan work. The queue owns a task from
// creation until it lands in a terminal list.
type Task struct {
	ID         string       `json:"id"`
	Type       TaskType     `json:"type"`
	URL        string       `json:"url"`
	Options    *TaskOptions `json:"options,omitempty"`
	Priority   TaskPriority `json:"priority"`
	RetryCount int          `json:"retry_count"`
	MaxRetries int          `json:"max_retries"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
}

type TaskOptions struct {
	Pages     []string `json:"pages,omitempty"`     // fixed page list for batch tasks
	MaxDepth  int      `json:"max_depth,omitempty"` // link discovery depth for full-site tasks
	MaxPages  int      `json:"max_pages,omitempty"`
	WaitUntil string   `json:"wait_until,omitempty"` // load | domcontentloaded | networkidle
	Engines   []string `json:"engines,omitempty"`
}

// TaskResult is the materialized outcome of one execution attempt. Workers
// never let a failure escape as an error; it is always recorded here.
type TaskResult struct {
	TaskID      string            `json:"task_id"`
	URL         string            `json:"url,omitempty"`
	WorkerID    string            `json:"worker_id"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Memory      MemorySnapshot    `json:"memory"`
	RetryCount  int               `json:"retry_count"`
	Analyses    []*AnalysisResult `json:"analyses,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

type MemorySnapshot struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// AnalysisResult is the normalized output of the scan engines for one page.
type AnalysisResult struct {
	URL       string        `json:"url"`
	Title     string        `json:"title,omitempty"`
	Findings  []Finding     `json:"findings"`
	Passes    int           `json:"passes"`
	Duration  time.Duration `json:"duration"`
	ScannedAt time.Time     `json:"scanned_at"`
}

type Finding struct {
	Engine   string `json:"engine"`
	RuleID   string `json:"rule_id"`
	Impact   string `json:"impact,omitempty"`
	Selector string `json:"selector,omitempty"`
	Message  string `json:"message"`
	HelpURL  string `json:"help_url,omitempty"`
}

// PageFailure records a page that could not be analyzed after all retries.
type PageFailure struct {
	Page     string `json:"page"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// BatchResult aggregates one Analyzer run. It is produced per call and not
// retained anywhere.
type BatchResult struct {
	Successful         []*AnalysisResult `json:"successful"`
	Failed             []PageFailure     `json:"failed"`
	TotalTime          time.Duration     `json:"total_time"`
	AverageTimePerPage time.Duration     `json:"average_time_per_page"`
	SuccessRate        float64           `json:"success_rate"` // percentage of pages analyzed successfully
}

// ScanRequest is the kafka message shape for enqueueing work.
type ScanRequest struct {
	URL        string       `json:"url"`
	Type       TaskType     `json:"type"`
	Priority   TaskPriority `json:"priority,omitempty"`
	MaxRetries int          `json:"max_retries,omitempty"`
	Pages      []string     `json:"pages,omitempty"`
	MaxDepth   int          `json:"max_depth,omitempty"`
	MaxPages   int          `json:"max_pages,omitempty"`
	WaitUntil  string       `json:"wait_until,omitempty"`
	Engines    []string     `json:"engines,omitempty"`
}

// Task converts a request into a schedulable task. The queue fills in the id
// and defaults.
func (r *ScanRequest) Task() *Task {
	return &Task{
		Type:       r.Type,
		URL:        r.URL,
		Priority:   r.Priority,
		MaxRetries: r.MaxRetries,
		Options: &TaskOptions{
			Pages:     r.Pages,
			MaxDepth:  r.MaxDepth,
			MaxPages:  r.MaxPages,
			WaitUntil: r.WaitUntil,
			Engines:   r.Engines,
		},
	}
}
