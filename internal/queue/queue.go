package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/nimbleapproach/a11y-scan-worker/internal/metrics"
	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
)

const (
	minWorkers = 1
	maxWorkers = 20

	defaultPollInterval = 100 * time.Millisecond
	defaultEventBuffer  = 256
	drainPollInterval   = 50 * time.Millisecond
)

var (
	ErrQueueShutdown      = errors.New("task queue is shut down")
	ErrInvalidWorkerCount = fmt.Errorf("worker count must be between %d and %d", minWorkers, maxWorkers)
	ErrTaskNotFound       = errors.New("task not found")
	ErrWaitTimeout        = errors.New("timed out waiting for task completion")
	ErrTaskCancelled      = errors.New("task cancelled")
)

// TaskQueue owns the priority-ordered pending list and a scalable set of
// workers. A fixed-interval poller matches available workers to the front of
// the pending list; results decide retry versus terminal failure. Every task
// lives in exactly one of pending/processing/completed/failed at any time.
type TaskQueue struct {
	cfg        *config.QueueConfig
	log        *slog.Logger
	newWorker  func(id string) *Worker
	metrics    *metrics.Metrics
	pollEvery  time.Duration
	maxRetries int

	mu            sync.Mutex
	workers       []*Worker
	targetWorkers int
	workerSeq     int
	pending       []*model.Task
	processing    map[string]*model.Task
	completed     map[string]*model.TaskResult
	failed        map[string]*model.TaskResult
	cancelled     map[string]bool
	shuttingDown  bool

	events       chan Event
	eventsMu     sync.Mutex
	eventsClosed bool
	stopPoll     chan struct{}
	pollerWg     sync.WaitGroup
	taskWg       sync.WaitGroup
}

// NewTaskQueue builds the pool and starts its poller. The factory creates
// workers wired to the same collaborators, so scale-up workers behave
// identically to the initial set.
func NewTaskQueue(cfg *config.QueueConfig, log *slog.Logger, newWorker func(id string) *Worker,
	m *metrics.Metrics) *TaskQueue {
	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}
	eventBuffer := cfg.EventBufferSize
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	count := cfg.MaxWorkers
	if count < minWorkers {
		count = minWorkers
	}
	if count > maxWorkers {
		count = maxWorkers
	}

	q := &TaskQueue{
		cfg:           cfg,
		log:           log,
		newWorker:     newWorker,
		metrics:       m,
		pollEvery:     pollEvery,
		maxRetries:    cfg.MaxTaskRetries,
		targetWorkers: count,
		processing:    make(map[string]*model.Task),
		completed:     make(map[string]*model.TaskResult),
		failed:        make(map[string]*model.TaskResult),
		cancelled:     make(map[string]bool),
		events:        make(chan Event, eventBuffer),
		stopPoll:      make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		q.workers = append(q.workers, q.spawnWorker())
	}
	m.SetWorkers(count)

	q.pollerWg.Add(1)
	go q.run()
	q.log.Info("task queue started.", slog.Int("workers", count),
		slog.Duration("poll_interval", pollEvery))

	return q
}

func (q *TaskQueue) spawnWorker() *Worker {
	q.workerSeq++
	return q.newWorker(fmt.Sprintf("worker-%d", q.workerSeq))
}

// AddTask validates, defaults and enqueues one task, returning its id. Tasks
// are inserted priority-sorted, FIFO within a priority.
func (q *TaskQueue) AddTask(task *model.Task) (string, error) {
	if task == nil {
		return "", errors.New("task is nil")
	}
	if !task.Type.Valid() {
		return "", fmt.Errorf("unsupported task type %q", task.Type)
	}
	if task.URL == "" && (task.Options == nil || len(task.Options.Pages) == 0) {
		return "", errors.New("task has no target url")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	switch task.Priority {
	case model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
	case "":
		task.Priority = model.PriorityMedium
	default:
		return "", fmt.Errorf("unsupported task priority %q", task.Priority)
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = q.maxRetries
	}
	task.CreatedAt = time.Now()

	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return "", ErrQueueShutdown
	}
	q.insertPendingLocked(task)
	q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
	q.mu.Unlock()

	q.emit(Event{Type: EventTaskAdded, TaskID: task.ID, At: time.Now()})
	q.log.Debug("task added.", slog.String("task", task.ID), slog.String("type", string(task.Type)),
		slog.String("priority", string(task.Priority)))

	return task.ID, nil
}

// AddBatch enqueues several tasks, stopping at the first invalid one.
func (q *TaskQueue) AddBatch(tasks []*model.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		id, err := q.AddTask(task)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// insertPendingLocked keeps the pending list ordered by priority rank with
// FIFO order inside each rank.
func (q *TaskQueue) insertPendingLocked(task *model.Task) {
	idx := len(q.pending)
	for i, t := range q.pending {
		if t.Priority.Rank() > task.Priority.Rank() {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = task
}

func (q *TaskQueue) run() {
	defer q.pollerWg.Done()
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopPoll:
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch trims the pool towards its target size, then matches available
// workers to the front of the pending list. Reserving the worker before its
// goroutine starts keeps two ticks from handing the same worker two tasks.
func (q *TaskQueue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if removed := q.trimWorkersLocked(); removed > 0 {
		q.emit(Event{Type: EventWorkersScaled, Workers: len(q.workers), At: time.Now()})
		q.log.Info("worker pool drained to target.", slog.Int("workers", len(q.workers)))
	}
	if len(q.pending) == 0 {
		return
	}
	for _, w := range q.workers {
		if len(q.pending) == 0 {
			break
		}
		task := q.pending[0]
		if !w.reserve(task) {
			continue
		}
		q.pending = q.pending[1:]
		task.StartedAt = time.Now()
		q.processing[task.ID] = task
		q.taskWg.Add(1)
		go q.runTask(w, task)
		q.emit(Event{Type: EventTaskStarted, TaskID: task.ID, At: time.Now()})
	}
	q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
}

// trimWorkersLocked removes idle workers above the pool's target size. Busy
// workers stay until they drain; the poller retries every tick, so the pool
// converges once they finish. Callers must hold q.mu.
func (q *TaskQueue) trimWorkersLocked() int {
	excess := len(q.workers) - q.targetWorkers
	if excess <= 0 {
		return 0
	}
	kept := make([]*Worker, 0, len(q.workers))
	for i := len(q.workers) - 1; i >= 0; i-- {
		w := q.workers[i]
		if excess > 0 && w.Available() {
			excess--
			continue
		}
		kept = append(kept, w)
	}
	// kept was built back-to-front.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	removed := len(q.workers) - len(kept)
	q.workers = kept
	if removed > 0 {
		q.metrics.SetWorkers(len(kept))
	}
	return removed
}

func (q *TaskQueue) runTask(w *Worker, task *model.Task) {
	defer q.taskWg.Done()
	result, err := w.ProcessTask(context.Background(), task)
	if err != nil {
		// The reserved worker still refused the task. Put it back at the
		// front; nothing ran.
		q.mu.Lock()
		delete(q.processing, task.ID)
		task.StartedAt = time.Time{}
		q.pending = append([]*model.Task{task}, q.pending...)
		q.mu.Unlock()
		return
	}
	q.onResult(task, result)
}

func (q *TaskQueue) onResult(task *model.Task, result *model.TaskResult) {
	q.mu.Lock()
	delete(q.processing, task.ID)

	if q.cancelled[task.ID] {
		// Already moved to failed by CancelTask; drop the late result.
		delete(q.cancelled, task.ID)
		q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
		q.mu.Unlock()
		return
	}

	switch {
	case result.Success:
		q.completed[task.ID] = result
		q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
		q.mu.Unlock()
		q.metrics.ObserveTask(string(task.Type), string(model.StatusCompleted), result.Duration)
		q.emit(Event{Type: EventTaskCompleted, TaskID: task.ID, Result: result, At: time.Now()})
	case task.RetryCount < task.MaxRetries:
		task.RetryCount++
		task.StartedAt = time.Time{}
		// Retries jump the pending queue regardless of priority.
		q.pending = append([]*model.Task{task}, q.pending...)
		q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
		q.mu.Unlock()
		q.emit(Event{Type: EventTaskRetry, TaskID: task.ID, Result: result, At: time.Now()})
		q.log.Info("task will be retried.", slog.String("task", task.ID),
			slog.Int("attempt", task.RetryCount), slog.Int("max_retries", task.MaxRetries))
	default:
		q.failed[task.ID] = result
		q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
		q.mu.Unlock()
		q.metrics.ObserveTask(string(task.Type), string(model.StatusFailed), result.Duration)
		q.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Result: result, At: time.Now()})
		q.log.Warn("task failed permanently.", slog.String("task", task.ID),
			slog.Int("attempts", task.RetryCount+1), slog.String("err", result.Error))
	}
}

// Status counts tasks per state.
type Status struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (q *TaskQueue) QueueStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending:    len(q.pending),
		Processing: len(q.processing),
		Completed:  len(q.completed),
		Failed:     len(q.failed),
	}
}

// TaskState reports which single list a task currently occupies.
func (q *TaskQueue) TaskState(taskID string) (model.TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.completed[taskID]; ok {
		return model.StatusCompleted, true
	}
	if _, ok := q.failed[taskID]; ok {
		return model.StatusFailed, true
	}
	if _, ok := q.processing[taskID]; ok {
		return model.StatusProcessing, true
	}
	for _, t := range q.pending {
		if t.ID == taskID {
			return model.StatusPending, true
		}
	}
	return "", false
}

func (q *TaskQueue) WorkerStatus() []WorkerSnapshot {
	q.mu.Lock()
	workers := make([]*Worker, len(q.workers))
	copy(workers, q.workers)
	q.mu.Unlock()

	statuses := make([]WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, WorkerSnapshot{Status: w.Status(), Health: w.Health()})
	}
	return statuses
}

// WorkerSnapshot bundles the operational and health views of one worker.
type WorkerSnapshot struct {
	Status WorkerStatus `json:"status"`
	Health Health       `json:"health"`
}

// ScaleWorkers grows or shrinks the pool towards n within [1,20]. Scale-down
// removes only workers that are idle right now; busy ones keep their task
// and are trimmed by the poller once they drain, so the pool converges to
// the target.
func (q *TaskQueue) ScaleWorkers(n int) error {
	if n < minWorkers || n > maxWorkers {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, n)
	}
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return ErrQueueShutdown
	}
	before := len(q.workers)
	q.targetWorkers = n
	for len(q.workers) < n {
		q.workers = append(q.workers, q.spawnWorker())
	}
	q.trimWorkersLocked()
	after := len(q.workers)
	q.metrics.SetWorkers(after)
	q.mu.Unlock()

	q.emit(Event{Type: EventWorkersScaled, Workers: after, At: time.Now()})
	q.log.Info("worker pool scaled.", slog.Int("from", before), slog.Int("to", after),
		slog.Int("target", n))

	return nil
}

// WaitForCompletion blocks until the task reaches a terminal list or the
// timeout elapses.
func (q *TaskQueue) WaitForCompletion(taskID string, timeout time.Duration) (*model.TaskResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if r, ok := q.completed[taskID]; ok {
			q.mu.Unlock()
			return r, nil
		}
		if r, ok := q.failed[taskID]; ok {
			q.mu.Unlock()
			return r, nil
		}
		q.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: task %s after %s", ErrWaitTimeout, taskID, timeout)
		}
		time.Sleep(q.pollEvery)
	}
}

// CancelTask flips the task's bookkeeping state to failed with a
// cancellation error. It is cooperative: an in-flight browser operation for
// the task is not aborted, and its late result is discarded.
func (q *TaskQueue) CancelTask(taskID string) error {
	q.mu.Lock()
	for i, t := range q.pending {
		if t.ID != taskID {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		result := cancelResult(taskID, t.RetryCount)
		q.failed[taskID] = result
		q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
		q.mu.Unlock()
		q.emit(Event{Type: EventTaskFailed, TaskID: taskID, Result: result, At: time.Now()})
		return nil
	}
	if t, ok := q.processing[taskID]; ok {
		delete(q.processing, taskID)
		q.cancelled[taskID] = true
		result := cancelResult(taskID, t.RetryCount)
		q.failed[taskID] = result
		q.metrics.SetQueueDepth(len(q.pending), len(q.processing))
		q.mu.Unlock()
		q.emit(Event{Type: EventTaskFailed, TaskID: taskID, Result: result, At: time.Now()})
		return nil
	}
	q.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func cancelResult(taskID string, retryCount int) *model.TaskResult {
	return &model.TaskResult{
		TaskID:      taskID,
		Success:     false,
		Error:       ErrTaskCancelled.Error(),
		RetryCount:  retryCount,
		CompletedAt: time.Now(),
	}
}

// Events exposes the queue's notification channel. It is closed by Shutdown
// after the final shutdown event.
func (q *TaskQueue) Events() <-chan Event {
	return q.events
}

// emit never blocks; when the consumer lags behind the buffer, events are
// dropped rather than stalling the scheduler. Once Shutdown has closed the
// events channel, late events are discarded instead of sent.
func (q *TaskQueue) emit(ev Event) {
	q.eventsMu.Lock()
	defer q.eventsMu.Unlock()
	if q.eventsClosed {
		return
	}
	select {
	case q.events <- ev:
	default:
		q.log.Debug("event dropped. consumer too slow.", slog.String("type", string(ev.Type)))
	}
}

// Shutdown stops the poller, waits for in-flight tasks to drain and closes
// the events channel. Pending tasks that never started stay pending and are
// lost with the process, which is acceptable for this in-memory queue.
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return ErrQueueShutdown
	}
	q.shuttingDown = true
	q.mu.Unlock()

	close(q.stopPoll)
	q.pollerWg.Wait()

	for {
		q.mu.Lock()
		inFlight := len(q.processing)
		q.mu.Unlock()
		if inFlight == 0 {
			break
		}
		select {
		case <-ctx.Done():
			q.log.Error("shutdown timed out with tasks still processing.", slog.Int("processing", inFlight))
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
	q.taskWg.Wait()

	q.emit(Event{Type: EventShutdown, At: time.Now()})
	q.eventsMu.Lock()
	q.eventsClosed = true
	q.eventsMu.Unlock()
	close(q.events)
	q.log.Info("task queue stopped.")

	return nil
}
