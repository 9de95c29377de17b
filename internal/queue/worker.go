package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/nimbleapproach/a11y-scan-worker/internal/browser"
	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
	"github.com/nimbleapproach/a11y-scan-worker/internal/scanner"
)

// ErrWorkerBusy is returned when ProcessTask is called on a worker that has
// not finished its current task. The queue never retries this; it is a
// scheduling bug, not an execution failure.
var ErrWorkerBusy = errors.New("worker is not available")

const (
	healthyErrorRate  = 0.1
	healthyActivity   = 5 * time.Minute
	workerSessionPref = "task-"
)

// PageProvider is the slice of the browser resource manager the worker
// needs. *browser.Manager satisfies it.
type PageProvider interface {
	NavigateToURL(ctx context.Context, sessionID, url string, opts browser.NavigateOptions) (*rod.Page, error)
	Cleanup(sessionID string)
}

// Discovery finds the pages of a site for full-site tasks.
type Discovery interface {
	DiscoverPages(ctx context.Context, startURL string, maxDepth, maxPages int) ([]string, error)
}

// Worker is a single execution slot. It pulls one task at a time, acquires
// browser resources keyed by the task id, runs the scan dispatcher and
// materializes a TaskResult. Resources are always released in a guaranteed
// finalization step.
type Worker struct {
	ID string

	browsers   PageProvider
	dispatcher scanner.Dispatcher
	discovery  Discovery
	log        *slog.Logger

	mu              sync.Mutex
	available       bool
	currentTask     *model.Task
	processedTasks  int
	totalProcessing time.Duration
	lastActivity    time.Time
	errorCount      int
}

func NewWorker(id string, browsers PageProvider, dispatcher scanner.Dispatcher, discovery Discovery,
	log *slog.Logger) *Worker {
	return &Worker{
		ID:           id,
		browsers:     browsers,
		dispatcher:   dispatcher,
		discovery:    discovery,
		log:          log.With(slog.String("worker", id)),
		available:    true,
		lastActivity: time.Now(),
	}
}

// ProcessTask executes one task attempt. The only error it returns is the
// ErrWorkerBusy precondition violation; every execution failure is recorded
// inside the returned TaskResult instead.
func (w *Worker) ProcessTask(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	w.mu.Lock()
	switch {
	case w.currentTask == task && !w.available:
		// the scheduler reserved this slot for the task already
	case w.available:
		w.available = false
		w.currentTask = task
	default:
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: worker %s", ErrWorkerBusy, w.ID)
	}
	w.mu.Unlock()

	sessionID := workerSessionPref + task.ID
	start := time.Now()
	var (
		analyses []*model.AnalysisResult
		execErr  error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("PANIC!", slog.Any("err", r), slog.String("task", task.ID))
				execErr = fmt.Errorf("task %s panicked: %v", task.ID, r)
			}
		}()
		analyses, execErr = w.execute(ctx, sessionID, task)
	}()

	duration := time.Since(start)
	w.browsers.Cleanup(sessionID)

	w.mu.Lock()
	w.processedTasks++
	w.totalProcessing += duration
	w.lastActivity = time.Now()
	if execErr != nil {
		w.errorCount++
	}
	w.currentTask = nil
	w.available = true
	w.mu.Unlock()

	result := &model.TaskResult{
		TaskID:      task.ID,
		URL:         task.URL,
		WorkerID:    w.ID,
		Success:     execErr == nil,
		Duration:    duration,
		Memory:      memorySnapshot(),
		RetryCount:  task.RetryCount,
		Analyses:    analyses,
		CompletedAt: time.Now(),
	}
	if execErr != nil {
		result.Error = execErr.Error()
		w.log.Warn("task attempt failed.", slog.String("task", task.ID), slog.String("err", execErr.Error()))
	} else {
		w.log.Debug("task attempt finished.", slog.String("task", task.ID),
			slog.Duration("duration", duration))
	}

	return result, nil
}

func (w *Worker) execute(ctx context.Context, sessionID string, task *model.Task) ([]*model.AnalysisResult, error) {
	switch task.Type {
	case model.TaskSinglePage:
		analysis, err := w.analyzeOne(ctx, sessionID, task, task.URL)
		if err != nil {
			return nil, err
		}
		return []*model.AnalysisResult{analysis}, nil
	case model.TaskBatch:
		if task.Options == nil || len(task.Options.Pages) == 0 {
			return nil, fmt.Errorf("batch task %s has no pages", task.ID)
		}
		return w.analyzeList(ctx, sessionID, task, task.Options.Pages)
	case model.TaskFullSite:
		maxDepth, maxPages := 0, 0
		if task.Options != nil {
			maxDepth, maxPages = task.Options.MaxDepth, task.Options.MaxPages
		}
		pages, err := w.discovery.DiscoverPages(ctx, task.URL, maxDepth, maxPages)
		if err != nil {
			return nil, fmt.Errorf("discover pages for %s: %w", task.URL, err)
		}
		return w.analyzeList(ctx, sessionID, task, pages)
	default:
		return nil, fmt.Errorf("unsupported task type %q", task.Type)
	}
}

// analyzeList scans a fixed page list sequentially on the task's session. A
// single bad page does not abort the list; the attempt fails only when no
// page could be analyzed.
func (w *Worker) analyzeList(ctx context.Context, sessionID string, task *model.Task,
	pages []string) ([]*model.AnalysisResult, error) {
	analyses := make([]*model.AnalysisResult, 0, len(pages))
	var lastErr error
	for _, pageURL := range pages {
		if err := ctx.Err(); err != nil {
			return analyses, err
		}
		analysis, err := w.analyzeOne(ctx, sessionID, task, pageURL)
		if err != nil {
			lastErr = err
			w.log.Warn("page analysis failed.", slog.String("task", task.ID),
				slog.String("url", pageURL), slog.String("err", err.Error()))
			continue
		}
		analyses = append(analyses, analysis)
	}
	if len(analyses) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all %d pages failed, last error: %w", len(pages), lastErr)
	}
	return analyses, nil
}

func (w *Worker) analyzeOne(ctx context.Context, sessionID string, task *model.Task,
	pageURL string) (*model.AnalysisResult, error) {
	navOpts := browser.NavigateOptions{}
	scanOpts := scanner.Options{URL: pageURL}
	if task.Options != nil {
		navOpts.WaitUntil = task.Options.WaitUntil
		scanOpts.Engines = task.Options.Engines
	}
	page, err := w.browsers.NavigateToURL(ctx, sessionID, pageURL, navOpts)
	if err != nil {
		return nil, err
	}
	return w.dispatcher.AnalyzePage(ctx, page, scanOpts)
}

// Health reports a worker healthy when its error rate stays under 10% and it
// showed activity within the last five minutes. The pool surfaces this for
// operators; it never evicts on it.
type Health struct {
	WorkerID     string        `json:"worker_id"`
	Healthy      bool          `json:"healthy"`
	ErrorRate    float64       `json:"error_rate"`
	LastActivity time.Time     `json:"last_activity"`
	Processed    int           `json:"processed"`
	TotalTime    time.Duration `json:"total_time"`
}

func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	rate := 0.0
	if w.processedTasks > 0 {
		rate = float64(w.errorCount) / float64(w.processedTasks)
	}
	return Health{
		WorkerID:     w.ID,
		Healthy:      rate < healthyErrorRate && time.Since(w.lastActivity) < healthyActivity,
		ErrorRate:    rate,
		LastActivity: w.lastActivity,
		Processed:    w.processedTasks,
		TotalTime:    w.totalProcessing,
	}
}

// WorkerStatus is the operational snapshot of one worker exposed by the pool.
type WorkerStatus struct {
	ID              string        `json:"id"`
	Available       bool          `json:"available"`
	CurrentTaskID   string        `json:"current_task_id,omitempty"`
	ProcessedTasks  int           `json:"processed_tasks"`
	TotalProcessing time.Duration `json:"total_processing"`
	LastActivity    time.Time     `json:"last_activity"`
	ErrorCount      int           `json:"error_count"`
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := WorkerStatus{
		ID:              w.ID,
		Available:       w.available,
		ProcessedTasks:  w.processedTasks,
		TotalProcessing: w.totalProcessing,
		LastActivity:    w.lastActivity,
		ErrorCount:      w.errorCount,
	}
	if w.currentTask != nil {
		s.CurrentTaskID = w.currentTask.ID
	}
	return s
}

// reserve claims the worker for a task before its processing goroutine
// starts. ProcessTask accepts a reserved task without re-claiming the slot.
func (w *Worker) reserve(task *model.Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.available {
		return false
	}
	w.available = false
	w.currentTask = task
	return true
}

// Available reports whether the worker can accept a task right now.
func (w *Worker) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

func memorySnapshot() model.MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return model.MemorySnapshot{
		HeapAllocBytes: ms.HeapAlloc,
		NumGoroutine:   runtime.NumGoroutine(),
	}
}
