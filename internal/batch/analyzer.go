package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/nimbleapproach/a11y-scan-worker/internal/browser"
	"github.com/nimbleapproach/a11y-scan-worker/internal/metrics"
	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
	"github.com/nimbleapproach/a11y-scan-worker/internal/scanner"
)

// PageProvider is the slice of the browser resource manager the analyzer
// needs. *browser.Manager satisfies it.
type PageProvider interface {
	NavigateToURL(ctx context.Context, sessionID, url string, opts browser.NavigateOptions) (*rod.Page, error)
	Cleanup(sessionID string)
}

// Options tunes one AnalyzePages run. Unset values fall back to the
// analyzer's configuration; the pointer fields distinguish an explicit
// false from "not set", so a caller can disable a behavior the
// configuration enables.
type Options struct {
	MaxConcurrency      int
	BatchSize           int
	DelayBetweenBatches time.Duration
	RetryFailedPages    *bool
	MaxRetries          int
	RetryDelay          time.Duration // base delay; attempt n waits n*RetryDelay
	SkipOnError         *bool
	Engines             []string
	WaitUntil           string
}

// Analyzer processes a caller-supplied page list directly, without queue
// bookkeeping: batches run strictly sequentially with a politeness delay
// between them, and pages inside a batch fan out under a counting semaphore.
// The caller awaits the whole run and receives one aggregated result.
type Analyzer struct {
	browsers   PageProvider
	dispatcher scanner.Dispatcher
	cfg        *config.BatchConfig
	metrics    *metrics.Metrics
	log        *slog.Logger
}

func NewAnalyzer(browsers PageProvider, dispatcher scanner.Dispatcher, cfg *config.BatchConfig,
	m *metrics.Metrics, log *slog.Logger) *Analyzer {
	return &Analyzer{
		browsers:   browsers,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    m,
		log:        log,
	}
}

func (a *Analyzer) options(opts Options) Options {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = a.cfg.MaxConcurrency
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = a.cfg.BatchSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.DelayBetweenBatches <= 0 {
		opts.DelayBetweenBatches = a.cfg.DelayBetweenBatches
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = a.cfg.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = a.cfg.RetryDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryFailedPages == nil {
		opts.RetryFailedPages = &a.cfg.RetryFailedPages
	}
	if opts.SkipOnError == nil {
		opts.SkipOnError = &a.cfg.SkipOnError
	}
	return opts
}

// AnalyzePages runs the full batch pipeline over pages and returns the
// aggregated result. The error return is non-nil only when the run itself
// aborts (context cancelled with SkipOnError disabled); per-page failures
// are always absorbed into the result.
func (a *Analyzer) AnalyzePages(ctx context.Context, pages []string, opts Options) (*model.BatchResult, error) {
	opts = a.options(opts)
	start := time.Now()
	result := &model.BatchResult{
		Successful: []*model.AnalysisResult{},
		Failed:     []model.PageFailure{},
	}
	if len(pages) == 0 {
		return result, nil
	}

	a.log.Info("batch analysis started.", slog.Int("pages", len(pages)),
		slog.Int("max_concurrency", opts.MaxConcurrency), slog.Int("batch_size", opts.BatchSize))

	var mu sync.Mutex
	for i := 0; i < len(pages); i += opts.BatchSize {
		end := i + opts.BatchSize
		if end > len(pages) {
			end = len(pages)
		}
		chunk := pages[i:end]

		if i > 0 && opts.DelayBetweenBatches > 0 {
			select {
			case <-time.After(opts.DelayBetweenBatches):
			case <-ctx.Done():
				return a.abort(ctx.Err(), result, pages[i:], &mu, opts, start, len(pages))
			}
		}

		if err := a.runBatch(ctx, chunk, opts, result, &mu); err != nil {
			return a.abort(err, result, pages[i:], &mu, opts, start, len(pages))
		}
	}

	a.finalize(result, start, len(pages))
	a.log.Info("batch analysis finished.", slog.Int("successful", len(result.Successful)),
		slog.Int("failed", len(result.Failed)),
		slog.String("success_rate", fmt.Sprintf("%.1f%%", result.SuccessRate)))

	return result, nil
}

// runBatch fans one chunk out under the concurrency semaphore and waits for
// it to finish.
func (a *Analyzer) runBatch(ctx context.Context, chunk []string, opts Options,
	result *model.BatchResult, mu *sync.Mutex) error {
	sem := make(chan struct{}, opts.MaxConcurrency)
	var wg sync.WaitGroup
	for _, pageURL := range chunk {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(pageURL string) {
			defer wg.Done()
			defer func() { <-sem }()
			analysis, attempts, err := a.analyzeWithRetry(ctx, pageURL, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, model.PageFailure{
					Page:     pageURL,
					Error:    err.Error(),
					Attempts: attempts,
				})
				return
			}
			result.Successful = append(result.Successful, analysis)
		}(pageURL)
	}
	wg.Wait()
	return nil
}

// analyzeWithRetry navigates and scans one page, retrying transient failures
// with a linearly increasing delay. Each attempt runs in its own throwaway
// session so a poisoned context cannot leak into the next attempt.
func (a *Analyzer) analyzeWithRetry(ctx context.Context, pageURL string,
	opts Options) (*model.AnalysisResult, int, error) {
	maxAttempts := 1
	if *opts.RetryFailedPages {
		maxAttempts += opts.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}
		analysis, err := a.analyzeOnce(ctx, pageURL, opts)
		if err == nil {
			a.metrics.IncPagesAnalyzed()
			return analysis, attempt, nil
		}
		lastErr = err
		a.log.Warn("page analysis failed.", slog.String("url", pageURL),
			slog.Int("attempt", attempt), slog.String("err", err.Error()))
		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * opts.RetryDelay):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}
	}
	return nil, maxAttempts, lastErr
}

func (a *Analyzer) analyzeOnce(ctx context.Context, pageURL string, opts Options) (*model.AnalysisResult, error) {
	sessionID := "batch-" + uuid.NewString()
	defer a.browsers.Cleanup(sessionID)

	page, err := a.browsers.NavigateToURL(ctx, sessionID, pageURL, browser.NavigateOptions{WaitUntil: opts.WaitUntil})
	if err != nil {
		return nil, err
	}
	return a.dispatcher.AnalyzePage(ctx, page, scanner.Options{URL: pageURL, Engines: opts.Engines})
}

// abort handles a batch-level failure. With SkipOnError the remaining pages
// are marked failed and the run completes normally; otherwise the partial
// result comes back alongside the error.
func (a *Analyzer) abort(err error, result *model.BatchResult, remaining []string, mu *sync.Mutex,
	opts Options, start time.Time, total int) (*model.BatchResult, error) {
	mu.Lock()
	recorded := make(map[string]bool, len(result.Successful)+len(result.Failed))
	for _, s := range result.Successful {
		recorded[s.URL] = true
	}
	for _, f := range result.Failed {
		recorded[f.Page] = true
	}
	if *opts.SkipOnError {
		for _, pageURL := range remaining {
			if recorded[pageURL] {
				continue
			}
			result.Failed = append(result.Failed, model.PageFailure{Page: pageURL, Error: err.Error()})
		}
	}
	mu.Unlock()

	a.finalize(result, start, total)
	if *opts.SkipOnError {
		a.log.Warn("batch error absorbed.", slog.String("err", err.Error()))
		return result, nil
	}
	return result, fmt.Errorf("batch analysis aborted: %w", err)
}

func (a *Analyzer) finalize(result *model.BatchResult, start time.Time, total int) {
	result.TotalTime = time.Since(start)
	if total > 0 {
		result.AverageTimePerPage = result.TotalTime / time.Duration(total)
		result.SuccessRate = float64(len(result.Successful)) / float64(total) * 100
	}
}
