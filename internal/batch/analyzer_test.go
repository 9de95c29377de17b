package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/nimbleapproach/a11y-scan-worker/internal/browser"
	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
	"github.com/nimbleapproach/a11y-scan-worker/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolRef(b bool) *bool {
	return &b
}

type fakeBrowser struct {
	mu       sync.Mutex
	sessions []string
}

func (fb *fakeBrowser) NavigateToURL(_ context.Context, sessionID, _ string,
	_ browser.NavigateOptions) (*rod.Page, error) {
	return nil, nil
}

func (fb *fakeBrowser) Cleanup(sessionID string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.sessions = append(fb.sessions, sessionID)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	attempts map[string]int
	failFor  map[string]int // fail the first n attempts of a url; -1 means always
	blockFor map[string]chan struct{}
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		attempts: make(map[string]int),
		failFor:  make(map[string]int),
		blockFor: make(map[string]chan struct{}),
	}
}

func (fd *fakeDispatcher) AnalyzePage(_ context.Context, _ *rod.Page,
	opts scanner.Options) (*model.AnalysisResult, error) {
	cur := fd.inFlight.Add(1)
	defer fd.inFlight.Add(-1)
	for {
		prev := fd.maxInFlight.Load()
		if cur <= prev || fd.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	fd.mu.Lock()
	fd.attempts[opts.URL]++
	attempt := fd.attempts[opts.URL]
	failUntil := fd.failFor[opts.URL]
	block := fd.blockFor[opts.URL]
	fd.mu.Unlock()

	if block != nil {
		<-block
	}
	if fd.delay > 0 {
		time.Sleep(fd.delay)
	}
	if failUntil < 0 || attempt <= failUntil {
		return nil, errors.New("engine crashed")
	}
	return &model.AnalysisResult{URL: opts.URL, Passes: 1}, nil
}

func (fd *fakeDispatcher) attemptCount(url string) int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.attempts[url]
}

func newTestAnalyzer(fd *fakeDispatcher) (*Analyzer, *fakeBrowser) {
	fb := &fakeBrowser{}
	return NewAnalyzer(fb, fd, &config.BatchConfig{}, nil, testLogger()), fb
}

func TestAnalyzePagesEmpty(t *testing.T) {
	a, _ := newTestAnalyzer(newFakeDispatcher())
	result, err := a.AnalyzePages(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Successful)
	assert.Empty(t, result.Failed)
}

func TestConcurrencyCeiling(t *testing.T) {
	fd := newFakeDispatcher()
	fd.delay = 20 * time.Millisecond
	a, _ := newTestAnalyzer(fd)

	pages := []string{"https://s/1", "https://s/2", "https://s/3", "https://s/4", "https://s/5", "https://s/6"}
	result, err := a.AnalyzePages(context.Background(), pages, Options{
		MaxConcurrency: 2,
		BatchSize:      6,
	})
	require.NoError(t, err)
	assert.Len(t, result.Successful, 6)
	assert.LessOrEqual(t, fd.maxInFlight.Load(), int32(2))
}

func TestRetryFailedPages(t *testing.T) {
	fd := newFakeDispatcher()
	fd.failFor["https://s/flaky"] = 2
	a, _ := newTestAnalyzer(fd)

	result, err := a.AnalyzePages(context.Background(), []string{"https://s/flaky"}, Options{
		RetryFailedPages: boolRef(true),
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Equal(t, 3, fd.attemptCount("https://s/flaky"))
}

func TestRetryExhaustionRecordsAttempts(t *testing.T) {
	fd := newFakeDispatcher()
	fd.failFor["https://s/broken"] = -1
	a, _ := newTestAnalyzer(fd)

	result, err := a.AnalyzePages(context.Background(), []string{"https://s/broken"}, Options{
		RetryFailedPages: boolRef(true),
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 3, result.Failed[0].Attempts)
	assert.Equal(t, "engine crashed", result.Failed[0].Error)
}

func TestNoRetryWhenDisabled(t *testing.T) {
	fd := newFakeDispatcher()
	fd.failFor["https://s/broken"] = -1
	a, _ := newTestAnalyzer(fd)

	result, err := a.AnalyzePages(context.Background(), []string{"https://s/broken"}, Options{})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, fd.attemptCount("https://s/broken"))
}

func TestExplicitFalseOverridesConfiguredRetries(t *testing.T) {
	fd := newFakeDispatcher()
	fd.failFor["https://s/broken"] = -1
	cfg := &config.BatchConfig{RetryFailedPages: true, MaxRetries: 3, RetryDelay: time.Millisecond}
	a := NewAnalyzer(&fakeBrowser{}, fd, cfg, nil, testLogger())

	result, err := a.AnalyzePages(context.Background(), []string{"https://s/broken"}, Options{
		RetryFailedPages: boolRef(false),
	})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, fd.attemptCount("https://s/broken"))
}

func TestEachAttemptUsesFreshSession(t *testing.T) {
	fd := newFakeDispatcher()
	fd.failFor["https://s/flaky"] = 1
	a, fb := newTestAnalyzer(fd)

	_, err := a.AnalyzePages(context.Background(), []string{"https://s/flaky"}, Options{
		RetryFailedPages: boolRef(true),
		MaxRetries:       1,
		RetryDelay:       time.Millisecond,
	})
	require.NoError(t, err)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.sessions, 2)
	assert.NotEqual(t, fb.sessions[0], fb.sessions[1])
}

func TestAggregateStats(t *testing.T) {
	fd := newFakeDispatcher()
	fd.failFor["https://s/broken"] = -1
	a, _ := newTestAnalyzer(fd)

	pages := []string{"https://s/1", "https://s/2", "https://s/3", "https://s/broken"}
	result, err := a.AnalyzePages(context.Background(), pages, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Successful, 3)
	assert.Len(t, result.Failed, 1)
	assert.InDelta(t, 75.0, result.SuccessRate, 0.001)
	assert.Greater(t, result.TotalTime, time.Duration(0))
	assert.Greater(t, result.AverageTimePerPage, time.Duration(0))
}

func TestCancelledRunSkipOnError(t *testing.T) {
	fd := newFakeDispatcher()
	release := make(chan struct{})
	fd.blockFor["https://s/1"] = release
	a, _ := newTestAnalyzer(fd)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(release)
	}()

	pages := []string{"https://s/1", "https://s/2", "https://s/3", "https://s/4"}
	result, err := a.AnalyzePages(ctx, pages, Options{
		BatchSize:           2,
		DelayBetweenBatches: 50 * time.Millisecond,
		SkipOnError:         boolRef(true),
	})
	require.NoError(t, err)
	// The second batch never ran; its pages are recorded as failures.
	total := len(result.Successful) + len(result.Failed)
	assert.Equal(t, 4, total)
	assert.Zero(t, fd.attemptCount("https://s/3"))
	assert.Zero(t, fd.attemptCount("https://s/4"))
}

func TestCancelledRunReturnsError(t *testing.T) {
	fd := newFakeDispatcher()
	release := make(chan struct{})
	fd.blockFor["https://s/1"] = release
	a, _ := newTestAnalyzer(fd)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(release)
	}()

	pages := []string{"https://s/1", "https://s/2", "https://s/3", "https://s/4"}
	result, err := a.AnalyzePages(ctx, pages, Options{
		BatchSize:           2,
		DelayBetweenBatches: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// Pages that never ran are not padded into the result without SkipOnError.
	assert.Less(t, len(result.Successful)+len(result.Failed), 4)
}
