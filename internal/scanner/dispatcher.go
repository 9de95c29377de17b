package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	jsoniter "github.com/json-iterator/go"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
)

// Dispatcher runs the configured scanning engines against a live page and
// returns normalized findings. The scheduling core treats it as opaque.
type Dispatcher interface {
	AnalyzePage(ctx context.Context, page *rod.Page, opts Options) (*model.AnalysisResult, error)
}

type Options struct {
	URL     string
	Engines []string // subset of configured engines; empty means all
	Timeout time.Duration
}

// rawFinding is the shape every engine script returns elements in.
type rawFinding struct {
	RuleID   string `json:"ruleId"`
	Impact   string `json:"impact"`
	Selector string `json:"selector"`
	Message  string `json:"message"`
	HelpURL  string `json:"helpUrl"`
}

// EngineDispatcher evaluates JavaScript audit engines in the page. Each
// engine is a self-contained script returning an array of findings, so
// external engines can be registered alongside the built-in ones.
type EngineDispatcher struct {
	engines map[string]string
	timeout time.Duration
	log     *slog.Logger
}

func NewEngineDispatcher(cfg *config.ScannerConfig, log *slog.Logger) *EngineDispatcher {
	d := &EngineDispatcher{
		engines: make(map[string]string),
		timeout: cfg.EngineTimeout,
		log:     log,
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	selected := cfg.Engines
	if len(selected) == 0 {
		for name := range builtinEngines {
			selected = append(selected, name)
		}
	}
	for _, name := range selected {
		script, ok := builtinEngines[name]
		if !ok {
			log.Warn("unknown scan engine in config. skipping.", slog.String("engine", name))
			continue
		}
		d.engines[name] = script
	}
	return d
}

// RegisterEngine adds or replaces an engine script.
func (d *EngineDispatcher) RegisterEngine(name, script string) {
	d.engines[name] = script
}

func (d *EngineDispatcher) AnalyzePage(ctx context.Context, page *rod.Page, opts Options) (*model.AnalysisResult, error) {
	if page == nil {
		return nil, fmt.Errorf("analyze %s: no page handle", opts.URL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	pg := page.Context(ctx).Timeout(timeout)
	start := time.Now()

	result := &model.AnalysisResult{
		URL:       opts.URL,
		Findings:  []model.Finding{},
		ScannedAt: start,
	}
	if obj, err := pg.Eval(`() => document.title`); err == nil {
		result.Title = obj.Value.Str()
	}

	for _, name := range d.selectEngines(opts.Engines) {
		obj, err := pg.Eval(d.engines[name])
		if err != nil {
			return nil, fmt.Errorf("engine %q failed on %s: %w", name, opts.URL, err)
		}
		raw, err := obj.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("engine %q returned unreadable output: %w", name, err)
		}
		var findings []rawFinding
		if err = jsoniter.Unmarshal(raw, &findings); err != nil {
			return nil, fmt.Errorf("engine %q returned malformed findings: %w", name, err)
		}
		if len(findings) == 0 {
			result.Passes++
		}
		for _, f := range findings {
			result.Findings = append(result.Findings, model.Finding{
				Engine:   name,
				RuleID:   f.RuleID,
				Impact:   f.Impact,
				Selector: f.Selector,
				Message:  f.Message,
				HelpURL:  f.HelpURL,
			})
		}
		d.log.Debug("engine finished.", slog.String("engine", name), slog.String("url", opts.URL),
			slog.Int("findings", len(findings)))
	}
	result.Duration = time.Since(start)

	return result, nil
}

func (d *EngineDispatcher) selectEngines(requested []string) []string {
	if len(requested) == 0 {
		names := make([]string, 0, len(d.engines))
		for name := range d.engines {
			names = append(names, name)
		}
		return names
	}
	names := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := d.engines[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
