package scanner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	jsoniter "github.com/json-iterator/go"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEngineDispatcherDefaultsToAllBuiltins(t *testing.T) {
	d := NewEngineDispatcher(&config.ScannerConfig{}, testLogger())
	assert.Len(t, d.engines, len(builtinEngines))
}

func TestNewEngineDispatcherSkipsUnknownEngines(t *testing.T) {
	d := NewEngineDispatcher(&config.ScannerConfig{
		Engines: []string{"image-alt", "mind-reader"},
	}, testLogger())
	assert.Len(t, d.engines, 1)
	_, ok := d.engines["image-alt"]
	assert.True(t, ok)
}

func TestRegisterEngine(t *testing.T) {
	d := NewEngineDispatcher(&config.ScannerConfig{Engines: []string{"image-alt"}}, testLogger())
	d.RegisterEngine("custom", `() => []`)
	assert.Len(t, d.engines, 2)
}

func TestSelectEnginesFiltersToConfigured(t *testing.T) {
	d := NewEngineDispatcher(&config.ScannerConfig{
		Engines: []string{"image-alt", "form-labels"},
	}, testLogger())

	assert.ElementsMatch(t, []string{"image-alt", "form-labels"}, d.selectEngines(nil))
	assert.Equal(t, []string{"image-alt"}, d.selectEngines([]string{"image-alt", "link-text"}))
}

func TestAnalyzePageRejectsNilPage(t *testing.T) {
	d := NewEngineDispatcher(&config.ScannerConfig{}, testLogger())
	_, err := d.AnalyzePage(context.Background(), nil, Options{URL: "https://example.com"})
	assert.Error(t, err)
}

func TestRawFindingDecoding(t *testing.T) {
	payload := `[{"ruleId":"image-alt","impact":"critical","selector":"img:nth-of-type(1)",` +
		`"message":"image has no alt attribute","helpUrl":"https://example.com/rules/image-alt"}]`
	var findings []rawFinding
	require.NoError(t, jsoniter.Unmarshal([]byte(payload), &findings))
	require.Len(t, findings, 1)
	assert.Equal(t, "image-alt", findings[0].RuleID)
	assert.Equal(t, "critical", findings[0].Impact)
	assert.Equal(t, "img:nth-of-type(1)", findings[0].Selector)
}

func testPage(t *testing.T, html string) *rod.Page {
	t.Helper()
	if os.Getenv("BROWSER_TESTS") == "" {
		t.Skip("set BROWSER_TESTS=1 to run tests against a real browser")
	}
	u, err := launcher.New().Headless(true).Launch()
	require.NoError(t, err)
	b := rod.New().ControlURL(u)
	require.NoError(t, b.Connect())
	t.Cleanup(func() { _ = b.Close() })
	pg, err := b.Page(proto.TargetCreateTarget{})
	require.NoError(t, err)
	require.NoError(t, pg.SetDocumentContent(html))
	return pg
}

func TestAnalyzePageFindsMissingAlt(t *testing.T) {
	pg := testPage(t, `<html lang="en"><head><title>t</title></head>
		<body><h1>hi</h1><img src="x.png"><a href="/about">about the team</a></body></html>`)
	d := NewEngineDispatcher(&config.ScannerConfig{Engines: []string{"image-alt"}}, testLogger())

	result, err := d.AnalyzePage(context.Background(), pg, Options{URL: "https://example.com"})
	require.NoError(t, err)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "image-alt", result.Findings[0].Engine)
	assert.Equal(t, "image-alt", result.Findings[0].RuleID)
}

func TestAnalyzePageCleanDocumentPasses(t *testing.T) {
	pg := testPage(t, `<html lang="en"><head><title>clean</title></head>
		<body><h1>hi</h1><img src="x.png" alt="an image"></body></html>`)
	d := NewEngineDispatcher(&config.ScannerConfig{}, testLogger())

	result, err := d.AnalyzePage(context.Background(), pg, Options{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	assert.Equal(t, len(builtinEngines), result.Passes)
	assert.Equal(t, "clean", result.Title)
}
