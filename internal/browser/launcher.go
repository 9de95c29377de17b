package browser

import (
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/nimbleapproach/a11y-scan-worker/config"
)

func newLauncher(cfg *config.BrowserConfig) *launcher.Launcher {
	options := launcher.New().
		Headless(cfg.Headless).
		Set("allow-running-insecure-content").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("no-sandbox").
		Set("no-first-run").
		Set("no-default-browser-check")

	if cfg.Proxy != "" {
		options.Proxy(cfg.Proxy)
	}
	if cfg.DisableGPU {
		options = options.Set("disable-gpu")
	}
	return options
}

// launchBrowser starts the shared browser process and connects to it. Chrome
// occasionally hangs on startup under load, so the launch is bounded by a
// timeout.
func launchBrowser(l *launcher.Launcher, timeout time.Duration) (*rod.Browser, error) {
	type result struct {
		browser *rod.Browser
		err     error
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	resultChan := make(chan result, 1)
	go func() {
		controlURL, err := l.Launch()
		if err != nil {
			resultChan <- result{nil, err}
			return
		}
		b := rod.New().ControlURL(controlURL)
		if err = b.Connect(); err != nil {
			resultChan <- result{nil, err}
			return
		}
		resultChan <- result{browser: b}
	}()

	select {
	case res := <-resultChan:
		return res.browser, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout reached while trying to launch a browser")
	}
}
