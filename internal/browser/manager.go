package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/ysmood/gson"
)

const DefaultPageID = "default"

// ContextOptions configures the isolated browsing context created for a
// session. Zero values leave the browser defaults in place.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	Locale         string
	Timezone       string
	ExtraHeaders   map[string]string
}

// NavigateOptions configures a single navigation.
type NavigateOptions struct {
	WaitUntil string // load | domcontentloaded | networkidle
	Timeout   time.Duration
	PageID    string
}

// Usage reports live resource counts for observability.
type Usage struct {
	Contexts    int  `json:"contexts"`
	Pages       int  `json:"pages"`
	Initialized bool `json:"initialized"`
}

// Manager owns the single shared browser process and hands out session-keyed
// incognito contexts and pages. Every accessor re-validates its target with a
// cheap real operation before reuse and transparently replaces it on failure,
// which keeps callers insulated from silent browser crashes.
type Manager struct {
	cfg *config.BrowserConfig
	log *slog.Logger

	mu          sync.Mutex
	launcher    *launcher.Launcher
	browser     *rod.Browser
	initialized bool
	sessions    map[string]*session
}

// session holds the pooled resources for one session key. Its mutex
// serializes (re)creation so two callers cannot race to repair the same
// stale context.
type session struct {
	mu      sync.Mutex
	browser *rod.Browser // incognito context, never shared across keys
	opts    ContextOptions
	pages   map[string]*rod.Page
}

func NewManager(cfg *config.BrowserConfig, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Initialize starts the shared browser process if it is absent or fails a
// liveness probe. It is idempotent and safe to call before every batch of
// work.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.ensureBrowserLocked(ctx)
	return err
}

// ensureBrowserLocked returns a healthy shared browser, relaunching it when
// the probe fails. Callers must hold m.mu.
func (m *Manager) ensureBrowserLocked(ctx context.Context) (*rod.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.browser != nil {
		if err := probeBrowser(m.browser); err == nil {
			return m.browser, nil
		}
		m.log.Warn("browser process failed health probe. relaunching.")
		m.teardownLocked()
	}

	l := newLauncher(m.cfg)
	b, err := launchBrowser(l, m.cfg.LaunchTimeout)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	m.launcher = l
	m.browser = b
	m.initialized = true
	m.log.Info("browser process started.")

	return m.browser, nil
}

// teardownLocked discards a dead browser process and its launcher. Session
// contexts belonged to that process, so their next liveness probe fails and
// the session rebuilds itself against the relaunched browser. Callers must
// hold m.mu.
func (m *Manager) teardownLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.Debug("failed to close dead browser.", slog.String("err", err.Error()))
		}
	}
	if m.launcher != nil {
		m.launcher.Cleanup()
	}
	m.browser = nil
	m.launcher = nil
	m.initialized = false
}

// probeBrowser opens and closes a throwaway context and page. A crashed or
// disconnected process fails on the first call.
func probeBrowser(b *rod.Browser) error {
	inc, err := b.Incognito()
	if err != nil {
		return err
	}
	pg, err := inc.Page(proto.TargetCreateTarget{})
	if err != nil {
		return err
	}
	if err = pg.Close(); err != nil {
		return err
	}
	return proto.TargetDisposeBrowserContext{BrowserContextID: inc.BrowserContextID}.Call(b)
}

// GetContext returns the isolated browsing context for sessionID, creating it
// if absent. A stale context is discarded and recreated transparently.
func (m *Manager) GetContext(ctx context.Context, sessionID string, opts ContextOptions) (*rod.Browser, error) {
	sess := m.sessionFor(sessionID, opts)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return m.ensureContextLocked(ctx, sessionID, sess)
}

// sessionFor returns the session entry for a key, creating a placeholder if
// needed. Options are recorded on first use of the key.
func (m *Manager) sessionFor(sessionID string, opts ContextOptions) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &session{opts: opts, pages: make(map[string]*rod.Page)}
		m.sessions[sessionID] = sess
	}
	return sess
}

// ensureContextLocked validates and if necessary (re)creates the incognito
// context. Callers must hold sess.mu.
func (m *Manager) ensureContextLocked(ctx context.Context, sessionID string, sess *session) (*rod.Browser, error) {
	if sess.browser != nil {
		if err := probeContext(sess.browser); err == nil {
			return sess.browser, nil
		}
		m.log.Warn("stale browsing context discarded.", slog.String("session", sessionID))
		m.disposeContext(sess)
	}

	m.mu.Lock()
	shared, err := m.ensureBrowserLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	inc, err := shared.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create browsing context for session %q: %w", sessionID, err)
	}
	sess.browser = inc
	m.log.Debug("browsing context created.", slog.String("session", sessionID))

	return sess.browser, nil
}

// probeContext attempts a trivial real operation against a context.
func probeContext(b *rod.Browser) error {
	pg, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return err
	}
	return pg.Close()
}

// GetPage returns the page at (sessionID, pageID), creating it if needed.
// Liveness is validated with a closed-check plus a no-op script evaluation;
// on failure the page (and, if necessary, its context) is recreated.
func (m *Manager) GetPage(ctx context.Context, sessionID, pageID string) (*rod.Page, error) {
	if pageID == "" {
		pageID = DefaultPageID
	}
	sess := m.sessionFor(sessionID, ContextOptions{})
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if pg, ok := sess.pages[pageID]; ok {
		if err := probePage(pg); err == nil {
			return pg, nil
		}
		m.log.Warn("stale page discarded.", slog.String("session", sessionID), slog.String("page", pageID))
		_ = pg.Close()
		delete(sess.pages, pageID)
	}

	cb, err := m.ensureContextLocked(ctx, sessionID, sess)
	if err != nil {
		return nil, err
	}
	pg, err := cb.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		// The context itself may have died between the probe and the page
		// creation. Rebuild it once and retry.
		m.disposeContext(sess)
		if cb, err = m.ensureContextLocked(ctx, sessionID, sess); err != nil {
			return nil, err
		}
		if pg, err = cb.Page(proto.TargetCreateTarget{URL: "about:blank"}); err != nil {
			return nil, fmt.Errorf("create page %q for session %q: %w", pageID, sessionID, err)
		}
	}
	if err = m.configurePage(pg, sess.opts); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("configure page %q for session %q: %w", pageID, sessionID, err)
	}
	sess.pages[pageID] = pg
	m.log.Debug("page created.", slog.String("session", sessionID), slog.String("page", pageID))

	return pg, nil
}

// probePage combines a closed-check with a no-op evaluation.
func probePage(pg *rod.Page) error {
	if _, err := pg.Info(); err != nil {
		return err
	}
	_, err := pg.Eval(`() => true`)
	return err
}

func (m *Manager) configurePage(pg *rod.Page, opts ContextOptions) error {
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		err := pg.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return err
		}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = m.cfg.UserAgent
	}
	if userAgent != "" {
		if err := pg.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			return err
		}
	}
	if opts.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: opts.Locale}).Call(pg); err != nil {
			return err
		}
	}
	if opts.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: opts.Timezone}).Call(pg); err != nil {
			return err
		}
	}
	if len(opts.ExtraHeaders) > 0 {
		if err := (proto.NetworkEnable{}).Call(pg); err != nil {
			return err
		}
		headers := make(proto.NetworkHeaders, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			headers[k] = gson.New(v)
		}
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(pg); err != nil {
			return err
		}
	}
	return nil
}

// NavigateToURL acquires the session's page, navigates it and waits for the
// page to settle. The returned handle stays pooled under the session key.
func (m *Manager) NavigateToURL(ctx context.Context, sessionID, url string, opts NavigateOptions) (*rod.Page, error) {
	pg, err := m.GetPage(ctx, sessionID, opts.PageID)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.NavigationTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	nav := pg.Context(ctx).Timeout(timeout)

	if err = nav.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate session %q to %s: %w", sessionID, url, err)
	}
	switch opts.WaitUntil {
	case "networkidle":
		// Subscribed only after the navigation committed; a failed Navigate
		// must not leave the request-idle listener behind on the pooled page.
		nav.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
	case "domcontentloaded":
		if err = nav.WaitDOMStable(300*time.Millisecond, 0); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", url, err)
		}
	default:
		if err = nav.WaitLoad(); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", url, err)
		}
	}
	if m.cfg.StabilizationDelay > 0 {
		// Best effort; a page that keeps repainting should not fail the
		// navigation.
		if err = nav.WaitStable(m.cfg.StabilizationDelay); err != nil {
			m.log.Debug("page did not stabilize.", slog.String("url", url), slog.String("err", err.Error()))
		}
	}

	return pg, nil
}

// Cleanup closes and evicts all pages and the context for a session. It is
// idempotent; close errors are logged and swallowed because cleanup must not
// block callers.
func (m *Manager) Cleanup(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	for pageID, pg := range sess.pages {
		if err := pg.Close(); err != nil {
			m.log.Debug("failed to close page.", slog.String("session", sessionID),
				slog.String("page", pageID), slog.String("err", err.Error()))
		}
	}
	sess.pages = make(map[string]*rod.Page)
	m.disposeContext(sess)
	m.log.Debug("session cleaned up.", slog.String("session", sessionID))
}

// disposeContext releases the incognito context of a session. Callers must
// hold sess.mu.
func (m *Manager) disposeContext(sess *session) {
	if sess.browser == nil {
		return
	}
	m.mu.Lock()
	shared := m.browser
	m.mu.Unlock()
	if shared != nil {
		err := proto.TargetDisposeBrowserContext{BrowserContextID: sess.browser.BrowserContextID}.Call(shared)
		if err != nil {
			m.log.Debug("failed to dispose browsing context.", slog.String("err", err.Error()))
		}
	}
	sess.browser = nil
	for id, pg := range sess.pages {
		_ = pg.Close()
		delete(sess.pages, id)
	}
}

// CleanupAll closes every session and the shared browser process, resetting
// the manager to its uninitialized state.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	b := m.browser
	l := m.launcher
	m.browser = nil
	m.launcher = nil
	m.initialized = false
	m.mu.Unlock()

	for sessionID, sess := range sessions {
		sess.mu.Lock()
		for _, pg := range sess.pages {
			_ = pg.Close()
		}
		sess.pages = make(map[string]*rod.Page)
		sess.browser = nil
		sess.mu.Unlock()
		m.log.Debug("session cleaned up.", slog.String("session", sessionID))
	}
	if b != nil {
		if err := b.Close(); err != nil {
			m.log.Warn("failed to close browser.", slog.String("err", err.Error()))
		}
	}
	if l != nil {
		l.Cleanup()
	}
	m.log.Info("browser resources released.")
}

// ResourceUsage reports live contexts/pages and the initialization flag.
func (m *Manager) ResourceUsage() Usage {
	m.mu.Lock()
	usage := Usage{Initialized: m.initialized}
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.browser != nil {
			usage.Contexts++
		}
		usage.Pages += len(sess.pages)
		sess.mu.Unlock()
	}
	return usage
}
