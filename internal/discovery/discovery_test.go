package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoggerDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(t *testing.T, cfg *config.DiscoveryConfig) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &config.DiscoveryConfig{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	cfg.ArchiveTimeout = 1
	cfg.ArchiveRetries = 1
	return NewService(cfg, testLoggerDiscard())
}

func siteServer() *httptest.Server {
	mux := http.NewServeMux()
	page := func(links ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body>")
			for _, l := range links {
				fmt.Fprintf(w, `<a href=%q>link</a>`, l)
			}
			fmt.Fprint(w, "</body></html>")
		}
	}
	mux.HandleFunc("/", page("/about", "/products", "https://elsewhere.example/external"))
	mux.HandleFunc("/about", page("/", "/about#team", "/contact"))
	mux.HandleFunc("/products", page("/products/1", "/products/2"))
	mux.HandleFunc("/contact", page("/"))
	mux.HandleFunc("/products/1", page())
	mux.HandleFunc("/products/2", page())
	return httptest.NewServer(mux)
}

func TestDiscoverPagesSameDomainOnly(t *testing.T) {
	srv := siteServer()
	defer srv.Close()
	s := testService(t, nil)

	pages, err := s.DiscoverPages(context.Background(), srv.URL, 3, 50)
	require.NoError(t, err)
	require.NotEmpty(t, pages)
	for _, p := range pages {
		assert.Contains(t, p, srv.URL)
	}
	assert.Contains(t, pages, srv.URL+"/about")
	assert.Contains(t, pages, srv.URL+"/products/1")
	// Fragments are stripped, the team anchor is not a separate page.
	assert.NotContains(t, pages, srv.URL+"/about#team")
}

func TestDiscoverPagesHonorsMaxPages(t *testing.T) {
	srv := siteServer()
	defer srv.Close()
	s := testService(t, nil)

	pages, err := s.DiscoverPages(context.Background(), srv.URL, 3, 2)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestDiscoverPagesMemoizes(t *testing.T) {
	srv := siteServer()
	s := testService(t, nil)

	first, err := s.DiscoverPages(context.Background(), srv.URL, 2, 10)
	require.NoError(t, err)

	// The site going away does not matter for a memoized result.
	srv.Close()
	second, err := s.DiscoverPages(context.Background(), srv.URL, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDiscoverPagesBadURL(t *testing.T) {
	s := testService(t, nil)
	_, err := s.DiscoverPages(context.Background(), "not a url", 1, 5)
	assert.Error(t, err)
}

func TestNormalizeLink(t *testing.T) {
	assert.Equal(t, "https://a.example/page", normalizeLink("https://a.example/page#section"))
	assert.Equal(t, "https://a.example/page", normalizeLink("https://a.example/page/"))
	assert.Equal(t, "", normalizeLink(""))
}
