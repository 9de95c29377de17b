package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netUrl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// Service discovers the pages of a site for full-site scan tasks. It crawls
// same-domain links live first and falls back to the CommonCrawl web archive
// for sites the live crawl cannot enumerate. Results are memoized per start
// URL because full-site tasks are commonly retried.
type Service struct {
	cfg        *config.DiscoveryConfig
	log        *slog.Logger
	archive    *commoncrawl.CommonCrawl
	localCache *cache.Cache
}

func NewService(cfg *config.DiscoveryConfig, log *slog.Logger) *Service {
	c, err := commoncrawl.New(cfg.ArchiveTimeout, cfg.ArchiveRetries)
	if err != nil {
		log.Error("failed to create common crawl client", slog.String("err", err.Error()))
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		archive:    c,
		localCache: cache.New(1*time.Hour, 1*time.Hour),
	}
}

// DiscoverPages returns up to maxPages same-site URLs reachable from
// startURL. Zero maxDepth/maxPages fall back to configuration.
func (s *Service) DiscoverPages(ctx context.Context, startURL string, maxDepth, maxPages int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = s.cfg.MaxDepth
	}
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if maxPages <= 0 {
		maxPages = s.cfg.MaxPages
	}
	if maxPages <= 0 {
		maxPages = 50
	}

	u, err := netUrl.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url %q: %w", startURL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("start url %q has no host", startURL)
	}

	cacheKey := fmt.Sprintf("pages|%s|%d|%d", startURL, maxDepth, maxPages)
	if cached, ok := s.localCache.Get(cacheKey); ok {
		return cached.([]string), nil
	}

	pages, err := s.crawlSite(ctx, startURL, u, maxDepth, maxPages)
	if err != nil {
		s.log.Warn("live discovery failed. trying web archive.", slog.String("url", startURL),
			slog.String("err", err.Error()))
	}
	if len(pages) == 0 {
		pages, err = s.archiveDiscover(u.Hostname(), maxPages)
		if err != nil {
			return nil, err
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages discovered for %s", startURL)
	}
	s.localCache.Set(cacheKey, pages, cache.DefaultExpiration)

	return pages, nil
}

// crawlSite follows same-domain links breadth-first up to maxDepth.
func (s *Service) crawlSite(ctx context.Context, startURL string, u *netUrl.URL,
	maxDepth, maxPages int) ([]string, error) {
	domains := []string{u.Hostname(), "www." + u.Hostname()}
	if u.Host != u.Hostname() { // keep the host:port form too
		domains = append(domains, u.Host)
	}
	c := colly.NewCollector(
		colly.MaxDepth(maxDepth),
		colly.AllowedDomains(domains...),
	)
	if s.cfg.RequestTimeout > 0 {
		c.SetRequestTimeout(s.cfg.RequestTimeout)
	}
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	pages := make([]string, 0, maxPages)
	record := func(link string) bool {
		mu.Lock()
		defer mu.Unlock()
		if seen[link] || len(pages) >= maxPages {
			return false
		}
		seen[link] = true
		pages = append(pages, link)
		return true
	}
	record(normalizeLink(startURL))

	sameSite := func(link string) bool {
		lu, err := netUrl.Parse(link)
		if err != nil {
			return false
		}
		h := lu.Hostname()
		return h == u.Hostname() || h == "www."+u.Hostname()
	}
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if ctx.Err() != nil {
			return
		}
		link := normalizeLink(e.Request.AbsoluteURL(e.Attr("href")))
		if link == "" || !sameSite(link) || !record(link) {
			return
		}
		_ = e.Request.Visit(link)
	})
	c.OnError(func(r *colly.Response, err error) {
		s.log.Debug("discovery request failed.", slog.String("url", r.Request.URL.String()),
			slog.String("err", err.Error()))
	})

	if err := c.Visit(startURL); err != nil {
		if len(pages) <= 1 { // only the seed; nothing was actually reachable
			return nil, fmt.Errorf("visit %s: %w", startURL, err)
		}
		return pages, fmt.Errorf("visit %s: %w", startURL, err)
	}

	return pages, nil
}

// normalizeLink strips fragments and trailing slashes so one page counts
// once.
func normalizeLink(link string) string {
	if link == "" {
		return ""
	}
	if i := strings.Index(link, "#"); i >= 0 {
		link = link[:i]
	}
	return strings.TrimSuffix(link, "/")
}

// archiveDiscover enumerates site URLs recorded by CommonCrawl. Some sites
// render their navigation entirely in JavaScript, which a plain HTTP crawl
// cannot follow; the archive index still knows their pages.
func (s *Service) archiveDiscover(host string, maxPages int) ([]string, error) {
	if s.archive == nil { // due to request limitations, the client may not be initialized when the application starts
		s.log.Info("connection retry to common crawl.")
		var err error
		s.archive, err = commoncrawl.New(s.cfg.ArchiveTimeout, s.cfg.ArchiveRetries)
		if err != nil {
			s.log.Error("failed to create common crawl client", slog.String("err", err.Error()))
			return nil, errors.New("connection to common crawl failed")
		}
	}

	indexList, err := s.getIndexes()
	if err != nil {
		return nil, err
	}
	requestCfg := common.RequestConfig{
		URL:     host + "/*",
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}

	seen := map[string]bool{}
	pages := make([]string, 0, maxPages)
	lastIndexes := s.cfg.LastCrawlIndexes
	if lastIndexes <= 0 || lastIndexes > len(indexList) {
		lastIndexes = 1
	}
	for i := 0; i < lastIndexes; i++ {
		records, _ := s.archive.GetPagesIndex(requestCfg, indexList[i].Id)
		if len(records) == 0 {
			s.log.Debug("no archived pages found", slog.String("host", host),
				slog.String("index", indexList[i].Id))
			continue
		}
		for _, rec := range records {
			link := normalizeLink(rec.Original)
			if link == "" || seen[link] {
				continue
			}
			seen[link] = true
			pages = append(pages, link)
			if len(pages) >= maxPages {
				return pages, nil
			}
		}
	}

	return pages, nil
}

func (s *Service) getIndexes() ([]Index, error) {
	if i, ok := s.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, s.archive.MaxTimeout, s.archive.MaxRetries)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	err = jsoniter.Unmarshal(response, &indexes)
	if err != nil {
		return indexes, err
	}
	// indexes update roughly monthly; keep them far longer than page results
	s.localCache.Set("indexes", indexes, 72*time.Hour)

	return indexes, nil
}
