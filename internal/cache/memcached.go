package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/nimbleapproach/a11y-scan-worker/config"
)

type CachedClient interface {
	GetOrAnalyze(key string, compute func() ([]byte, error), ttl time.Duration) ([]byte, error)
	SaveReportLink(string, string)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

// GetOrAnalyze returns the cached value for key, or runs compute and caches
// its result. A failing cache never blocks analysis; compute's error is the
// only error returned.
func (mc *MemcachedClient) GetOrAnalyze(key string, compute func() ([]byte, error), ttl time.Duration) ([]byte, error) {
	hashed := hashURL(key)
	item, err := mc.client.Get(hashed)
	if err == nil {
		mc.log.Debug("cache hit.", slog.String("key", hashed))
		return item.Value, nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		mc.log.Warn("failed to read from cache.", slog.String("key", hashed),
			slog.String("err", err.Error()))
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}
	setErr := mc.client.Set(&memcache.Item{
		Key:        hashed,
		Value:      value,
		Expiration: int32(ttl.Seconds()),
	})
	if setErr != nil {
		mc.log.Error("failed to save analysis to cache.", slog.String("key", hashed),
			slog.String("err", setErr.Error()))
	}

	return value, nil
}

func (mc *MemcachedClient) SaveReportLink(url string, linkToS3 string) {
	if linkToS3 == "" {
		mc.log.Warn("s3 link is empty. Skip saving to cache.")
		return
	}
	key := hashURL(url)
	if err := mc.set(key, linkToS3, int32((mc.cfg.TtlForReport).Seconds())); err != nil {
		mc.log.Error("failed to save s3 link to cache.", slog.String("key", key),
			slog.String("err", err.Error()))
	}
	mc.log.Debug("s3 link saved to cache.")
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) set(key string, value any, expiration int32) error {
	byteValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	item := &memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: expiration,
	}

	return mc.client.Set(item)
}

func hashURL(url string) string {
	hash := sha256.New()
	hash.Write([]byte(url))
	return hex.EncodeToString(hash.Sum(nil))
}
