package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/store"
)

var (
	// ErrOffline: no network and no fresh cached entry.
	ErrOffline = errors.New("cache: offline and no cached entry")
	// ErrFetchFailed: the call failed while online and no fresh cached
	// entry could stand in.
	ErrFetchFailed = errors.New("cache: fetch failed and no cached entry")
)

// Connectivity is the slice of the monitor the cache needs.
type Connectivity interface {
	IsOffline() bool
}

// Result is what Fetch hands back: the payload plus where it came from.
type Result struct {
	Data      json.RawMessage `json:"data"`
	FromCache bool            `json:"fromCache"`
}

type FetchOptions struct {
	// CacheKey is the caller-supplied logical name. Empty means the
	// response is not cached and a miss cannot be served.
	CacheKey string
	// TTL bounds cache freshness; zero means the configured default.
	TTL     time.Duration
	Headers map[string]string
}

// RequestCache wraps read-only remote fetches: network first, TTL-bounded
// local cache as the offline fallback. It never queues mutations and has
// no retry semantics of its own.
type RequestCache struct {
	http       *req.Client
	store      store.Store
	conn       Connectivity
	namespace  string
	defaultTTL time.Duration
}

func NewRequestCache(cfg config.CacheConfig, st store.Store, conn Connectivity) *RequestCache {
	return &RequestCache{
		http:       req.C(),
		store:      st,
		conn:       conn,
		namespace:  cfg.GetNamespace(),
		defaultTTL: cfg.GetDefaultTTL(),
	}
}

func (c *RequestCache) Fetch(ctx context.Context, url string, opts FetchOptions) (*Result, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	offline := c.conn.IsOffline()

	if !offline {
		data, err := c.doFetch(ctx, url, opts.Headers)
		if err == nil {
			c.put(ctx, opts.CacheKey, data, ttl)
			return &Result{Data: data, FromCache: false}, nil
		}
		logger.Log.Warn("Fetch failed, trying cache",
			zap.String("url", url),
			zap.String("cacheKey", opts.CacheKey),
			zap.Error(err),
		)
	}

	if res := c.lookup(ctx, opts.CacheKey); res != nil {
		return res, nil
	}

	if offline {
		return nil, ErrOffline
	}
	return nil, ErrFetchFailed
}

func (c *RequestCache) Clear(ctx context.Context, key string) error {
	return c.store.DeleteCacheEntry(ctx, c.namespace+key)
}

func (c *RequestCache) ClearAll(ctx context.Context) (int64, error) {
	return c.store.DeleteCacheByPrefix(ctx, c.namespace)
}

func (c *RequestCache) doFetch(ctx context.Context, url string, headers map[string]string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.RawMessage(resp.Bytes()), nil
}

func (c *RequestCache) put(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) {
	if key == "" {
		return
	}

	now := time.Now().UTC()
	entry := &store.CacheEntry{
		Key:       c.namespace + key,
		Data:      data,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		// A broken cache write must not fail a successful fetch.
		logger.Log.Warn("Failed to store cache entry", zap.String("key", key), zap.Error(err))
	}
}

// lookup returns a fresh entry or nil. Stale entries are purged and
// treated as misses.
func (c *RequestCache) lookup(ctx context.Context, key string) *Result {
	if key == "" {
		return nil
	}

	entry, err := c.store.GetCacheEntry(ctx, c.namespace+key)
	if err != nil {
		logger.Log.Warn("Failed to read cache entry", zap.String("key", key), zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}

	if !entry.ExpiresAt.After(time.Now()) {
		if err := c.store.DeleteCacheEntry(ctx, entry.Key); err != nil {
			logger.Log.Warn("Failed to purge stale cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	return &Result{Data: entry.Data, FromCache: true}
}
