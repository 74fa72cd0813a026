// Package jwkscache keeps the chat gateway's signing keys, fetched from its
// JWKS endpoint and refreshed per the endpoint's HTTP caching headers.
package jwkscache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/partyroster/be/pkg/common/clock"
	"github.com/partyroster/be/pkg/common/logger"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultStaleGrace = time.Hour
	// DefaultMinRefresh is the shortest gap between two forced revalidations.
	DefaultMinRefresh = 30 * time.Second
	maxBody           = 1 << 20
)

// Cache serves one JWKS document. Concurrent callers share one fetch and
// no lock is held while it runs.
type Cache struct {
	url        string
	client     *http.Client
	clock      clock.Clock
	ttl        time.Duration
	staleGrace time.Duration
	minRefresh time.Duration

	group singleflight.Group

	mu        sync.Mutex
	cur       *entry // never mutated once published
	lastFetch time.Time
}

type entry struct {
	set          jwk.Set
	freshUntil   time.Time
	staleUntil   time.Time
	etag         string
	lastModified string
}

// Option configures a Cache.
type Option func(*Cache)

func WithClient(c *http.Client) Option { return func(k *Cache) { k.client = c } }
func WithClock(c clock.Clock) Option   { return func(k *Cache) { k.clock = c } }

// WithTTL sets the lifetime used when the response carries no caching
// directive, and how long a stale set may still be served when refreshing fails.
func WithTTL(ttl, staleGrace time.Duration) Option {
	return func(k *Cache) {
		k.ttl = ttl
		k.staleGrace = staleGrace
	}
}

// WithMinRefresh sets how soon after a fetch Invalidate may force another.
func WithMinRefresh(d time.Duration) Option {
	return func(k *Cache) { k.minRefresh = d }
}

// New returns a Cache for the JWKS document at url.
func New(url string, opts ...Option) *Cache {
	c := &Cache{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		clock:      clock.Real(),
		ttl:        DefaultTTL,
		staleGrace: DefaultStaleGrace,
		minRefresh: DefaultMinRefresh,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns the key set, fetching or revalidating it when it is no
// longer fresh.
func (c *Cache) Get(ctx context.Context) (jwk.Set, error) {
	now := c.clock.Now()
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur != nil && now.Before(cur.freshUntil) {
		return cur.set, nil
	}

	v, err, _ := c.group.Do(c.url, func() (any, error) {
		return c.refresh(ctx)
	})
	if err == nil {
		return v.(jwk.Set), nil
	}
	if cur != nil && now.Before(cur.staleUntil) {
		logger.Warn("jwkscache: refresh %s failed, serving stale keys: %v", c.url, err)
		return cur.set, nil
	}
	return nil, err
}

// Invalidate drops freshness so the next Get revalidates. It is a no-op
// within the minimum refresh interval of the last fetch, and reports
// whether the set was invalidated.
func (c *Cache) Invalidate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.clock.Now().Sub(c.lastFetch) < c.minRefresh {
		return false
	}
	e := *c.cur
	e.freshUntil = time.Time{}
	c.cur = &e
	return true
}

func (c *Cache) refresh(ctx context.Context) (jwk.Set, error) {
	now := c.clock.Now()
	c.mu.Lock()
	prev := c.cur
	c.lastFetch = now
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if prev.etag != "" {
			req.Header.Set("If-None-Match", prev.etag)
		}
		if prev.lastModified != "" {
			req.Header.Set("If-Modified-Since", prev.lastModified)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwkscache: fetch: %w", err)
	}
	defer resp.Body.Close()

	var next *entry
	switch resp.StatusCode {
	case http.StatusNotModified:
		if prev == nil {
			return nil, errors.New("jwkscache: 304 without a cached set")
		}
		e := *prev
		next = &e
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("jwkscache: read: %w", err)
		}
		set, err := jwk.Parse(body)
		if err != nil {
			return nil, fmt.Errorf("jwkscache: parse: %w", err)
		}
		next = &entry{
			set:          set,
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
		}
	default:
		return nil, errors.New("jwkscache: unexpected status " + strconv.Itoa(resp.StatusCode))
	}
	next.freshUntil, next.staleUntil = c.lifetime(resp.Header, now)

	c.mu.Lock()
	c.cur = next
	c.mu.Unlock()
	return next.set, nil
}

// lifetime reads Cache-Control max-age and no-store; anything else gets the default TTL.
func (c *Cache) lifetime(h http.Header, now time.Time) (fresh, stale time.Time) {
	ttl := c.ttl
	for _, part := range strings.Split(h.Get("Cache-Control"), ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		switch {
		case p == "no-store" || p == "no-cache":
			return now, now
		case strings.HasPrefix(p, "max-age="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(p, "max-age=")); err == nil {
				ttl = time.Duration(secs) * time.Second
			}
		}
	}
	fresh = now.Add(ttl)
	return fresh, fresh.Add(c.staleGrace)
}
