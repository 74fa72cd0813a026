package jwkscache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/partyroster/be/pkg/common/clock"
)

func testKeySet(t *testing.T) []byte {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	_ = pub.Set(jwk.KeyIDKey, "gw-1")
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}
	return body
}

type jwksServer struct {
	body        []byte
	fetches     atomic.Int32
	revalidated atomic.Int32
	fail        atomic.Bool
}

func (s *jwksServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.fetches.Add(1)
	if s.fail.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("ETag", `"v1"`)
	if r.Header.Get("If-None-Match") == `"v1"` {
		s.revalidated.Add(1)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(s.body)
}

func TestGetCachesUntilMaxAge(t *testing.T) {
	js := &jwksServer{body: testKeySet(t)}
	srv := httptest.NewServer(js)
	defer srv.Close()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(srv.URL, WithClock(clk))
	ctx := context.Background()

	set, err := c.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := set.LookupKeyID("gw-1"); !ok {
		t.Fatal("key gw-1 missing")
	}
	clk.Advance(30 * time.Second)
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if n := js.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	clk.Advance(time.Minute)
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if js.fetches.Load() != 2 || js.revalidated.Load() != 1 {
		t.Fatalf("fetches = %d revalidated = %d", js.fetches.Load(), js.revalidated.Load())
	}
}

func TestGetServesStaleWithinGrace(t *testing.T) {
	js := &jwksServer{body: testKeySet(t)}
	srv := httptest.NewServer(js)
	defer srv.Close()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(srv.URL, WithClock(clk), WithTTL(time.Minute, 10*time.Minute))
	ctx := context.Background()

	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	js.fail.Store(true)

	clk.Advance(5 * time.Minute)
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("stale get: %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := c.Get(ctx); err == nil {
		t.Fatal("expected error once the grace window is over")
	}
}

func TestInvalidateForcesRevalidation(t *testing.T) {
	js := &jwksServer{body: testKeySet(t)}
	srv := httptest.NewServer(js)
	defer srv.Close()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(srv.URL, WithClock(clk))
	ctx := context.Background()

	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	// still fresh under max-age=60, but past the minimum refresh gap
	clk.Advance(DefaultMinRefresh + time.Second)
	if !c.Invalidate() {
		t.Fatal("invalidate refused after the minimum refresh gap")
	}
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if js.revalidated.Load() != 1 {
		t.Fatalf("revalidated = %d, want 1", js.revalidated.Load())
	}
}

func TestInvalidateIsRateLimited(t *testing.T) {
	js := &jwksServer{body: testKeySet(t)}
	srv := httptest.NewServer(js)
	defer srv.Close()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(srv.URL, WithClock(clk))
	ctx := context.Background()

	if c.Invalidate() {
		t.Fatal("invalidate with nothing cached should be refused")
	}
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		if c.Invalidate() {
			t.Fatalf("invalidate %d accepted inside the minimum refresh gap", i)
		}
		if _, err := c.Get(ctx); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if n := js.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestConcurrentGetsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	js := &jwksServer{body: testKeySet(t)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		js.ServeHTTP(w, r)
	}))
	defer srv.Close()
	c := New(srv.URL, WithClock(clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	// let the callers pile up behind the first fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("get: %v", err)
	}
	if n := js.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}
