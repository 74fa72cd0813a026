package expiry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/partyroster/be/internal/platform/txgate"
	"github.com/partyroster/be/internal/repositories/party/sqlite"
	"github.com/partyroster/be/internal/services/roster"
	"github.com/partyroster/be/pkg/common/clock"
	"github.com/partyroster/be/pkg/repositories/party"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

type presenterStub struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (p *presenterStub) Present(ctx context.Context, event roster.Event, snap *roster.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, string(event)+":"+snap.Party.ID)
	return p.err
}

func (p *presenterStub) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

type panickingPresenter struct{}

func (panickingPresenter) Present(ctx context.Context, event roster.Event, snap *roster.Snapshot) error {
	panic("renderer blew up on " + snap.Party.ID)
}

func setup(t *testing.T) (*roster.Manager, *clock.FakeClock) {
	t.Helper()
	repo, err := sqlite.NewSQLiteRepo(filepath.Join(t.TempDir(), "party.db"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(repo.Disconnect)
	clk := clock.Fake(t0)
	return roster.NewManager(txgate.New(repo), clk), clk
}

func createParty(t *testing.T, m *roster.Manager, id string, lifetime time.Duration) {
	t.Helper()
	_, err := m.CreateParty(context.Background(), roster.CreateRequest{
		ID:       id,
		Name:     "party " + id,
		Capacity: 2,
		OwnerID:  "owner",
		Scope:    party.Scope{GuildID: "g1"},
		Lifetime: lifetime,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestTickExpiresOverdueParties(t *testing.T) {
	m, clk := setup(t)
	ctx := context.Background()
	createParty(t, m, "soon", time.Hour)
	createParty(t, m, "later", 3*time.Hour)
	p := &presenterStub{}
	s := NewSweeper(m, p, clk, time.Minute)

	if rep := s.Tick(ctx); rep.Due != 0 || rep.Expired != 0 {
		t.Fatalf("early tick = %+v", rep)
	}

	// expiry of "soon" is 13:00:00 after truncation
	clk.Set(time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC))
	rep := s.Tick(ctx)
	if rep.Due != 1 || rep.Expired != 1 || rep.Failed != 0 {
		t.Fatalf("tick = %+v", rep)
	}
	if got := p.calls(); len(got) != 1 || got[0] != "expired:soon" {
		t.Fatalf("presented = %v", got)
	}

	if _, err := m.Join(ctx, "soon", "A", "A"); !errors.Is(err, roster.ErrTerminalState) {
		t.Fatalf("join after expiry = %v, want terminal state", err)
	}
	if _, err := m.Join(ctx, "later", "A", "A"); err != nil {
		t.Fatalf("join live party: %v", err)
	}

	if rep := s.Tick(ctx); rep.Due != 0 {
		t.Fatalf("second tick = %+v", rep)
	}
}

func TestTickContinuesPastPresenterFailure(t *testing.T) {
	m, clk := setup(t)
	createParty(t, m, "a", time.Hour)
	createParty(t, m, "b", time.Hour)
	p := &presenterStub{err: errors.New("render failed")}
	s := NewSweeper(m, p, clk, time.Minute)

	clk.Advance(2 * time.Hour)
	rep := s.Tick(context.Background())
	if rep.Expired != 2 || rep.PresentFailed != 2 {
		t.Fatalf("tick = %+v", rep)
	}
}

func TestTickWithoutPresenter(t *testing.T) {
	m, clk := setup(t)
	createParty(t, m, "a", time.Hour)
	s := NewSweeper(m, nil, clk, 0)

	clk.Advance(2 * time.Hour)
	if rep := s.Tick(context.Background()); rep.Expired != 1 {
		t.Fatalf("tick = %+v", rep)
	}
}

func TestRunAlignsToIntervalBoundary(t *testing.T) {
	m, clk := setup(t)
	// 12:00:30 + 1m truncates to 12:01:00
	createParty(t, m, "a", time.Minute)
	p := &presenterStub{}
	s := NewSweeper(m, p, clk, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clk.BlockUntilWaiters(1)
	if got := s.untilNext(); got != 30*time.Second {
		t.Fatalf("first wait = %s, want 30s", got)
	}
	clk.Advance(30 * time.Second)
	// the next wait is registered once the tick has finished
	clk.BlockUntilWaiters(1)

	if got := p.calls(); len(got) != 1 || got[0] != "expired:a" {
		t.Fatalf("presented = %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunSurvivesPanickingPresenter(t *testing.T) {
	m, clk := setup(t)
	// due at 12:01:00 and 12:02:00
	createParty(t, m, "a", time.Minute)
	createParty(t, m, "b", 2*time.Minute)
	s := NewSweeper(m, panickingPresenter{}, clk, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	expired := func(id string) bool {
		t.Helper()
		snap, err := m.Peek(context.Background(), id)
		if err != nil {
			t.Fatalf("peek %s: %v", id, err)
		}
		return snap.Party.Expired
	}

	clk.BlockUntilWaiters(1)
	clk.Advance(30 * time.Second)
	clk.BlockUntilWaiters(1)
	if !expired("a") || expired("b") {
		t.Fatalf("after first tick: a=%v b=%v", expired("a"), expired("b"))
	}

	// the loop is still alive and sweeps the next boundary
	clk.Advance(time.Minute)
	clk.BlockUntilWaiters(1)
	if !expired("b") {
		t.Fatal("b not expired after second tick")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
