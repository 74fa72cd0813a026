// Package expiry runs the periodic sweep that moves overdue parties to
// their terminal state.
package expiry

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/partyroster/be/internal/platform/timeouts"
	"github.com/partyroster/be/internal/services/roster"
	"github.com/partyroster/be/pkg/common/clock"
	"github.com/partyroster/be/pkg/common/logger"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// Report summarizes one sweep.
type Report struct {
	Due           int
	Expired       int
	Failed        int
	PresentFailed int
}

// Sweeper expires overdue parties on a fixed interval.
type Sweeper struct {
	manager   *roster.Manager
	presenter roster.Presenter
	clock     clock.Clock
	interval  time.Duration
}

// NewSweeper builds a Sweeper. A nil presenter skips presentation, a nil
// clock means the real clock and a non-positive interval means DefaultInterval.
func NewSweeper(m *roster.Manager, p roster.Presenter, clk clock.Clock, interval time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{manager: m, presenter: p, clock: clk, interval: interval}
}

// Tick expires every party whose expiry is not after now. A failure on one
// party is logged and the sweep moves on to the next.
func (s *Sweeper) Tick(ctx context.Context) Report {
	var rep Report
	now := s.clock.Now().UTC()
	due, err := s.manager.ListExpired(ctx, now)
	if err != nil {
		logger.Error("expiry sweep: list overdue parties: %v", err)
		rep.Failed++
		return rep
	}
	rep.Due = len(due)

	for _, p := range due {
		if _, err := s.manager.Expire(ctx, p.ID); err != nil {
			// expired concurrently, nothing left to do
			if errors.Is(err, roster.ErrTerminalState) {
				continue
			}
			logger.Warn("expiry sweep: expire party %s: %v", p.ID, err)
			rep.Failed++
			continue
		}
		rep.Expired++

		if s.presenter == nil {
			continue
		}
		snap, err := s.manager.GetParty(ctx, p.ID)
		if err != nil {
			logger.Warn("expiry sweep: reload party %s: %v", p.ID, err)
			rep.PresentFailed++
			continue
		}
		if err := s.presenter.Present(ctx, roster.EventExpired, snap); err != nil {
			logger.Warn("expiry sweep: present party %s: %v", p.ID, err)
			rep.PresentFailed++
		}
	}
	if rep.Due > 0 {
		logger.Info("expiry sweep: %d due, %d expired, %d failed", rep.Due, rep.Expired, rep.Failed)
	}
	return rep
}

// Run sweeps on every interval boundary until ctx is done. Sweeps never
// overlap: the next wait starts after the previous Tick returns.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("expiry sweeper started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("expiry sweeper stopped")
			return
		case <-s.clock.After(s.untilNext()):
		}
		s.safeTick(ctx)
	}
}

// safeTick runs one bounded Tick. A panic is logged and the loop goes on
// to the next boundary.
func (s *Sweeper) safeTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, timeouts.SweepTick)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("expiry sweep: panic: %v\n%s", r, debug.Stack())
		}
	}()
	s.Tick(tickCtx)
}

// untilNext is the wait until the next multiple of the interval.
func (s *Sweeper) untilNext() time.Duration {
	now := s.clock.Now()
	next := now.Truncate(s.interval).Add(s.interval)
	return next.Sub(now)
}
