// Package txgate serializes every roster mutation through one FIFO gate
// and runs each one inside a single store transaction.
//
// Waiters are admitted in the order they started waiting. A caller's
// context bounds only the wait: once admitted, the action runs on a
// context detached from caller cancellation and always ends in a commit
// or a rollback before the gate is released.
package txgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/partyroster/be/pkg/common/logger"
	"github.com/partyroster/be/pkg/repositories/party"
)

var (
	// ErrWaitAborted is returned when the caller's context ends, or the
	// wait timeout elapses, before the gate is acquired.
	ErrWaitAborted = errors.New("txgate: gave up waiting for gate")
	// ErrNested is returned when an action tries to enter the gate again.
	ErrNested = errors.New("txgate: nested acquisition")
)

type heldKey struct{}

// Gate is the process-wide mutual-exclusion gate plus unit of work.
type Gate struct {
	sem         *semaphore.Weighted
	repo        party.Repository
	waitTimeout time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithWaitTimeout caps how long a caller may wait to acquire the gate.
// Zero means wait until the caller's context ends.
func WithWaitTimeout(d time.Duration) Option {
	return func(g *Gate) { g.waitTimeout = d }
}

// New builds a Gate over repo.
func New(repo party.Repository, opts ...Option) *Gate {
	g := &Gate{sem: semaphore.NewWeighted(1), repo: repo}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Repository returns the store behind the gate for lock-free reads.
func (g *Gate) Repository() party.Repository { return g.repo }

// Do acquires the gate, opens a transaction and runs fn. fn's nil return
// commits; an error or panic rolls back. The gate is released in every case.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context, tx party.Tx) error) error {
	if ctx.Value(heldKey{}) != nil {
		return ErrNested
	}
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	// admitted: run to completion regardless of the caller's cancellation
	runCtx := context.WithValue(context.WithoutCancel(ctx), heldKey{}, struct{}{})

	tx, err := g.repo.Begin(runCtx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("txgate: rollback failed: %v", rbErr)
		}
	}()

	if err := fn(runCtx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (g *Gate) acquire(ctx context.Context) error {
	waitCtx := ctx
	if g.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.waitTimeout)
		defer cancel()
	}
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrWaitAborted, err)
	}
	return nil
}

// WithExclusiveTransaction runs fn through g.Do and returns its value.
// On error the zero value of T is returned.
func WithExclusiveTransaction[T any](ctx context.Context, g *Gate, fn func(ctx context.Context, tx party.Tx) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context, tx party.Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Held reports whether ctx belongs to an action currently inside the gate.
func Held(ctx context.Context) bool {
	return ctx.Value(heldKey{}) != nil
}
