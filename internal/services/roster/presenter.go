package roster

import (
	"context"
	"errors"

	"github.com/partyroster/be/pkg/common/logger"
)

// Event names a roster change handed to a Presenter.
type Event string

const (
	EventCreated  Event = "created"
	EventUpdated  Event = "updated"
	EventReposted Event = "reposted"
	EventExpired  Event = "expired"
)

// Presenter renders a party for its audience. An error matching
// ErrPresentationUnavailable means the rendered artifact is gone for good.
type Presenter interface {
	Present(ctx context.Context, event Event, snap *Snapshot) error
}

// Notify hands the current snapshot of partyID to p. When the artifact is
// gone the party is expired; the mutation that triggered the notification
// stays committed either way. Failures are logged, never returned.
func (m *Manager) Notify(ctx context.Context, p Presenter, event Event, partyID string) {
	if p == nil {
		return
	}
	snap, err := m.GetParty(ctx, partyID)
	if err != nil {
		logger.Warn("notify %s: load party %s: %v", event, partyID, err)
		return
	}
	err = p.Present(ctx, event, snap)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrPresentationUnavailable) {
		logger.Warn("notify %s: present party %s: %v", event, partyID, err)
		return
	}
	logger.Warn("party %s can no longer be presented, expiring: %v", partyID, err)
	if snap.Party.Expired {
		return
	}
	if _, err := m.Expire(ctx, partyID); err != nil && !errors.Is(err, ErrTerminalState) {
		logger.Error("expire unpresentable party %s: %v", partyID, err)
	}
}
