// Package webhook forwards roster changes to the rendering layer over HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/partyroster/be/internal/services/roster"
	"github.com/partyroster/be/pkg/common/logger"
	"github.com/partyroster/be/pkg/repositories/party"
)

// Payload is the body posted for every roster change.
type Payload struct {
	Event    roster.Event    `json:"event"`
	State    string          `json:"state"`
	Party    *party.Party    `json:"party"`
	Active   []*party.Member `json:"active"`
	Waitlist []*party.Member `json:"waitlist"`
	SentAt   time.Time       `json:"sent_at"`
}

// Presenter posts snapshots to a fixed URL.
type Presenter struct {
	url    string
	client *http.Client
}

var _ roster.Presenter = (*Presenter)(nil)

// New returns a Presenter posting to url. A nil client gets one with timeout.
func New(url string, client *http.Client, timeout time.Duration) *Presenter {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Presenter{url: url, client: client}
}

// Present posts snap. A 404 or 410 answer means the rendered message is
// gone and is reported as roster.ErrPresentationUnavailable.
func (p *Presenter) Present(ctx context.Context, event roster.Event, snap *roster.Snapshot) error {
	body, err := json.Marshal(Payload{
		Event:    event,
		State:    snap.State,
		Party:    snap.Party,
		Active:   nonNil(snap.Active),
		Waitlist: nonNil(snap.Waitlist),
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &roster.Error{
			Kind:    roster.KindPresentationUnavailable,
			Op:      "present",
			PartyID: snap.Party.ID,
			Message: fmt.Sprintf("webhook answered %d", resp.StatusCode),
		}
	case resp.StatusCode >= 300:
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}
	logger.Debug("webhook: party %s %s delivered", snap.Party.ID, event)
	return nil
}

func nonNil(ms []*party.Member) []*party.Member {
	if ms == nil {
		return []*party.Member{}
	}
	return ms
}

// Nop discards every snapshot. Used when no webhook is configured.
type Nop struct{}

func (Nop) Present(context.Context, roster.Event, *roster.Snapshot) error { return nil }
