package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/partyroster/be/internal/services/roster"
	"github.com/partyroster/be/pkg/repositories/party"
)

func testSnapshot() *roster.Snapshot {
	return &roster.Snapshot{
		Party: &party.Party{ID: "p1", Name: "raid", Capacity: 2},
		State: "open",
		Roster: roster.Roster{
			Active: []*party.Member{{UserID: "A", Nickname: "a"}},
		},
	}
}

func TestPresentPostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New(srv.URL, nil, time.Second)
	if err := p.Present(context.Background(), roster.EventUpdated, testSnapshot()); err != nil {
		t.Fatalf("present: %v", err)
	}
	if got.Event != roster.EventUpdated || got.Party.ID != "p1" || len(got.Active) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	if got.Waitlist == nil {
		t.Fatal("waitlist should encode as an empty list")
	}
}

func TestPresentGoneIsUnavailable(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		err := New(srv.URL, nil, time.Second).Present(context.Background(), roster.EventUpdated, testSnapshot())
		srv.Close()
		if !errors.Is(err, roster.ErrPresentationUnavailable) {
			t.Fatalf("status %d: err = %v, want presentation unavailable", code, err)
		}
	}
}

func TestPresentServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, nil, time.Second).Present(context.Background(), roster.EventUpdated, testSnapshot())
	if err == nil || errors.Is(err, roster.ErrPresentationUnavailable) {
		t.Fatalf("err = %v, want transient failure", err)
	}
}

func TestNopPresenter(t *testing.T) {
	if err := (Nop{}).Present(context.Background(), roster.EventExpired, testSnapshot()); err != nil {
		t.Fatalf("nop: %v", err)
	}
}
