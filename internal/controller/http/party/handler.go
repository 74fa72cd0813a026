package party

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/partyroster/be/internal/services/roster"
	"github.com/partyroster/be/pkg/common/logger"
)

const (
	// ScopeWrite is the token scope required for every roster mutation.
	ScopeWrite = "party.write"
	// ScopeGuildAdmin lets an operator ban or unban a guild.
	ScopeGuildAdmin = "guild.admin"
)

type Handler struct {
	manager   *roster.Manager
	presenter roster.Presenter
	secret    []byte
	keys      KeySource
}

// Option configures a Handler.
type Option func(*Handler)

// WithGatewayKeys also accepts tokens signed by a key in the gateway's JWKS.
func WithGatewayKeys(k KeySource) Option {
	return func(h *Handler) { h.keys = k }
}

// NewHandler wires the roster manager behind the HTTP API. Tokens are
// verified with secret (HS256); presenter receives every committed change.
func NewHandler(m *roster.Manager, p roster.Presenter, secret []byte, opts ...Option) *Handler {
	h := &Handler{manager: m, presenter: p, secret: secret}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Router returns a chi-based router for the /api endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/health", h.health)

	r.Route("/api/parties", func(r chi.Router) {
		r.Use(h.requireBearer())
		r.With(h.requireScopes(ScopeWrite)).Post("/", h.createParty)

		r.Route("/{partyId}", func(r chi.Router) {
			r.Get("/", h.getParty)

			r.Group(func(r chi.Router) {
				r.Use(h.requireScopes(ScopeWrite))
				r.Post("/join", h.joinParty)
				r.Post("/leave", h.leaveParty)
				r.Post("/kick", h.kickMember)
				r.Post("/resize", h.resizeParty)
				r.Post("/rename", h.renameParty)
				r.Post("/close", h.closeParty)
				r.Post("/reopen", h.reopenParty)
				r.Post("/expire", h.expireParty)
				r.Post("/repost", h.repostParty)
			})
		})
	})

	r.Route("/api/guilds/{guildId}", func(r chi.Router) {
		r.Use(h.requireBearer(), h.requireScopes(ScopeGuildAdmin))
		r.Post("/ban", h.banGuild)
		r.Post("/unban", h.unbanGuild)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Health(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// notify presents partyID after a committed change. The request may be
// gone by then; presentation still runs to completion.
func (h *Handler) notify(r *http.Request, event roster.Event, partyID string) {
	h.manager.Notify(context.WithoutCancel(r.Context()), h.presenter, event, partyID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a roster error onto a status code.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch roster.KindOf(err) {
	case roster.KindValidation:
		status = http.StatusBadRequest
	case roster.KindNotFound:
		status = http.StatusNotFound
	case roster.KindConflict:
		status = http.StatusConflict
	case roster.KindTerminalState:
		status = http.StatusGone
	case roster.KindStore:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.Error("http: %v", err)
	}
	var re *roster.Error
	if errors.As(err, &re) {
		writeJSON(w, status, map[string]string{"error": re.Kind.String(), "message": re.Error()})
		return
	}
	http.Error(w, err.Error(), status)
}
