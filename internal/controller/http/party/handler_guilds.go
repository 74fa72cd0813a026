package party

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/partyroster/be/pkg/common/logger"
)

// banGuild POST /api/guilds/{guildId}/ban
func (h *Handler) banGuild(w http.ResponseWriter, r *http.Request) {
	h.setGuildBanned(w, r, true)
}

// unbanGuild POST /api/guilds/{guildId}/unban
func (h *Handler) unbanGuild(w http.ResponseWriter, r *http.Request) {
	h.setGuildBanned(w, r, false)
}

// setGuildBanned only touches guilds that have created a party before.
func (h *Handler) setGuildBanned(w http.ResponseWriter, r *http.Request, banned bool) {
	caller, _ := CallerFrom(r.Context())
	guildID := chi.URLParam(r, "guildId")
	if _, err := h.manager.SetScopeBanned(r.Context(), guildID, banned); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("guild %s banned=%t by %s", guildID, banned, caller.UserID)
	w.WriteHeader(http.StatusNoContent)
}
