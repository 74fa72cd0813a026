package party

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/partyroster/be/internal/services/roster"
	partyRepo "github.com/partyroster/be/pkg/repositories/party"
)

type createPartyRequest struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Capacity        int        `json:"capacity"`
	GuildID         string     `json:"guild_id"`
	GuildName       string     `json:"guild_name"`
	ChannelID       string     `json:"channel_id"`
	ExpiresAt       *time.Time `json:"expires_at"`
	LifetimeMinutes int        `json:"lifetime_minutes"`
}

// createParty POST /api/parties
// The caller becomes the owner.
func (h *Handler) createParty(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var body createPartyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	req := roster.CreateRequest{
		ID:            body.ID,
		Name:          body.Name,
		Capacity:      body.Capacity,
		OwnerID:       caller.UserID,
		OwnerNickname: caller.Nickname,
		Scope:         partyRepo.Scope{GuildID: body.GuildID, ChannelID: body.ChannelID},
		GuildName:     body.GuildName,
		Lifetime:      time.Duration(body.LifetimeMinutes) * time.Minute,
	}
	if body.ExpiresAt != nil {
		req.ExpiresAt = *body.ExpiresAt
	}
	snap, err := h.manager.CreateParty(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
	h.notify(r, roster.EventCreated, snap.Party.ID)
}

// getParty GET /api/parties/{partyId}
func (h *Handler) getParty(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.GetParty(r.Context(), chi.URLParam(r, "partyId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type memberRequest struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Force    bool   `json:"force"`
}

// joinParty POST /api/parties/{partyId}/join
// Without a body the caller joins. Adding someone else, or joining a closed
// party with force, is reserved to the owner.
func (h *Handler) joinParty(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	partyID := chi.URLParam(r, "partyId")
	var body memberRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	if body.UserID == "" {
		body.UserID, body.Nickname = caller.UserID, caller.Nickname
	}

	snap, err := h.manager.Peek(r.Context(), partyID)
	if err != nil {
		writeError(w, err)
		return
	}
	isOwner := snap.Party.OwnerID == caller.UserID
	if body.UserID != caller.UserID && !isOwner {
		http.Error(w, "notPartyOwner", http.StatusForbidden)
		return
	}
	// expired parties fall through so Join reports them as gone
	if st := roster.StateOf(snap.Party); st.Mutable() && !st.AcceptsJoins() && !(body.Force && isOwner) {
		http.Error(w, "partyClosed", http.StatusConflict)
		return
	}

	out, err := h.manager.Join(r.Context(), partyID, body.UserID, body.Nickname)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": out.String()})
	if out == roster.Joined || out == roster.Waitlisted {
		h.notify(r, roster.EventUpdated, partyID)
	}
}

// leaveParty POST /api/parties/{partyId}/leave
func (h *Handler) leaveParty(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	partyID := chi.URLParam(r, "partyId")
	if _, err := h.manager.Leave(r.Context(), partyID, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
	h.notify(r, roster.EventUpdated, partyID)
}

// kickMember POST /api/parties/{partyId}/kick
func (h *Handler) kickMember(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var body memberRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	if body.UserID == "" {
		http.Error(w, "userIdRequired", http.StatusBadRequest)
		return
	}
	if _, err := h.manager.Kick(r.Context(), partyID, body.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
	h.notify(r, roster.EventUpdated, partyID)
}

// resizeParty POST /api/parties/{partyId}/resize
func (h *Handler) resizeParty(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var body struct {
		Capacity int `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	rs, err := h.manager.Resize(r.Context(), partyID, body.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
	h.notify(r, roster.EventUpdated, partyID)
}

// renameParty POST /api/parties/{partyId}/rename
func (h *Handler) renameParty(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	if _, err := h.manager.Rename(r.Context(), partyID, body.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.notify(r, roster.EventUpdated, partyID)
}

// closeParty POST /api/parties/{partyId}/close
func (h *Handler) closeParty(w http.ResponseWriter, r *http.Request) {
	h.setClosed(w, r, true)
}

// reopenParty POST /api/parties/{partyId}/reopen
func (h *Handler) reopenParty(w http.ResponseWriter, r *http.Request) {
	h.setClosed(w, r, false)
}

func (h *Handler) setClosed(w http.ResponseWriter, r *http.Request, closed bool) {
	partyID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	if _, err := h.manager.SetClosed(r.Context(), partyID, closed); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.notify(r, roster.EventUpdated, partyID)
}

// expireParty POST /api/parties/{partyId}/expire
func (h *Handler) expireParty(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	if _, err := h.manager.Expire(r.Context(), partyID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.notify(r, roster.EventExpired, partyID)
}

// repostParty POST /api/parties/{partyId}/repost
// Moves the party to the identifier of a freshly rendered artifact.
func (h *Handler) repostParty(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var body struct {
		NewID string `json:"new_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	if _, err := h.manager.ChangeIdentifier(r.Context(), partyID, body.NewID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": body.NewID})
	h.notify(r, roster.EventReposted, body.NewID)
}

// requireOwner lets only the party owner through. The ownership read is
// lock-free; owners never change, so a torn read cannot grant access.
func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, _ := CallerFrom(r.Context())
	partyID := chi.URLParam(r, "partyId")
	snap, err := h.manager.Peek(r.Context(), partyID)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if snap.Party.OwnerID != caller.UserID {
		http.Error(w, "notPartyOwner", http.StatusForbidden)
		return "", false
	}
	return partyID, true
}

// decodeOptional decodes a JSON body when one is sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return false
	}
	return true
}
