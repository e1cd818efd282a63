package server

import (
	"net/http"
	"strings"

	"github.com/onnwee/stormtrooper/account"
)

type deviceRequest struct {
	DeviceToken string `json:"deviceToken"`
}

// HandleRegister creates an anonymous user for a device and returns a session for it.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	u, err := h.accounts.RegisterUser(r.Context(), strings.TrimSpace(req.DeviceToken))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.issueSession(w, r, http.StatusCreated, u)
}

// HandleMe returns the session user with its linked accounts.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r.Context()))
}

// HandleUpdateDevice replaces the push-notification device token of the session user.
func (h *Handlers) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	u := currentUser(r.Context())
	u.DeviceToken = strings.TrimSpace(req.DeviceToken)
	if err := h.accounts.SaveUser(r.Context(), u); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleAccountProfile fetches the provider profile of a linked account using its stored token.
func (h *Handlers) HandleAccountProfile(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider != account.ProviderFacebook {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if h.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "facebook login not configured")
		return
	}
	token, err := h.accounts.AccessToken(currentUser(r.Context()), provider)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	profile, err := h.graph.Me(r.Context(), token)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
