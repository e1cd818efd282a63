package server

import (
	"net/http"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/stream"
)

// HandleAdminUser returns any user with its linked accounts.
func (h *Handlers) HandleAdminUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !account.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := h.accounts.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleAdminStreams lists streams newest first with limit/offset pagination.
func (h *Handlers) HandleAdminStreams(w http.ResponseWriter, r *http.Request) {
	limit := stream.ClampLimit(parseUintQuery(r, "limit", stream.DefaultListLimit))
	offset := parseUintQuery(r, "offset", 0)
	list, err := h.streams.List(r.Context(), limit, offset)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": list, "limit": limit, "offset": offset})
}
