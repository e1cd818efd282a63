package server

import (
	"net/http"

	"github.com/onnwee/stormtrooper/stream"
)

// HandleCreateStream returns the session user's stream, creating it on first call.
func (h *Handlers) HandleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req stream.Request
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	st, created, err := h.streams.GetOrCreate(r.Context(), currentUser(r.Context()).ID, req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, st)
}

// HandleGetStream returns the session user's stream.
func (h *Handlers) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := h.streams.GetByUser(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleUpdateStream applies a partial update to the session user's stream.
func (h *Handlers) HandleUpdateStream(w http.ResponseWriter, r *http.Request) {
	var p stream.Patch
	if err := decodeJSON(r, &p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	st, err := h.streams.Update(r.Context(), currentUser(r.Context()).ID, p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
