// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/facebook"
	"github.com/onnwee/stormtrooper/session"
	"github.com/onnwee/stormtrooper/stream"
	"github.com/onnwee/stormtrooper/telemetry"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db             *sql.DB
	accounts       *account.Service
	streams        StreamStore
	sessions       *session.Manager
	graph          Graph
	exchangeTokens bool
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:             deps.DB,
		accounts:       deps.Accounts,
		streams:        deps.Streams,
		sessions:       deps.Sessions,
		graph:          deps.Graph,
		exchangeTokens: deps.ExchangeTokens,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

// writeErr maps domain errors onto HTTP statuses. Unexpected errors are logged
// and reported without detail.
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, stream.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidSession), errors.Is(err, facebook.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, account.ErrNotFound), errors.Is(err, stream.ErrNotFound), errors.Is(err, account.ErrNoExternalAccount):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, account.ErrAccountLinked):
		writeError(w, http.StatusConflict, "external account already linked")
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
		telemetry.RecordSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// sessionResponse is returned wherever a client obtains a session token.
type sessionResponse struct {
	User    *account.User `json:"user"`
	Session sessionToken  `json:"session"`
}

type sessionToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handlers) issueSession(w http.ResponseWriter, r *http.Request, status int, u *account.User) {
	tok, exp, err := h.sessions.Issue(u.ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, status, sessionResponse{
		User:    u,
		Session: sessionToken{Token: tok, ExpiresAt: exp.UTC()},
	})
}
