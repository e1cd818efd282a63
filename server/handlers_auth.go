package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/facebook"
	"github.com/onnwee/stormtrooper/telemetry"
)

type facebookAuthRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// HandleFacebookAuth verifies a Facebook user token from the mobile SDK and resolves the
// local user it belongs to: linking, creating, or merging as needed. The response carries
// a session for the resulting user, which may differ from the caller's session user.
func (h *Handlers) HandleFacebookAuth(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "facebook login not configured")
		return
	}
	var req facebookAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	if req.AccessToken == "" {
		h.writeErr(w, r, errors.Join(errBadRequest, errors.New("accessToken is required")))
		return
	}
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "auth"), slog.String("provider", account.ProviderFacebook))

	profile, err := h.graph.Me(ctx, req.AccessToken)
	if err != nil {
		if errors.Is(err, facebook.ErrInvalidToken) {
			telemetry.RecordAuthFailure("facebook_token")
		}
		logger.Warn("facebook token verification failed", slog.Any("err", err))
		h.writeErr(w, r, err)
		return
	}

	creds := account.Credentials{
		ID:           profile.ID,
		Provider:     account.ProviderFacebook,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	if h.exchangeTokens {
		tok, err := h.graph.ExchangeToken(ctx, req.AccessToken)
		if err != nil {
			// Keep the verified short-lived token; the refresher retries the exchange.
			logger.Warn("long-lived token exchange failed", slog.Any("err", err))
			creds.ExpiresAt = time.Now().Add(time.Hour)
		} else {
			creds.AccessToken = tok.AccessToken
			creds.ExpiresAt = tok.Expiry
		}
	}

	u, err := h.accounts.ProcessExternalAuthentication(ctx, currentUser(ctx), creds)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.issueSession(w, r, http.StatusOK, u)
}
