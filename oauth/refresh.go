// Package oauth keeps provider tokens of linked external accounts fresh. It performs
// jittered checks and refreshes every account whose expiry falls within a window.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/telemetry"
)

// Tokens are the decrypted credentials of one external account.
type Tokens struct {
	Access  string
	Refresh string
}

// RefreshFunc performs the provider-specific refresh.
type RefreshFunc func(ctx context.Context, current Tokens) (*oauth2.Token, error)

// TokenStore is the persistence the refresher needs. Implemented by account.Store.
type TokenStore interface {
	ListExpiring(ctx context.Context, provider string, now, deadline time.Time, limit uint64) ([]account.ExternalAccount, error)
	UpdateTokens(ctx context.Context, externalID, provider string, access, refresh crypto.SealedToken, expiresAt time.Time) error
	MarkRefreshFailed(ctx context.Context, externalID, provider string, retryAt time.Time) error
}

// Refresher periodically refreshes expiring tokens of one provider.
type Refresher struct {
	Store    TokenStore
	Tokens   *crypto.TokenCipher
	Provider string
	Refresh  RefreshFunc
	// Interval is how often to wake up and check.
	Interval time.Duration
	// Window: refresh when remaining lifetime <= Window.
	Window time.Duration
	// Batch caps the accounts handled per pass.
	Batch uint64
	// RetryAfter is how long an account waits after a failed refresh.
	RetryAfter time.Duration
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 30 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 7 * 24 * time.Hour
	}
	if r.Batch == 0 {
		r.Batch = 100
	}
	if r.RetryAfter <= 0 {
		r.RetryAfter = 6 * time.Hour
	}
}

// Run blocks, refreshing on a jittered schedule until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.defaults()
	logger := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", r.Provider))
	logger.Info("token refresher starting", slog.Duration("interval", r.Interval), slog.Duration("window", r.Window))

	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	if !sleep(ctx, initialJitter) {
		return nil
	}
	for {
		if _, err := r.RefreshOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("token refresh pass failed", slog.Any("err", err))
		}
		// Per-iteration jitter of +/-20% of interval.
		jitterRange := int64(r.Interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		if !sleep(ctx, max(r.Interval+jitter, r.Interval/2)) {
			logger.Info("token refresher stopped")
			return nil
		}
	}
}

// RefreshOnce refreshes every still-valid account of the provider expiring within the window
// and returns how many were updated. A failed account is put in backoff for RetryAfter and
// does not stop the pass.
func (r *Refresher) RefreshOnce(ctx context.Context) (int, error) {
	r.defaults()
	now := time.Now()
	accounts, err := r.Store.ListExpiring(ctx, r.Provider, now, now.Add(r.Window), r.Batch)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, ext := range accounts {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		err := r.refreshAccount(ctx, ext)
		telemetry.RecordTokenRefresh(r.Provider, err)
		if err != nil {
			slog.Warn("token refresh failed",
				slog.String("provider", r.Provider), slog.String("external_id", ext.ID), slog.Any("err", err))
			if merr := r.Store.MarkRefreshFailed(ctx, ext.ID, ext.Provider, now.Add(r.RetryAfter)); merr != nil {
				slog.Warn("failed to record refresh backoff",
					slog.String("provider", r.Provider), slog.String("external_id", ext.ID), slog.Any("err", merr))
			}
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		slog.Info("tokens refreshed", slog.String("provider", r.Provider), slog.Int("count", refreshed))
	}
	return refreshed, nil
}

func (r *Refresher) refreshAccount(ctx context.Context, ext account.ExternalAccount) error {
	access, err := r.Tokens.OpenAccess(ext.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.Tokens.OpenRefresh(ext.RefreshToken)
	if err != nil {
		return err
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	tok, err := r.Refresh(ctx2, Tokens{Access: access, Refresh: refresh})
	cancel()
	if err != nil {
		return err
	}
	if tok == nil || tok.AccessToken == "" {
		return errors.New("refresh returned no access token")
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	at, rt, err := r.Tokens.SealPair(tok.AccessToken, newRefresh)
	if err != nil {
		return err
	}
	return r.Store.UpdateTokens(ctx, ext.ID, ext.Provider, at, rt, tok.Expiry)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
