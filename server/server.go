// Package server exposes the HTTP API used by the mobile client: device registration,
// Facebook login, and stream records, plus health, readiness, and metrics endpoints.
// It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/facebook"
	"github.com/onnwee/stormtrooper/session"
	"github.com/onnwee/stormtrooper/stream"
	"github.com/onnwee/stormtrooper/telemetry"
)

// StreamStore is the stream persistence used by handlers. Implemented by stream.Store.
type StreamStore interface {
	GetOrCreate(ctx context.Context, userID string, req stream.Request) (*stream.Stream, bool, error)
	GetByUser(ctx context.Context, userID string) (*stream.Stream, error)
	Update(ctx context.Context, userID string, p stream.Patch) (*stream.Stream, error)
	List(ctx context.Context, limit, offset uint64) ([]stream.Stream, error)
}

// Graph verifies provider tokens. Implemented by facebook.Client.
type Graph interface {
	Me(ctx context.Context, accessToken string) (*facebook.Profile, error)
	ExchangeToken(ctx context.Context, accessToken string) (*oauth2.Token, error)
}

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	DB       *sql.DB
	Accounts *account.Service
	Streams  StreamStore
	Sessions *session.Manager
	// Graph is nil when Facebook login is not configured.
	Graph Graph
	// ExchangeTokens trades short-lived client tokens for long-lived ones on login.
	ExchangeTokens bool
	// DevMode relaxes CORS to any origin.
	DevMode bool
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig(deps.DevMode)
	rateLimiter := newIPRateLimiter(ctx, rateLimiterCfg)

	h := NewHandlers(deps)
	authed := func(fn http.HandlerFunc) http.Handler { return h.requireSession(fn) }

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Users
	mux.HandleFunc("POST /users", h.HandleRegister)
	mux.Handle("GET /users/me", authed(h.HandleMe))
	mux.Handle("PUT /users/me/device", authed(h.HandleUpdateDevice))
	mux.Handle("GET /users/me/accounts/{provider}", authed(h.HandleAccountProfile))

	// External authentication; the session is optional here.
	mux.Handle("POST /auth/facebook", h.optionalSession(http.HandlerFunc(h.HandleFacebookAuth)))

	// Streams
	mux.Handle("POST /streams", authed(h.HandleCreateStream))
	mux.Handle("GET /streams/me", authed(h.HandleGetStream))
	mux.Handle("PATCH /streams/me", authed(h.HandleUpdateStream))

	// Admin
	mux.HandleFunc("GET /admin/users/{id}", h.HandleAdminUser)
	mux.HandleFunc("GET /admin/streams", h.HandleAdminStreams)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		// Identity-creating endpoints are rate limited per IP.
		if r.Method == http.MethodPost && (r.URL.Path == "/users" || strings.HasPrefix(r.URL.Path, "/auth/")) {
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPServerAttrs(r)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		start := time.Now()
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		req := r.WithContext(ctx)
		selectiveHandler.ServeHTTP(wrappedWriter, req)
		telemetry.ObserveHTTP(r.Method, wrappedWriter.statusCode, time.Since(start))
		telemetry.SetSpanHTTPStatus(span, req, wrappedWriter.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
