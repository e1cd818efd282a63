// Command stormtrooper is the API backend for the live-streaming companion app.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and applies versioned migrations (legacy SQL fallback).
//   - Serves the mobile API: device registration, Facebook login, stream records.
//   - Runs background jobs: Facebook token refresh and anonymous user retention.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/config"
	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/db"
	"github.com/onnwee/stormtrooper/facebook"
	"github.com/onnwee/stormtrooper/oauth"
	"github.com/onnwee/stormtrooper/server"
	"github.com/onnwee/stormtrooper/session"
	"github.com/onnwee/stormtrooper/stream"
	"github.com/onnwee/stormtrooper/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("err", err))
		os.Exit(1)
	}
}

func setupLogging() {
	// Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := "text"
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		format = "json"
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run() error {
	// Local dev convenience only; production relies on real env.
	config.LoadDotEnv(".env")
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stormtrooper", "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.EnsureSchema(ctx, database); err != nil {
		return err
	}

	tokens, err := crypto.NewTokenCipher(cfg.AccessTokenKey, cfg.RefreshTokenKey)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return err
	}
	accountStore := account.NewStore(database)
	deps := server.Deps{
		DB:       database,
		Accounts: account.NewService(accountStore, tokens),
		Streams:  stream.NewStore(database),
		Sessions: sessions,
		DevMode:  cfg.IsDev(),
	}

	var graph *facebook.Client
	if cfg.FacebookEnabled() {
		graph = &facebook.Client{
			AppID:      cfg.FacebookAppID,
			AppSecret:  cfg.FacebookAppSecret,
			BaseURL:    cfg.FacebookGraphURL,
			HTTPClient: &http.Client{Timeout: 10 * time.Second},
		}
		deps.Graph = graph
		deps.ExchangeTokens = true
	} else {
		slog.Warn("facebook login disabled (FACEBOOK_APP_ID / FACEBOOK_APP_SECRET not set)")
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.NewMux(gctx, deps), cfg.HTTPAddr)
	})
	if graph != nil {
		refresher := &oauth.Refresher{
			Store:    accountStore,
			Tokens:   tokens,
			Provider: account.ProviderFacebook,
			Refresh: func(rctx context.Context, cur oauth.Tokens) (*oauth2.Token, error) {
				return graph.ExchangeToken(rctx, cur.Access)
			},
		}
		g.Go(func() error { return refresher.Run(gctx) })
	}
	g.Go(func() error {
		account.StartRetentionJob(gctx, accountStore, account.RetentionPolicy{
			TTL:      cfg.AnonUserTTL,
			Interval: cfg.RetentionInterval,
			DryRun:   cfg.RetentionDryRun,
		})
		return nil
	})

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
