// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	AccountEvents   *prometheus.CounterVec // event=registered|linked|merged
	StreamsCreated  prometheus.Counter
	AuthFailures    *prometheus.CounterVec // reason
	TokensRefreshed *prometheus.CounterVec // provider, result=ok|error
	UsersPruned     prometheus.Counter

	// Histograms (seconds)
	HTTPDuration *prometheus.HistogramVec // method, status
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		AccountEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stormtrooper_account_events_total", Help: "Account lifecycle events by type"}, []string{"event"})
		StreamsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "stormtrooper_streams_created_total", Help: "Number of stream records created"})
		AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stormtrooper_auth_failures_total", Help: "Rejected authentication attempts by reason"}, []string{"reason"})
		TokensRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stormtrooper_tokens_refreshed_total", Help: "External token refresh attempts"}, []string{"provider", "result"})
		UsersPruned = promauto.NewCounter(prometheus.CounterOpts{Name: "stormtrooper_users_pruned_total", Help: "Anonymous users removed by retention"})
		HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "stormtrooper_http_request_duration_seconds", Help: "HTTP request duration seconds", Buckets: prometheus.DefBuckets}, []string{"method", "status"})
	})
}

// RecordAccountEvent counts an account lifecycle event. No-op before Init.
func RecordAccountEvent(event string) {
	if AccountEvents != nil {
		AccountEvents.WithLabelValues(event).Inc()
	}
}

// IncStreamsCreated counts a newly created stream.
func IncStreamsCreated() {
	if StreamsCreated != nil {
		StreamsCreated.Inc()
	}
}

// RecordAuthFailure counts a rejected authentication.
func RecordAuthFailure(reason string) {
	if AuthFailures != nil {
		AuthFailures.WithLabelValues(reason).Inc()
	}
}

// RecordTokenRefresh counts a token refresh attempt.
func RecordTokenRefresh(provider string, err error) {
	if TokensRefreshed == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	TokensRefreshed.WithLabelValues(provider, result).Inc()
}

// AddUsersPruned adds n pruned users.
func AddUsersPruned(n int64) {
	if UsersPruned != nil {
		UsersPruned.Add(float64(n))
	}
}

// ObserveHTTP records a request duration.
func ObserveHTTP(method string, status int, d time.Duration) {
	if HTTPDuration != nil {
		HTTPDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
