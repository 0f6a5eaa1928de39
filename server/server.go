// Package server exposes the operational HTTP surface: health, readiness,
// metrics, a status snapshot of sessions and recordings, and admin endpoints
// to join rooms and control recordings. Requests carry a correlation id and
// run inside a tracing span.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/recording"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/telemetry"
)

// Sessions is the session manager surface used by the handlers.
type Sessions interface {
	Sessions() []session.Snapshot
	Join(clientID, target string, opts session.Options) error
	Leave(clientID string)
}

// Recordings lists in-flight recording jobs.
type Recordings interface {
	Active() []recording.Job
}

// Recorder starts and stops recordings by session client id.
type Recorder interface {
	Start(ctx context.Context, clientID string) (recording.Job, error)
	Stop(ctx context.Context, clientID string) error
}

// Archive lists archived recording jobs.
type Archive interface {
	Recordings(ctx context.Context, limit int) ([]db.RecordingRow, error)
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Archive and Recorder are
// optional; their routes answer 404 when unset.
type Deps struct {
	Sessions   Sessions
	Recordings Recordings
	Recorder   Recorder
	Archive    Archive
	Ready      []ReadyCheck
	Auth       AdminAuth

	// Session options applied to admin joins that do not override them.
	JoinOptions session.Options

	// Admin rate limit per client IP. Zero values default to 30 per minute.
	RateLimit  int
	RateWindow time.Duration
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, deps.RateLimit, deps.RateWindow)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /recordings", h.HandleRecordings)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /admin/sessions", h.HandleAdminJoin)
	admin.HandleFunc("DELETE /admin/sessions/{clientID}", h.HandleAdminLeave)
	admin.HandleFunc("POST /admin/recordings/{clientID}", h.HandleAdminRecordStart)
	admin.HandleFunc("DELETE /admin/recordings/{clientID}", h.HandleAdminRecordStop)
	mux.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, limiter), deps.Auth))

	return withCorrelation(mux)
}

// withCorrelation injects a correlation id and wraps the request in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+routeName(r.URL.Path),
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// routeName collapses per-client admin paths so span names stay bounded.
func routeName(path string) string {
	for _, prefix := range []string{"/admin/sessions/", "/admin/recordings/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "{clientID}"
		}
	}
	return path
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

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
