// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ConnectAttempts   *prometheus.CounterVec // label: result
	ReconnectRetries  prometheus.Counter
	ChatEvents        *prometheus.CounterVec // label: type
	GiftsAccepted     prometheus.Counter
	GiftsDiscarded    *prometheus.CounterVec // label: reason
	CoinsBilled       prometheus.Counter
	RecordingsStarted prometheus.Counter
	RecordingsSaved   prometheus.Counter
	RecordingsFailed  prometheus.Counter
	OrphansRecovered  *prometheus.CounterVec // label: result
	PublishFailures   *prometheus.CounterVec // label: publisher

	// Histograms (seconds)
	ConnectDuration prometheus.Observer
	RemuxDuration   prometheus.Observer

	// Gauges
	SessionsGauge   *prometheus.GaugeVec // label: state
	RecordingsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_connect_attempts_total", Help: "Upstream connect attempts by result"}, []string{"result"})
		ReconnectRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "live_reconnect_retries_total", Help: "Retry timers that fired and reconnected"})
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_chat_events_total", Help: "Chat-family events forwarded by type"}, []string{"type"})
		GiftsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "live_gifts_accepted_total", Help: "Gift packets that produced a billing update"})
		GiftsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_gifts_discarded_total", Help: "Gift packets discarded by reason"}, []string{"reason"})
		CoinsBilled = promauto.NewCounter(prometheus.CounterOpts{Name: "live_coins_billed_total", Help: "Sum of billed coin deltas"})
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recordings_started_total", Help: "Recording jobs started"})
		RecordingsSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recordings_saved_total", Help: "Recording jobs remuxed into a delivery file"})
		RecordingsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recordings_failed_total", Help: "Recording jobs that ended without a delivery file"})
		OrphansRecovered = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_orphans_recovered_total", Help: "Orphan temp recordings processed at startup by result"}, []string{"result"})
		PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_publish_failures_total", Help: "Envelope publish failures by publisher"}, []string{"publisher"})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_connect_duration_seconds", Help: "Upstream connect duration seconds", Buckets: prometheus.DefBuckets})
		RemuxDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_remux_duration_seconds", Help: "Remux duration seconds", Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}})
		SessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "live_sessions", Help: "Current sessions by state"}, []string{"state"})
		RecordingsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_recordings_active", Help: "Recording jobs currently capturing or remuxing"})
	})
}

// RecordConnect counts a connect attempt outcome and its duration.
func RecordConnect(result string, d time.Duration) {
	if ConnectAttempts != nil {
		ConnectAttempts.WithLabelValues(result).Inc()
	}
	if ConnectDuration != nil {
		ConnectDuration.Observe(d.Seconds())
	}
}

// IncRetry counts a fired retry timer.
func IncRetry() {
	if ReconnectRetries != nil {
		ReconnectRetries.Inc()
	}
}

// IncChatEvent counts a forwarded chat-family event.
func IncChatEvent(kind string) {
	if ChatEvents != nil {
		ChatEvents.WithLabelValues(kind).Inc()
	}
}

// RecordGift counts an accepted gift and its billed coins.
func RecordGift(coins uint64) {
	if GiftsAccepted != nil {
		GiftsAccepted.Inc()
	}
	if CoinsBilled != nil {
		CoinsBilled.Add(float64(coins))
	}
}

// RecordGiftDiscard counts a discarded gift packet.
func RecordGiftDiscard(reason string) {
	if GiftsDiscarded != nil {
		GiftsDiscarded.WithLabelValues(reason).Inc()
	}
}

// SetSessions replaces the per-state session gauge values.
func SetSessions(counts map[string]int) {
	if SessionsGauge == nil {
		return
	}
	SessionsGauge.Reset()
	for state, n := range counts {
		SessionsGauge.WithLabelValues(state).Set(float64(n))
	}
}

// SetActiveRecordings records the number of live recording jobs.
func SetActiveRecordings(n int) {
	if RecordingsGauge != nil {
		RecordingsGauge.Set(float64(n))
	}
}

// RecordRecordingOutcome counts a terminal recording result.
func RecordRecordingOutcome(saved bool) {
	if saved {
		if RecordingsSaved != nil {
			RecordingsSaved.Inc()
		}
		return
	}
	if RecordingsFailed != nil {
		RecordingsFailed.Inc()
	}
}

// IncRecordingStarted counts a started recording job.
func IncRecordingStarted() {
	if RecordingsStarted != nil {
		RecordingsStarted.Inc()
	}
}

// IncOrphan counts an orphan sweep result (converted, failed, skipped).
func IncOrphan(result string) {
	if OrphansRecovered != nil {
		OrphansRecovered.WithLabelValues(result).Inc()
	}
}

// IncPublishFailure counts a failed envelope publish.
func IncPublishFailure(publisher string) {
	if PublishFailures != nil {
		PublishFailures.WithLabelValues(publisher).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
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
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
