// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For Twitch credentials required by live watching, use ValidateLiveReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinRetryInterval is the floor applied to RETRY_INTERVAL.
const MinRetryInterval = 2 * time.Second

var qualities = map[string]bool{"FULL_HD1": true, "HD1": true, "SD1": true, "SD2": true}

type Config struct {
	// HTTP
	HTTPAddr       string
	AdminUsername  string
	AdminPassword  string
	AdminToken     string
	AdminRateLimit int

	// Sessions
	WatchTargets  []string
	AutoReconnect bool
	RetryInterval time.Duration

	// Recording
	RecordingsDir     string
	RecordOnLive      bool
	RecordQuality     string
	FFmpegPath        string
	YtDlpPath         string
	RecordStopTimeout time.Duration

	// Retention of delivered recordings
	RetentionKeepDays  int
	RetentionKeepCount int
	RetentionDryRun    bool
	RetentionInterval  time.Duration

	// Twitch
	LivePollInterval   time.Duration
	TwitchClientID     string
	TwitchClientSecret string
	TwitchBotUsername  string
	TwitchOAuthToken   string

	// Archive / relay
	DBDsn              string
	RedisAddr          string
	RedisUsername      string
	RedisPassword      string
	RedisChannelPrefix string

	// Observability
	LogLevel        string
	LogFormat       string
	OTLPEndpoint    string
	OTLPSampleRatio float64
}

// Load reads environment variables and applies defaults. Malformed durations,
// booleans and quality tiers are errors. Missing optional values disable the
// feature that needs them (archive, Redis relay, tracing).
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		AdminUsername:      os.Getenv("ADMIN_USERNAME"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		RecordingsDir:      envOr("RECORDINGS_DIR", "recordings"),
		RecordQuality:      strings.ToUpper(envOr("RECORD_QUALITY", "FULL_HD1")),
		FFmpegPath:         envOr("FFMPEG_PATH", "ffmpeg"),
		YtDlpPath:          envOr("YTDLP_PATH", "yt-dlp"),
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchBotUsername:  os.Getenv("TWITCH_BOT_USERNAME"),
		TwitchOAuthToken:   os.Getenv("TWITCH_OAUTH_TOKEN"),
		DBDsn:              os.Getenv("DB_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisUsername:      os.Getenv("REDIS_USERNAME"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisChannelPrefix: envOr("REDIS_CHANNEL_PREFIX", "live:"),
		LogLevel:           strings.ToLower(envOr("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(envOr("LOG_FORMAT", "text")),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	for _, t := range strings.Split(os.Getenv("WATCH_TARGETS"), ",") {
		t = strings.TrimPrefix(strings.TrimSpace(t), "@")
		if t != "" {
			cfg.WatchTargets = append(cfg.WatchTargets, strings.ToLower(t))
		}
	}

	var err error
	if cfg.AutoReconnect, err = boolEnv("AUTO_RECONNECT", true); err != nil {
		return nil, err
	}
	if cfg.RecordOnLive, err = boolEnv("RECORD_ON_LIVE", false); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = durationEnv("RETRY_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryInterval < MinRetryInterval {
		cfg.RetryInterval = MinRetryInterval
	}
	if cfg.RecordStopTimeout, err = durationEnv("RECORD_STOP_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.LivePollInterval, err = durationEnv("LIVE_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AdminRateLimit, err = intEnv("ADMIN_RATE_LIMIT", 30); err != nil {
		return nil, err
	}
	if cfg.RetentionKeepDays, err = countEnv("RETENTION_KEEP_DAYS"); err != nil {
		return nil, err
	}
	if cfg.RetentionKeepCount, err = countEnv("RETENTION_KEEP_COUNT"); err != nil {
		return nil, err
	}
	if cfg.RetentionDryRun, err = boolEnv("RETENTION_DRY_RUN", false); err != nil {
		return nil, err
	}
	if cfg.RetentionInterval, err = durationEnv("RETENTION_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.OTLPSampleRatio, err = ratioEnv("OTEL_TRACES_SAMPLER_ARG", 1); err != nil {
		return nil, err
	}
	if !qualities[cfg.RecordQuality] {
		return nil, fmt.Errorf("invalid RECORD_QUALITY %q (want FULL_HD1, HD1, SD1 or SD2)", cfg.RecordQuality)
	}
	return cfg, nil
}

// ValidateLiveReady checks the Helix credentials needed to follow Twitch
// channels. IRC credentials stay optional; chat falls back to anonymous.
func (c *Config) ValidateLiveReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// boolEnv accepts 1/0, true/false, yes/no and on/off.
func boolEnv(key string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive integer", key, v)
	}
	return n, nil
}

// countEnv reads a non-negative integer where 0 (the default) disables.
func countEnv(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", key, v)
	}
	return n, nil
}

// ratioEnv reads a fraction in [0,1].
func ratioEnv(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 0, fmt.Errorf("invalid %s %q: want a number between 0 and 1", key, v)
	}
	return f, nil
}

// durationEnv accepts Go durations ("90s") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid %s %q: negative", key, v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative", key, v)
	}
	return d, nil
}
