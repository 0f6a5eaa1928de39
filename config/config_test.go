package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"HTTP_ADDR", "RECORDINGS_DIR", "WATCH_TARGETS", "AUTO_RECONNECT", "RETRY_INTERVAL",
	"RECORD_ON_LIVE", "RECORD_QUALITY", "FFMPEG_PATH", "YTDLP_PATH", "RECORD_STOP_TIMEOUT",
	"LIVE_POLL_INTERVAL", "TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_BOT_USERNAME",
	"TWITCH_OAUTH_TOKEN", "DB_DSN", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_CHANNEL_PREFIX",
	"LOG_LEVEL", "LOG_FORMAT", "OTEL_EXPORTER_OTLP_ENDPOINT", "ADMIN_USERNAME", "ADMIN_PASSWORD",
	"ADMIN_TOKEN", "ADMIN_RATE_LIMIT", "REDIS_USERNAME", "RETENTION_KEEP_DAYS", "RETENTION_KEEP_COUNT",
	"RETENTION_DRY_RUN", "RETENTION_INTERVAL", "OTEL_TRACES_SAMPLER_ARG",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RecordingsDir != "recordings" {
		t.Errorf("addr=%q dir=%q", cfg.HTTPAddr, cfg.RecordingsDir)
	}
	if !cfg.AutoReconnect || cfg.RecordOnLive {
		t.Errorf("autoReconnect=%v recordOnLive=%v", cfg.AutoReconnect, cfg.RecordOnLive)
	}
	if cfg.RetryInterval != 10*time.Second || cfg.RecordStopTimeout != 15*time.Second || cfg.LivePollInterval != 30*time.Second {
		t.Errorf("durations = %v %v %v", cfg.RetryInterval, cfg.RecordStopTimeout, cfg.LivePollInterval)
	}
	if cfg.RecordQuality != "FULL_HD1" || cfg.FFmpegPath != "ffmpeg" || cfg.YtDlpPath != "yt-dlp" {
		t.Errorf("recording defaults = %+v", cfg)
	}
	if cfg.RedisChannelPrefix != "live:" || cfg.LogLevel != "info" || cfg.LogFormat != "text" || cfg.OTLPSampleRatio != 1 {
		t.Errorf("ambient defaults = %+v", cfg)
	}
	if cfg.AdminRateLimit != 30 || cfg.AdminToken != "" {
		t.Errorf("admin defaults = %d %q", cfg.AdminRateLimit, cfg.AdminToken)
	}
	if cfg.RetentionKeepDays != 0 || cfg.RetentionKeepCount != 0 || cfg.RetentionInterval != 6*time.Hour {
		t.Errorf("retention defaults = %d %d %v", cfg.RetentionKeepDays, cfg.RetentionKeepCount, cfg.RetentionInterval)
	}
	if len(cfg.WatchTargets) != 0 {
		t.Errorf("watch targets = %v", cfg.WatchTargets)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WATCH_TARGETS", " @Foo, bar ,,baz")
	t.Setenv("AUTO_RECONNECT", "off")
	t.Setenv("RECORD_ON_LIVE", "1")
	t.Setenv("RETRY_INTERVAL", "45")
	t.Setenv("RECORD_QUALITY", "sd1")
	t.Setenv("RECORD_STOP_TIMEOUT", "500ms")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("ADMIN_RATE_LIMIT", "5")
	t.Setenv("RETENTION_KEEP_DAYS", "14")
	t.Setenv("RETENTION_DRY_RUN", "yes")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"foo", "bar", "baz"}; !reflect.DeepEqual(cfg.WatchTargets, want) {
		t.Errorf("WatchTargets = %v, want %v", cfg.WatchTargets, want)
	}
	if cfg.AutoReconnect || !cfg.RecordOnLive {
		t.Errorf("bools = %v %v", cfg.AutoReconnect, cfg.RecordOnLive)
	}
	if cfg.RetryInterval != 45*time.Second || cfg.RecordStopTimeout != 500*time.Millisecond {
		t.Errorf("durations = %v %v", cfg.RetryInterval, cfg.RecordStopTimeout)
	}
	if cfg.RetentionKeepDays != 14 || !cfg.RetentionDryRun {
		t.Errorf("retention = %d %v", cfg.RetentionKeepDays, cfg.RetentionDryRun)
	}
	if cfg.AdminToken != "tok" || cfg.AdminRateLimit != 5 {
		t.Errorf("admin = %q %d", cfg.AdminToken, cfg.AdminRateLimit)
	}
	if cfg.RecordQuality != "SD1" || cfg.LogLevel != "debug" || cfg.OTLPSampleRatio != 0.25 {
		t.Errorf("quality=%q level=%q ratio=%v", cfg.RecordQuality, cfg.LogLevel, cfg.OTLPSampleRatio)
	}
}

func TestLoadClampsRetryInterval(t *testing.T) {
	clearEnv(t)
	t.Setenv("RETRY_INTERVAL", "500ms")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RetryInterval != MinRetryInterval {
		t.Fatalf("RetryInterval = %v, want %v", cfg.RetryInterval, MinRetryInterval)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"AUTO_RECONNECT", "maybe"},
		{"RECORD_ON_LIVE", "2"},
		{"RETRY_INTERVAL", "soon"},
		{"RECORD_STOP_TIMEOUT", "-5s"},
		{"LIVE_POLL_INTERVAL", "-1"},
		{"RECORD_QUALITY", "4K"},
		{"ADMIN_RATE_LIMIT", "0"},
		{"RETENTION_KEEP_DAYS", "-3"},
		{"RETENTION_KEEP_COUNT", "many"},
		{"OTEL_TRACES_SAMPLER_ARG", "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestValidateLiveReady(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateLiveReady(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	cfg.TwitchClientSecret = ""
	if err := cfg.ValidateLiveReady(); err == nil {
		t.Errorf("expected error when secret missing")
	}
}
