// Command live-tender follows live rooms, relays their events and records
// their streams. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs versioned migrations and archives
//     relayed events; optionally publishes envelopes to Redis.
//   - Recovers orphaned recordings left by a previous crash.
//   - Joins every WATCH_TARGETS room and, with RECORD_ON_LIVE, records it
//     while live.
//   - Prunes old delivered recordings per the RETENTION_* policy.
//   - Exposes /healthz, /readyz, /metrics, /status and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM: sessions are left, encoders are
// stopped, and in-flight remuxes are allowed to finish.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/recording"
	"github.com/onnwee/live-tender/relay"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/twitchlive"
	"github.com/onnwee/live-tender/watch"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(newLogHandler(cfg.LogLevel, cfg.LogFormat)))
	slog.Info("logger initialized", slog.String("level", cfg.LogLevel), slog.String("format", cfg.LogFormat))

	if err := run(cfg); err != nil {
		slog.Error("live-tender exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func newLogHandler(level, format string) slog.Handler {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func run(cfg *config.Config) error {
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    "live-tender",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.OTLPSampleRatio,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready []server.ReadyCheck

	// Publishers are collected into a fan-out before the recorder exists; the
	// closure reads the slice at publish time.
	queue := relay.NewMemoryQueue(256)
	fanout := relay.Multi{queue}
	publisher := relay.PublisherFunc(func(ctx context.Context, env event.Envelope) error {
		return fanout.Publish(ctx, env)
	})

	var archive *db.Archive
	if cfg.DBDsn != "" {
		database, err := openArchiveDB(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		archive = db.NewArchive(database)
		fanout = append(fanout, archive)
		ready = append(ready, server.ReadyCheck{Name: "database", Fn: database.PingContext})
	} else {
		slog.Info("archive disabled (DB_DSN empty)", slog.String("component", "db"))
	}

	if cfg.RedisAddr != "" {
		rp, err := relay.NewRedisPublisher(relay.RedisConfig{
			Addr:          cfg.RedisAddr,
			Username:      cfg.RedisUsername,
			Password:      cfg.RedisPassword,
			ChannelPrefix: cfg.RedisChannelPrefix,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rp.Close() }()
		fanout = append(fanout, rp)
		ready = append(ready, server.ReadyCheck{Name: "redis", Fn: rp.Ping})
		slog.Info("redis relay enabled", slog.String("addr", cfg.RedisAddr), slog.String("prefix", cfg.RedisChannelPrefix), slog.String("component", "relay"))
	}

	tokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{AppTokenSource: tokens, ClientID: cfg.TwitchClientID}
	if cfg.ValidateLiveReady() == nil {
		tctx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := tokens.Get(tctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}

	mgr := session.NewManager(session.Config{
		Dial: twitchlive.NewDialer(twitchlive.Config{
			Helix:        helix,
			Resolver:     twitchlive.NewYtDlp(cfg.YtDlpPath),
			NewChat:      func() twitchlive.ChatClient { return twitchlive.NewChatClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken) },
			PollInterval: cfg.LivePollInterval,
		}),
		Publisher: publisher,
	})

	pipeline := recording.NewPipeline(recording.Config{
		Dir:         cfg.RecordingsDir,
		Encoder:     recording.NewFFmpeg(cfg.FFmpegPath),
		Publisher:   publisher,
		StopTimeout: cfg.RecordStopTimeout,
	})

	recorder := watch.NewRecorder(watch.RecorderConfig{
		Sessions:   mgr,
		Pipeline:   pipeline,
		Quality:    cfg.RecordQuality,
		AutoRecord: cfg.RecordOnLive,
	})
	fanout = append(fanout, recorder)

	if rep, err := pipeline.RecoverOrphans(ctx); err != nil {
		slog.Error("orphan recovery failed", slog.Any("err", err), slog.String("component", "recording"))
	} else if len(rep.Converted)+len(rep.Failed) > 0 {
		slog.Info("orphan recovery finished", slog.Int("converted", len(rep.Converted)), slog.Int("failed", len(rep.Failed)), slog.Int("skipped", len(rep.Skipped)), slog.String("component", "recording"))
	}

	opts := session.Options{EnableAutoReconnect: cfg.AutoReconnect, RetryInterval: cfg.RetryInterval}
	if len(cfg.WatchTargets) > 0 {
		if err := cfg.ValidateLiveReady(); err != nil {
			slog.Warn("watch targets configured without twitch credentials", slog.Any("err", err))
		}
		slog.Info("joining watch targets", slog.Int("count", len(cfg.WatchTargets)), slog.String("targets", strings.Join(cfg.WatchTargets, ",")))
		if err := watch.JoinAll(mgr, cfg.WatchTargets, opts); err != nil {
			slog.Error("join watch targets", slog.Any("err", err))
		}
	}

	deps := server.Deps{
		Sessions:    mgr,
		Recordings:  pipeline,
		Recorder:    recorder,
		Ready:       ready,
		JoinOptions: opts,
		RateLimit:   cfg.AdminRateLimit,
		Auth:        server.AdminAuth{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
	}
	if archive != nil {
		deps.Archive = archive
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, server.NewMux(gctx, deps), cfg.HTTPAddr) })
	g.Go(func() error {
		logEvents(gctx, queue.Subscribe(""))
		return nil
	})
	g.Go(func() error {
		pipeline.RunRetention(gctx, recording.RetentionPolicy{
			KeepDays:  cfg.RetentionKeepDays,
			KeepCount: cfg.RetentionKeepCount,
			DryRun:    cfg.RetentionDryRun,
			Interval:  cfg.RetentionInterval,
		})
		return nil
	})

	<-gctx.Done()
	slog.Info("shutting down")

	mgr.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RecordStopTimeout+5*time.Second)
	pipeline.StopAll(stopCtx)
	cancel()
	recorder.Wait()
	pipeline.Wait()

	return g.Wait()
}

// openArchiveDB connects to Postgres and applies pending migrations.
func openArchiveDB(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// logEvents writes every relayed envelope to the debug log until ctx ends.
func logEvents(ctx context.Context, sub relay.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			slog.Debug("relay envelope", slog.String("client_id", env.ClientID), slog.String("kind", string(env.Kind)), slog.String("component", "relay"))
		}
	}
}
