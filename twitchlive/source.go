// Package twitchlive implements a live room event source over Twitch: Helix
// for live status and viewer counts, IRC for chat, cheers, sub gifts, raids
// and joins, and yt-dlp for playable stream URLs.
package twitchlive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/twitchapi"
)

const (
	defaultPollInterval = 30 * time.Second
	ircConnectTimeout   = 15 * time.Second
	eventBuffer         = 256
)

// Helix is the subset of the Helix client the source needs.
type Helix interface {
	GetStreams(ctx context.Context, login string) ([]twitchapi.Stream, error)
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
}

// ChatClient is the subset of *twitch.Client the source drives.
type ChatClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnUserNoticeMessage(func(twitch.UserNoticeMessage))
	OnUserJoinMessage(func(twitch.UserJoinMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Config wires sources to Twitch.
type Config struct {
	Helix    Helix
	Resolver URLResolver
	// NewChat builds an IRC client. Defaults to NewChatClient with no
	// credentials, which connects anonymously.
	NewChat      func() ChatClient
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// NewChatClient returns an authenticated IRC client when both credentials
// are set and an anonymous read-only one otherwise.
func NewChatClient(username, oauthToken string) ChatClient {
	if username == "" || oauthToken == "" {
		return twitch.NewAnonymousClient()
	}
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return twitch.NewClient(username, oauthToken)
}

// NewDialer returns a session.Dialer producing Twitch sources.
func NewDialer(cfg Config) session.Dialer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.NewChat == nil {
		cfg.NewChat = func() ChatClient { return NewChatClient("", "") }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(target string) session.Source { return newSource(cfg, target) }
}

// Source is one Twitch channel subscription.
type Source struct {
	cfg   Config
	login string
	log   *slog.Logger

	events chan event.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	chat   ChatClient
	cancel context.CancelFunc
}

func newSource(cfg Config, target string) *Source {
	login := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(target), "@"))
	return &Source{
		cfg:    cfg,
		login:  login,
		log:    cfg.Logger.With(slog.String("component", "twitchlive"), slog.String("channel", login)),
		events: make(chan event.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Events never closes; the session stops reading after Disconnect.
func (s *Source) Events() <-chan event.Event { return s.events }

// Connect verifies the channel is live, resolves stream URLs and joins chat.
func (s *Source) Connect(ctx context.Context, _ string) (event.RoomInfo, error) {
	if s.cfg.Helix == nil {
		return event.RoomInfo{}, errors.New("twitch: helix client not configured")
	}
	streams, err := s.cfg.Helix.GetStreams(ctx, s.login)
	if err != nil {
		return event.RoomInfo{}, fmt.Errorf("twitch: lookup %s: %w", s.login, err)
	}
	if len(streams) == 0 {
		if _, err := s.cfg.Helix.GetUser(ctx, s.login); err != nil {
			return event.RoomInfo{}, fmt.Errorf("twitch: %s: %w", s.login, err)
		}
		return event.RoomInfo{}, fmt.Errorf("twitch: %s is not live: %w", s.login, session.ErrStreamEnded)
	}
	st := streams[0]

	info := map[string]any{
		"login":        s.login,
		"user_id":      st.UserID,
		"display_name": st.UserName,
		"title":        st.Title,
		"game":         st.GameName,
		"viewer_count": st.ViewerCount,
		"started_at":   st.StartedAt,
	}
	if s.cfg.Resolver != nil {
		urls, err := s.cfg.Resolver.Resolve(ctx, s.login)
		if err != nil {
			s.log.Warn("stream url resolution failed; recording unavailable", slog.Any("err", err))
		} else if len(urls) > 0 {
			tiers := make(map[string]any, len(urls))
			for k, v := range urls {
				tiers[k] = v
			}
			info["stream_url"] = map[string]any{"hls_pull_url": tiers}
		}
	}

	if err := s.joinChat(ctx); err != nil {
		return event.RoomInfo{}, err
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	select {
	case <-s.done:
		cancel()
		return event.RoomInfo{}, errors.New("twitch: disconnected during connect")
	default:
	}
	s.emit(event.NewRoomUser(st.ViewerCount))
	go s.poll(pollCtx)

	return event.RoomInfo{RoomID: st.UserID, Info: info}, nil
}

func (s *Source) joinChat(ctx context.Context) error {
	tr := &translator{combos: newComboTracker(s.cfg.Now)}
	c := s.cfg.NewChat()
	connected := make(chan struct{})
	var connOnce sync.Once
	c.OnConnect(func() { connOnce.Do(func() { close(connected) }) })
	c.OnPrivateMessage(func(m twitch.PrivateMessage) {
		for _, ev := range tr.privateMessage(m) {
			s.emit(ev)
		}
	})
	c.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		for _, ev := range tr.userNotice(m) {
			s.emit(ev)
		}
	})
	c.OnUserJoinMessage(func(m twitch.UserJoinMessage) { s.emit(tr.userJoin(m)) })
	c.Join(s.login)

	s.mu.Lock()
	s.chat = c
	s.mu.Unlock()

	connErr := make(chan error, 1)
	go func() {
		err := c.Connect()
		connErr <- err
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			s.emit(event.NewError(fmt.Errorf("twitch irc: %w", err)))
		}
	}()

	timer := time.NewTimer(ircConnectTimeout)
	defer timer.Stop()
	select {
	case <-connected:
		s.log.Info("joined chat")
		return nil
	case err := <-connErr:
		if err == nil {
			err = errors.New("closed")
		}
		return fmt.Errorf("twitch irc connect: %w", err)
	case <-timer.C:
		_ = c.Disconnect()
		return errors.New("twitch irc connect: timeout")
	case <-ctx.Done():
		_ = c.Disconnect()
		return ctx.Err()
	case <-s.done:
		return errors.New("twitch: disconnected during connect")
	}
}

// poll reports viewer counts and detects the end of the broadcast.
func (s *Source) poll(ctx context.Context) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
		}
		streams, err := s.cfg.Helix.GetStreams(ctx, s.login)
		if err != nil {
			s.log.Debug("live poll failed", slog.Any("err", err))
			continue
		}
		if len(streams) == 0 {
			s.emit(event.NewStreamEnd())
			return
		}
		s.emit(event.NewRoomUser(streams[0].ViewerCount))
	}
}

func (s *Source) emit(ev event.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Disconnect leaves chat and stops polling. Safe to call repeatedly.
func (s *Source) Disconnect() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		chat, cancel := s.chat, s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if chat != nil {
			if err := chat.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
				s.log.Debug("irc disconnect", slog.Any("err", err))
			}
		}
	})
}
