package twitchlive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/testutil"
	"github.com/onnwee/live-tender/twitchapi"
)

type fakeHelix struct {
	mu      sync.Mutex
	streams [][]twitchapi.Stream // consumed per call; last entry repeats
	userErr error
	calls   int
}

func (f *fakeHelix) GetStreams(context.Context, string) ([]twitchapi.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.streams) == 0 {
		return nil, nil
	}
	s := f.streams[0]
	if len(f.streams) > 1 {
		f.streams = f.streams[1:]
	}
	return s, nil
}

func (f *fakeHelix) GetUser(context.Context, string) (twitchapi.User, error) {
	if f.userErr != nil {
		return twitchapi.User{}, f.userErr
	}
	return twitchapi.User{ID: "1"}, nil
}

type fakeChat struct {
	onConnect func()
	onPriv    func(twitch.PrivateMessage)
	onNotice  func(twitch.UserNoticeMessage)
	onJoin    func(twitch.UserJoinMessage)

	joined      []string
	connectErr  error
	silent      bool
	mu          sync.Mutex
	disconnects int
	stop        chan struct{}
}

func newFakeChat() *fakeChat { return &fakeChat{stop: make(chan struct{})} }

func (c *fakeChat) OnConnect(f func()) { c.onConnect = f }
func (c *fakeChat) OnPrivateMessage(f func(twitch.PrivateMessage)) { c.onPriv = f }
func (c *fakeChat) OnUserNoticeMessage(f func(twitch.UserNoticeMessage)) { c.onNotice = f }
func (c *fakeChat) OnUserJoinMessage(f func(twitch.UserJoinMessage)) { c.onJoin = f }
func (c *fakeChat) Join(ch ...string) { c.joined = append(c.joined, ch...) }

func (c *fakeChat) Connect() error {
	if c.connectErr != nil {
		return c.connectErr
	}
	if !c.silent {
		c.onConnect()
	}
	<-c.stop
	return twitch.ErrClientDisconnected
}

func (c *fakeChat) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	if c.disconnects == 1 {
		close(c.stop)
	}
	return nil
}

type staticResolver struct {
	urls map[string]string
	err  error
}

func (r staticResolver) Resolve(context.Context, string) (map[string]string, error) {
	return r.urls, r.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func live(viewers uint64) []twitchapi.Stream {
	return []twitchapi.Stream{{UserID: "42", UserLogin: "streamer", Title: "hi", ViewerCount: viewers}}
}

func nextEvent(t *testing.T, src session.Source) event.Event {
	t.Helper()
	select {
	case ev := <-src.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestSource_ConnectLive(t *testing.T) {
	helix := &fakeHelix{streams: [][]twitchapi.Stream{live(10), live(12), nil}}
	chat := newFakeChat()
	dial := NewDialer(Config{
		Helix:        helix,
		Resolver:     staticResolver{urls: map[string]string{session.QualityFullHD: "https://hls/src.m3u8"}},
		NewChat:      func() ChatClient { return chat },
		PollInterval: 50 * time.Millisecond,
		Logger:       quietLogger(),
	})
	src := dial("@Streamer")
	defer src.Disconnect()

	room, err := src.Connect(context.Background(), "@Streamer")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if room.RoomID != "42" {
		t.Fatalf("room id = %q", room.RoomID)
	}
	if got := session.PickStreamURL(room.Info, session.QualityFullHD); got != "https://hls/src.m3u8" {
		t.Fatalf("stream url = %q", got)
	}
	if len(chat.joined) != 1 || chat.joined[0] != "streamer" {
		t.Fatalf("joined = %v", chat.joined)
	}
	chat.onPriv(twitch.PrivateMessage{ID: "m", User: viewer("5", "v"), Message: "yo"})

	if ev := nextEvent(t, src); ev.Type != event.TypeRoomUser || ev.RoomUser.ViewerCount != 10 {
		t.Fatalf("initial viewers = %+v", ev)
	}
	if ev := nextEvent(t, src); ev.Type != event.TypeChat || ev.Chat.Comment != "yo" {
		t.Fatalf("chat = %+v", ev)
	}

	if ev := nextEvent(t, src); ev.Type != event.TypeRoomUser || ev.RoomUser.ViewerCount != 12 {
		t.Fatalf("polled viewers = %+v", ev)
	}
	if ev := nextEvent(t, src); ev.Type != event.TypeStreamEnd {
		t.Fatalf("expected stream end, got %+v", ev)
	}
}

func TestSource_NotLive(t *testing.T) {
	dial := NewDialer(Config{Helix: &fakeHelix{}, NewChat: func() ChatClient { return newFakeChat() }, Logger: quietLogger()})
	_, err := dial("quiet").Connect(context.Background(), "quiet")
	if !errors.Is(err, session.ErrStreamEnded) {
		t.Fatalf("err = %v, want ErrStreamEnded", err)
	}
	if session.ClassifyConnectError(err) != session.FailureStreamEnded {
		t.Fatalf("class = %v", session.ClassifyConnectError(err))
	}
}

func TestSource_UnknownUser(t *testing.T) {
	dial := NewDialer(Config{
		Helix:   &fakeHelix{userErr: errors.New("user not found")},
		NewChat: func() ChatClient { return newFakeChat() },
		Logger:  quietLogger(),
	})
	_, err := dial("ghost").Connect(context.Background(), "ghost")
	if err == nil || errors.Is(err, session.ErrStreamEnded) {
		t.Fatalf("err = %v", err)
	}
	if session.ClassifyConnectError(err) != session.FailureConnect {
		t.Fatalf("class = %v", session.ClassifyConnectError(err))
	}
}

func TestSource_ResolverFailureIsNotFatal(t *testing.T) {
	chat := newFakeChat()
	dial := NewDialer(Config{
		Helix:        &fakeHelix{streams: [][]twitchapi.Stream{live(1)}},
		Resolver:     staticResolver{err: errors.New("yt-dlp missing")},
		NewChat:      func() ChatClient { return chat },
		PollInterval: time.Hour,
		Logger:       quietLogger(),
	})
	src := dial("c")
	defer src.Disconnect()
	room, err := src.Connect(context.Background(), "c")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := room.Info["stream_url"]; ok {
		t.Fatalf("unexpected stream_url in %v", room.Info)
	}
}

func TestSource_IRCConnectError(t *testing.T) {
	chat := newFakeChat()
	chat.connectErr = twitch.ErrLoginAuthenticationFailed
	dial := NewDialer(Config{
		Helix:   &fakeHelix{streams: [][]twitchapi.Stream{live(1)}},
		NewChat: func() ChatClient { return chat },
		Logger:  quietLogger(),
	})
	src := dial("c")
	defer src.Disconnect()
	_, err := src.Connect(context.Background(), "c")
	if err == nil || !strings.Contains(err.Error(), "irc connect") {
		t.Fatalf("err = %v", err)
	}
}

func TestSource_ConnectCancelled(t *testing.T) {
	chat := newFakeChat()
	chat.silent = true
	dial := NewDialer(Config{
		Helix:   &fakeHelix{streams: [][]twitchapi.Stream{live(1)}},
		NewChat: func() ChatClient { return chat },
		Logger:  quietLogger(),
	})
	src := dial("c")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := src.Connect(ctx, "c"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	src.Disconnect()
}

func TestSource_DisconnectIdempotent(t *testing.T) {
	chat := newFakeChat()
	dial := NewDialer(Config{
		Helix:        &fakeHelix{streams: [][]twitchapi.Stream{live(1)}},
		NewChat:      func() ChatClient { return chat },
		PollInterval: time.Hour,
		Logger:       quietLogger(),
	})
	src := dial("c")
	if _, err := src.Connect(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}
	src.Disconnect()
	src.Disconnect()
	chat.mu.Lock()
	defer chat.mu.Unlock()
	if chat.disconnects != 1 {
		t.Fatalf("disconnects = %d", chat.disconnects)
	}
	// handlers firing after teardown must not block
	chat.onPriv(twitch.PrivateMessage{ID: "late", User: viewer("1", "x")})
}

func TestNewChatClient_OAuthPrefix(t *testing.T) {
	if _, ok := NewChatClient("", "").(*twitch.Client); !ok {
		t.Fatal("anonymous client should be a *twitch.Client")
	}
	if _, ok := NewChatClient("bot", "abc").(*twitch.Client); !ok {
		t.Fatal("authenticated client should be a *twitch.Client")
	}
}

func TestSource_WithHelixClient(t *testing.T) {
	mock := testutil.NewMockHelix(t)
	mock.Live("77", "realchannel", 5)
	mock.User("77", "realchannel")
	httpClient := mock.HTTPClient()
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: httpClient},
		ClientID:       "cid",
		HTTPClient:     httpClient,
	}

	chat := newFakeChat()
	src := NewDialer(Config{Helix: helix, NewChat: func() ChatClient { return chat }, PollInterval: time.Hour, Logger: quietLogger()})("realchannel")
	defer src.Disconnect()
	room, err := src.Connect(context.Background(), "realchannel")
	if err != nil {
		t.Fatal(err)
	}
	if room.RoomID != "77" || room.Info["title"] != "live now" {
		t.Fatalf("room = %+v", room)
	}
	if mock.Hits("/oauth2/token") != 1 {
		t.Fatalf("token requests = %d", mock.Hits("/oauth2/token"))
	}

	mock.Offline()
	_, err = NewDialer(Config{Helix: helix, NewChat: func() ChatClient { return newFakeChat() }, Logger: quietLogger()})("realchannel").Connect(context.Background(), "realchannel")
	if !errors.Is(err, session.ErrStreamEnded) {
		t.Fatalf("offline err = %v", err)
	}
}
