// Package session manages one upstream live-room connection per client.
//
// A Manager owns a set of sessions keyed by client identity. Each session owns
// exactly one Source, at most one retry timer and one gift reconciler. All
// upstream events for a connected attempt are consumed by a single dispatch
// goroutine, so per-session reconciliation happens in arrival order.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/gift"
	"github.com/onnwee/live-tender/telemetry"
)

const (
	// DefaultRetryInterval is used when Options.RetryInterval is zero.
	DefaultRetryInterval = 10 * time.Second
	// MinRetryInterval is the lower clamp for retry intervals.
	MinRetryInterval = 2 * time.Second
)

// Source is an upstream event feed for one room.
//
// Events must deliver events in upstream arrival order. Disconnect must be
// safe to call more than once and from any goroutine.
type Source interface {
	Connect(ctx context.Context, target string) (event.RoomInfo, error)
	Events() <-chan event.Event
	Disconnect()
}

// Dialer creates a fresh, unconnected Source for target.
type Dialer func(target string) Source

// Publisher forwards envelopes upward to the transport.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Timer is the subset of *time.Timer used for retries.
type Timer interface {
	Stop() bool
}

// Options controls reconnection for one session.
type Options struct {
	EnableAutoReconnect bool
	RetryInterval       time.Duration
}

func (o Options) normalized() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RetryInterval < MinRetryInterval {
		o.RetryInterval = MinRetryInterval
	}
	return o
}

// Config wires a Manager to its collaborators.
type Config struct {
	Dial      Dialer
	Publisher Publisher
	// AfterFunc arms retry timers. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	// Now is the clock for nextRetryAt and reconciler timing. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Snapshot is a point-in-time view of a session for operational endpoints.
type Snapshot struct {
	ClientID    string      `json:"clientId"`
	Target      string      `json:"target"`
	State       event.State `json:"state"`
	Message     string      `json:"message,omitempty"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
	RoomID      string      `json:"roomId,omitempty"`
	Stats       event.Stats `json:"stats"`
	Since       time.Time   `json:"since"`
}

type session struct {
	clientID string
	target   string
	opts     Options

	state       event.State
	message     string
	nextRetryAt *time.Time
	since       time.Time

	attempt uint64
	cancel  context.CancelFunc
	source  Source
	timer   Timer

	roomInfo event.RoomInfo
	stats    event.Stats

	// reconciler is touched only by the current attempt's dispatch goroutine.
	reconciler *gift.Reconciler
}

// Manager is the session lifecycle manager.
type Manager struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sessions    map[string]*session
	nextAttempt uint64
}

// NewManager returns a Manager. cfg.Dial and cfg.Publisher are required.
func NewManager(cfg Config) *Manager {
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("component", "session")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Join opens (or replaces) the session for clientID. A second Join for the
// same target while the first is still connecting is a no-op. Any other
// existing session for clientID is torn down first and reconciliation state
// starts fresh.
func (m *Manager) Join(clientID, target string, opts Options) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrEmptyTarget
	}
	opts = opts.normalized()

	m.mu.Lock()
	var stale Source
	if s, ok := m.sessions[clientID]; ok {
		if s.state == event.StateConnecting && s.target == target {
			m.mu.Unlock()
			m.log.Debug("join ignored, already connecting", slog.String("client_id", clientID), slog.String("target", target))
			return nil
		}
		stale = m.teardownLocked(s)
		delete(m.sessions, clientID)
	}
	s := &session{
		clientID:   clientID,
		target:     target,
		opts:       opts,
		reconciler: gift.NewReconciler(gift.WithClock(m.cfg.Now)),
	}
	m.sessions[clientID] = s
	ctx, attempt, src := m.beginAttemptLocked(s)
	m.updateGaugeLocked()
	m.mu.Unlock()

	if stale != nil {
		stale.Disconnect()
	}
	m.log.Info("joining room", slog.String("client_id", clientID), slog.String("target", target), slog.Bool("auto_reconnect", opts.EnableAutoReconnect))
	m.publish(clientID, event.KindStatus, event.Status{State: event.StateConnecting})
	go m.run(ctx, s, attempt, src)
	return nil
}

// Leave tears down the session for clientID. It is idempotent.
func (m *Manager) Leave(clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	src := m.teardownLocked(s)
	delete(m.sessions, clientID)
	m.updateGaugeLocked()
	m.mu.Unlock()

	if src != nil {
		src.Disconnect()
	}
	m.log.Info("left room", slog.String("client_id", clientID), slog.String("target", s.target))
	m.publish(clientID, event.KindStatus, event.Status{State: event.StateIdle})
}

// Close leaves every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Leave(id)
	}
	m.cancel()
}

// Sessions returns a snapshot of every session.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshotLocked())
	}
	return out
}

// Session returns the snapshot for clientID.
func (m *Manager) Session(clientID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

// StreamURL returns the playable URL from the session's last-known-good room
// metadata, preferring quality.
func (m *Manager) StreamURL(clientID, quality string) (string, bool) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	var info map[string]any
	if ok {
		info = s.roomInfo.Info
	}
	m.mu.Unlock()
	u := PickStreamURL(info, quality)
	return u, u != ""
}

func (s *session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ClientID: s.clientID,
		Target:   s.target,
		State:    s.state,
		Message:  s.message,
		RoomID:   s.roomInfo.RoomID,
		Stats:    s.stats,
		Since:    s.since,
	}
	if s.nextRetryAt != nil {
		t := *s.nextRetryAt
		snap.NextRetryAt = &t
	}
	return snap
}

// beginAttemptLocked moves s to connecting with a fresh source and attempt id.
func (m *Manager) beginAttemptLocked(s *session) (context.Context, uint64, Source) {
	m.nextAttempt++
	s.attempt = m.nextAttempt
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	s.source = m.cfg.Dial(s.target)
	m.setStateLocked(s, event.StateConnecting, "", nil)
	return ctx, s.attempt, s.source
}

// teardownLocked invalidates the current attempt and returns the source that
// the caller must disconnect outside the lock.
func (m *Manager) teardownLocked(s *session) Source {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	src := s.source
	s.source = nil
	s.attempt = 0
	s.state = event.StateIdle
	return src
}

func (m *Manager) isCurrentLocked(s *session, attempt uint64) bool {
	cur, ok := m.sessions[s.clientID]
	return ok && cur == s && s.attempt == attempt
}

func (m *Manager) setStateLocked(s *session, st event.State, msg string, next *time.Time) {
	s.state = st
	s.message = msg
	s.nextRetryAt = next
	s.since = m.cfg.Now().UTC()
}

func (m *Manager) updateGaugeLocked() {
	counts := make(map[string]int)
	for _, s := range m.sessions {
		counts[string(s.state)]++
	}
	telemetry.SetSessions(counts)
}

// scheduleRetryLocked marks s offline and arms a retry timer for attempt.
func (m *Manager) scheduleRetryLocked(s *session, attempt uint64, msg string) event.Status {
	next := m.cfg.Now().Add(s.opts.RetryInterval).UTC()
	m.setStateLocked(s, event.StateOffline, msg, &next)
	s.timer = m.cfg.AfterFunc(s.opts.RetryInterval, func() { m.retry(s, attempt) })
	m.updateGaugeLocked()
	return event.Status{State: event.StateOffline, Message: msg, NextRetryAt: &next}
}

// retry reconnects s inside the same session, keeping reconciler state.
func (m *Manager) retry(s *session, attempt uint64) {
	m.mu.Lock()
	if !m.isCurrentLocked(s, attempt) {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	ctx, next, src := m.beginAttemptLocked(s)
	m.updateGaugeLocked()
	m.mu.Unlock()

	telemetry.IncRetry()
	m.log.Info("retrying connection", slog.String("client_id", s.clientID), slog.String("target", s.target))
	m.publish(s.clientID, event.KindStatus, event.Status{State: event.StateConnecting})
	go m.run(ctx, s, next, src)
}

// run connects src and, on success, dispatches its events until the attempt
// ends.
func (m *Manager) run(ctx context.Context, s *session, attempt uint64, src Source) {
	log := m.log.With(slog.String("client_id", s.clientID), slog.String("target", s.target))

	spanCtx, span := telemetry.StartConnectSpan(ctx, s.clientID, s.target, attempt)
	start := time.Now()
	info, err := src.Connect(spanCtx, s.target)
	telemetry.EndSpan(span, err)

	m.mu.Lock()
	if !m.isCurrentLocked(s, attempt) {
		m.mu.Unlock()
		src.Disconnect()
		telemetry.RecordConnect("superseded", time.Since(start))
		log.Debug("discarding superseded connect result")
		return
	}
	if err != nil {
		s.source = nil
		var st event.Status
		if s.opts.EnableAutoReconnect {
			msg := fmt.Sprintf("User offline or not found. Retrying in %s...", s.opts.RetryInterval)
			if ClassifyConnectError(err) == FailureStreamEnded {
				msg = "Stream ended. Waiting for next stream..."
			}
			st = m.scheduleRetryLocked(s, attempt, msg)
			telemetry.RecordConnect("offline", time.Since(start))
		} else {
			st = event.Status{State: event.StateError, Message: "Could not connect: " + err.Error()}
			m.setStateLocked(s, st.State, st.Message, nil)
			m.updateGaugeLocked()
			telemetry.RecordConnect("error", time.Since(start))
		}
		m.mu.Unlock()
		src.Disconnect()
		log.Warn("connect failed", slog.String("class", ClassifyConnectError(err).String()), slog.String("state", string(st.State)), slog.Any("err", err))
		m.publish(s.clientID, event.KindStatus, st)
		return
	}
	s.roomInfo = info
	m.setStateLocked(s, event.StateConnected, "", nil)
	m.updateGaugeLocked()
	m.mu.Unlock()

	telemetry.RecordConnect("connected", time.Since(start))
	log.Info("connected", slog.String("room_id", info.RoomID))
	m.publish(s.clientID, event.KindStatus, event.Status{State: event.StateConnected})
	m.publish(s.clientID, event.KindRoomInfo, info)

	m.dispatch(ctx, s, attempt, src, log)
}

func (m *Manager) dispatch(ctx context.Context, s *session, attempt uint64, src Source, log *slog.Logger) {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.endStream(s, attempt, src, log, "source closed")
				return
			}
			if ctx.Err() != nil {
				return
			}
			if done := m.handle(s, attempt, src, ev, log); done {
				return
			}
		}
	}
}

// handle applies one upstream event. It reports whether the attempt is over,
// which includes finding it superseded before anything is published.
func (m *Manager) handle(s *session, attempt uint64, src Source, ev event.Event, log *slog.Logger) bool {
	switch ev.Type {
	case event.TypeGift:
		if ev.Gift == nil {
			return false
		}
		u, reason := s.reconciler.Apply(*ev.Gift)
		if reason != gift.DiscardNone {
			telemetry.RecordGiftDiscard(string(reason))
			log.Debug("gift discarded", slog.String("reason", string(reason)), slog.String("sender", ev.Gift.Sender.ID), slog.String("gift_id", ev.Gift.GiftID))
			return false
		}
		stats, ok := m.updateStats(s, attempt, func(st *event.Stats) { st.Diamonds += u.CoinDelta })
		if !ok {
			return true
		}
		telemetry.RecordGift(u.CoinDelta)
		m.publish(s.clientID, event.KindGift, u)
		m.publish(s.clientID, event.KindStats, stats)
	case event.TypeChat, event.TypeLike, event.TypeSocial, event.TypeMember:
		item, ok := event.Normalize(ev)
		if !ok {
			return false
		}
		if !m.isCurrent(s, attempt) {
			return true
		}
		telemetry.IncChatEvent(item.Type)
		m.publish(s.clientID, event.KindChat, item)
		if ev.Type == event.TypeLike && ev.Like.TotalLikeCount > 0 {
			stats, ok := m.updateStats(s, attempt, func(st *event.Stats) { st.Likes = ev.Like.TotalLikeCount })
			if !ok {
				return true
			}
			m.publish(s.clientID, event.KindStats, stats)
		}
	case event.TypeRoomUser:
		if ev.RoomUser == nil {
			return false
		}
		stats, ok := m.updateStats(s, attempt, func(st *event.Stats) { st.Viewers = ev.RoomUser.ViewerCount })
		if !ok {
			return true
		}
		m.publish(s.clientID, event.KindRoomUser, *ev.RoomUser)
		m.publish(s.clientID, event.KindStats, stats)
	case event.TypeStreamEnd:
		m.endStream(s, attempt, src, log, "stream end event")
		return true
	case event.TypeError:
		log.Warn("upstream error", slog.Any("err", ev.Err))
	default:
		log.Debug("ignoring unknown event", slog.String("type", string(ev.Type)))
	}
	return false
}

// updateStats applies fn to the session counters while attempt is still
// current. It reports false, leaving the counters untouched, once the attempt
// has been superseded or the session left.
func (m *Manager) updateStats(s *session, attempt uint64, fn func(*event.Stats)) (event.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isCurrentLocked(s, attempt) {
		return event.Stats{}, false
	}
	fn(&s.stats)
	return s.stats, true
}

func (m *Manager) isCurrent(s *session, attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCurrentLocked(s, attempt)
}

// endStream moves a connected attempt to offline, arming a retry when enabled.
func (m *Manager) endStream(s *session, attempt uint64, src Source, log *slog.Logger, why string) {
	m.mu.Lock()
	if !m.isCurrentLocked(s, attempt) {
		m.mu.Unlock()
		return
	}
	s.source = nil
	var st event.Status
	if s.opts.EnableAutoReconnect {
		st = m.scheduleRetryLocked(s, attempt, "Stream ended. Waiting for next stream...")
	} else {
		st = event.Status{State: event.StateOffline, Message: "Stream ended."}
		m.setStateLocked(s, st.State, st.Message, nil)
		m.updateGaugeLocked()
	}
	m.mu.Unlock()

	src.Disconnect()
	log.Info("stream ended", slog.String("why", why), slog.Bool("retry", st.NextRetryAt != nil))
	m.publish(s.clientID, event.KindStatus, st)
}

func (m *Manager) publish(clientID string, kind event.Kind, payload any) {
	if m.cfg.Publisher == nil {
		return
	}
	if err := m.cfg.Publisher.Publish(m.ctx, event.Wrap(clientID, kind, payload)); err != nil {
		m.log.Warn("publish failed", slog.String("client_id", clientID), slog.String("kind", string(kind)), slog.Any("err", err))
	}
}
