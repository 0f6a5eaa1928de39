// Package gift turns a noisy gift packet stream into billed coin deltas and a
// live leaderboard.
//
// Upstream sources report a combo (one viewer re-sending the same gift) as a
// sequence of packets with a rising repeat count. Packets may be duplicated,
// retransmitted or arrive slightly out of order. The Reconciler bills only the
// increment since the previous observation of the same (sender, gift) streak.
//
// A Reconciler is owned by a single session and must only be used from that
// session's dispatch goroutine.
package gift

import (
	"sort"
	"time"

	"github.com/onnwee/live-tender/event"
)

const (
	// MaxProcessedIDs bounds the duplicate-delivery filter.
	MaxProcessedIDs = 500
	// LeaderboardSize is the number of ranking entries in a snapshot.
	LeaderboardSize = 50

	phantomWindow    = 3000 * time.Millisecond
	phantomMinRepeat = 10
	continuityWindow = 5000 * time.Millisecond
)

// DiscardReason explains why a packet produced no billing.
type DiscardReason string

const (
	DiscardNone          DiscardReason = ""
	DiscardDuplicateID   DiscardReason = "duplicate_msg_id"
	DiscardStaleRepeat   DiscardReason = "stale_repeat"
	DiscardPhantomReset  DiscardReason = "phantom_restart"
	DiscardRetransmitted DiscardReason = "retransmit"
)

// StreakKey identifies a combo lineage.
type StreakKey struct {
	SenderID string
	GiftID   string
}

// StreakState is the last accepted observation for a StreakKey.
type StreakState struct {
	GroupID      string
	RepeatCount  uint32
	DiamondCount uint32
	Timestamp    time.Time
}

// RankingEntry is one sender's running total.
type RankingEntry struct {
	SenderID    string `json:"senderId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	TotalCoins  uint64 `json:"totalCoins"`
}

// Update is emitted for every accepted packet.
type Update struct {
	SenderID         string         `json:"senderId"`
	GiftID           string         `json:"giftId"`
	CoinDelta        uint64         `json:"coinDelta"`
	StreakDelta      uint32         `json:"streakDelta"`
	IsNewStreak      bool           `json:"isNewStreak"`
	RepeatCountAfter uint32         `json:"repeatCountAfter"`
	Leaderboard      []RankingEntry `json:"leaderboard"`
	Gift             event.Gift     `json:"gift"`
}

// Reconciler holds per-session gift state.
type Reconciler struct {
	now func() time.Time

	seen    map[string]struct{}
	seenLog []string

	streaks map[StreakKey]StreakState

	ranking map[string]*RankingEntry
	order   []string
	total   uint64
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for streak timing.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler returns an empty reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.Reset()
	return r
}

// Reset drops all dedup, streak and ranking state.
func (r *Reconciler) Reset() {
	r.seen = make(map[string]struct{}, MaxProcessedIDs)
	r.seenLog = make([]string, 0, MaxProcessedIDs)
	r.streaks = make(map[StreakKey]StreakState)
	r.ranking = make(map[string]*RankingEntry)
	r.order = nil
	r.total = 0
}

// Apply reconciles one packet. When the packet is discarded the returned
// reason is non-empty and no state except the dedup filter has changed.
func (r *Reconciler) Apply(g event.Gift) (Update, DiscardReason) {
	if g.MsgID != "" {
		if _, dup := r.seen[g.MsgID]; dup {
			return Update{}, DiscardDuplicateID
		}
		r.remember(g.MsgID)
	}
	if g.RepeatCount == 0 {
		g.RepeatCount = 1
	}

	now := r.now()
	key := StreakKey{SenderID: g.Sender.ID, GiftID: g.GiftID}
	prev, hasPrev := r.streaks[key]

	var streakDelta uint32
	isNew := false
	switch {
	case !hasPrev:
		streakDelta, isNew = g.RepeatCount, true
	case g.GroupID != "" && prev.GroupID != "" && g.GroupID == prev.GroupID:
		if g.RepeatCount <= prev.RepeatCount {
			return Update{}, DiscardStaleRepeat
		}
		streakDelta = g.RepeatCount - prev.RepeatCount
	default:
		elapsed := now.Sub(prev.Timestamp)
		switch {
		case elapsed < phantomWindow && g.RepeatCount == 1 && prev.RepeatCount >= phantomMinRepeat:
			return Update{}, DiscardPhantomReset
		case elapsed < continuityWindow && g.RepeatCount == prev.RepeatCount:
			return Update{}, DiscardRetransmitted
		case elapsed < continuityWindow && g.RepeatCount > prev.RepeatCount:
			streakDelta = g.RepeatCount - prev.RepeatCount
		default:
			streakDelta, isNew = g.RepeatCount, true
		}
	}
	coinDelta := uint64(streakDelta) * uint64(g.DiamondCount)

	r.streaks[key] = StreakState{
		GroupID:      g.GroupID,
		RepeatCount:  g.RepeatCount,
		DiamondCount: g.DiamondCount,
		Timestamp:    now,
	}

	entry, ok := r.ranking[g.Sender.ID]
	if !ok {
		entry = &RankingEntry{SenderID: g.Sender.ID}
		r.ranking[g.Sender.ID] = entry
		r.order = append(r.order, g.Sender.ID)
	}
	entry.TotalCoins += coinDelta
	entry.DisplayName = g.Sender.DisplayName
	entry.AvatarURL = g.Sender.AvatarURL
	r.total += coinDelta

	return Update{
		SenderID:         g.Sender.ID,
		GiftID:           g.GiftID,
		CoinDelta:        coinDelta,
		StreakDelta:      streakDelta,
		IsNewStreak:      isNew,
		RepeatCountAfter: g.RepeatCount,
		Leaderboard:      r.Leaderboard(),
		Gift:             g,
	}, DiscardNone
}

func (r *Reconciler) remember(id string) {
	r.seen[id] = struct{}{}
	r.seenLog = append(r.seenLog, id)
	if len(r.seenLog) > MaxProcessedIDs {
		oldest := r.seenLog[0]
		r.seenLog = r.seenLog[1:]
		delete(r.seen, oldest)
	}
}

// Leaderboard returns the top entries by total coins, ties by first seen.
func (r *Reconciler) Leaderboard() []RankingEntry {
	out := make([]RankingEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.ranking[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalCoins > out[j].TotalCoins })
	if len(out) > LeaderboardSize {
		out = out[:LeaderboardSize]
	}
	return out
}

// Streak returns the stored state for key.
func (r *Reconciler) Streak(key StreakKey) (StreakState, bool) {
	s, ok := r.streaks[key]
	return s, ok
}

// ProcessedIDs reports the size of the dedup filter.
func (r *Reconciler) ProcessedIDs() int { return len(r.seenLog) }

// TotalCoins is the sum of every billed delta since the last reset.
func (r *Reconciler) TotalCoins() uint64 { return r.total }
