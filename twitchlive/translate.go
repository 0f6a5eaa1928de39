package twitchlive

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/event"
)

// comboWindow is how long a sender's repeated cheers or sub gifts keep
// extending one combo.
const comboWindow = 10 * time.Second

const (
	giftBits = "bits"
	giftSub  = "subgift"
)

// tierDiamonds maps sub plans to their value in bits.
var tierDiamonds = map[string]uint32{
	"1000":  500,
	"2000":  1000,
	"3000":  2500,
	"Prime": 500,
}

var tierNames = map[string]string{
	"1000":  "Tier 1",
	"2000":  "Tier 2",
	"3000":  "Tier 3",
	"Prime": "Prime",
}

type comboKey struct{ sender, gift string }

type combo struct {
	group string
	count uint32
	last  time.Time
}

// comboTracker folds discrete Twitch gifts into rising repeat counts so they
// reconcile like a combo stream.
type comboTracker struct {
	now func() time.Time

	mu     sync.Mutex
	combos map[comboKey]*combo
}

func newComboTracker(now func() time.Time) *comboTracker {
	if now == nil {
		now = time.Now
	}
	return &comboTracker{now: now, combos: make(map[comboKey]*combo)}
}

func (c *comboTracker) add(sender, gift string, n uint32) (string, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	k := comboKey{sender, gift}
	cur, ok := c.combos[k]
	if !ok || now.Sub(cur.last) > comboWindow {
		cur = &combo{group: fmt.Sprintf("%s-%s-%d", sender, gift, now.UnixNano())}
		c.combos[k] = cur
	}
	cur.count += n
	cur.last = now
	for key, v := range c.combos {
		if now.Sub(v.last) > comboWindow {
			delete(c.combos, key)
		}
	}
	return cur.group, cur.count
}

func userFrom(u twitch.User) event.User {
	name := u.DisplayName
	if name == "" {
		name = u.Name
	}
	return event.User{ID: u.ID, DisplayName: name}
}

type translator struct {
	combos *comboTracker
}

// privateMessage converts a chat line; cheers also yield a gift.
func (t *translator) privateMessage(msg twitch.PrivateMessage) []event.Event {
	u := userFrom(msg.User)
	extra := map[string]any{"login": msg.User.Name}
	if msg.User.Color != "" {
		extra["color"] = msg.User.Color
	}
	if len(msg.User.Badges) > 0 {
		extra["badges"] = msg.User.Badges
	}
	out := []event.Event{event.NewChat(event.Chat{MsgID: msg.ID, User: u, Comment: msg.Message, Extra: extra})}
	if msg.Bits > 0 {
		group, repeat := t.combos.add(u.ID, giftBits, uint32(msg.Bits))
		out = append(out, event.NewGift(event.Gift{
			MsgID:        msg.ID + ":bits",
			Sender:       u,
			GiftID:       giftBits,
			GiftName:     "Bits",
			GroupID:      group,
			RepeatCount:  repeat,
			DiamondCount: 1,
			Extra:        map[string]any{"bits": msg.Bits},
		}))
	}
	return out
}

// userNotice handles sub gifts, raids and subscriptions.
func (t *translator) userNotice(msg twitch.UserNoticeMessage) []event.Event {
	u := userFrom(msg.User)
	switch msg.MsgID {
	case "subgift":
		// bundle members were already billed by their submysterygift
		if msg.MsgParams["msg-param-community-gift-id"] != "" {
			return nil
		}
		return []event.Event{t.subGift(msg, u, 1)}
	case "submysterygift":
		n, _ := strconv.Atoi(msg.MsgParams["msg-param-mass-gift-count"])
		if n <= 0 {
			return nil
		}
		return []event.Event{t.subGift(msg, u, uint32(n))}
	case "raid":
		return []event.Event{event.NewSocial(event.Social{User: u, Action: "raid"})}
	case "sub", "resub":
		return []event.Event{event.NewSocial(event.Social{User: u, Action: "subscribe"})}
	}
	return nil
}

func (t *translator) subGift(msg twitch.UserNoticeMessage, u event.User, n uint32) event.Event {
	plan := msg.MsgParams["msg-param-sub-plan"]
	diamonds, ok := tierDiamonds[plan]
	if !ok {
		plan, diamonds = "1000", tierDiamonds["1000"]
	}
	giftID := giftSub + "-" + plan
	group, repeat := t.combos.add(u.ID, giftID, n)
	extra := map[string]any{"plan": plan}
	if r := msg.MsgParams["msg-param-recipient-display-name"]; r != "" {
		extra["recipient"] = r
	}
	return event.NewGift(event.Gift{
		MsgID:        msg.ID,
		Sender:       u,
		GiftID:       giftID,
		GiftName:     "Gifted Sub (" + tierNames[plan] + ")",
		GroupID:      group,
		RepeatCount:  repeat,
		DiamondCount: diamonds,
		Extra:        extra,
	})
}

func (t *translator) userJoin(msg twitch.UserJoinMessage) event.Event {
	return event.NewMember(event.Member{User: event.User{ID: msg.User, DisplayName: msg.User}})
}
