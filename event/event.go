// Package event defines the typed upstream events produced by a live room
// source and the envelopes published upward to the transport layer.
//
// Upstream events are a tagged union: Type selects which of the payload
// pointers is populated. Sources deliver them on a single channel so a session
// consumes them in arrival order from one dispatch loop.
package event

import "time"

// Type enumerates upstream event kinds.
type Type string

const (
	TypeChat      Type = "chat"
	TypeGift      Type = "gift"
	TypeLike      Type = "like"
	TypeSocial    Type = "social"
	TypeMember    Type = "member"
	TypeRoomUser  Type = "roomUser"
	TypeStreamEnd Type = "streamEnd"
	TypeError     Type = "error"
)

// User identifies the viewer behind an event.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Event is a single upstream occurrence.
type Event struct {
	Type       Type
	Chat       *Chat
	Gift       *Gift
	Like       *Like
	Social     *Social
	Member     *Member
	RoomUser   *RoomUser
	Err        error
	ReceivedAt time.Time
}

// Chat is a viewer comment.
type Chat struct {
	MsgID   string         `json:"msgId,omitempty"`
	User    User           `json:"user"`
	Comment string         `json:"comment"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Gift is a raw gift packet. RepeatCount rises while a combo is in progress.
// Extra carries source-specific fields for display enrichment untouched.
type Gift struct {
	MsgID        string         `json:"msgId,omitempty"`
	Sender       User           `json:"sender"`
	GiftID       string         `json:"giftId"`
	GiftName     string         `json:"giftName,omitempty"`
	GroupID      string         `json:"groupId,omitempty"`
	RepeatCount  uint32         `json:"repeatCount"`
	DiamondCount uint32         `json:"diamondCount"`
	RepeatEnd    bool           `json:"repeatEnd,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Like reports a like burst and, when known, the room's running like total.
type Like struct {
	User           User   `json:"user"`
	LikeCount      uint64 `json:"likeCount"`
	TotalLikeCount uint64 `json:"totalLikeCount"`
}

// Social is a share/follow/raid style action.
type Social struct {
	User   User   `json:"user"`
	Action string `json:"action"`
}

// Member is a viewer joining the room.
type Member struct {
	User User `json:"user"`
}

// RoomUser carries the current viewer count.
type RoomUser struct {
	ViewerCount uint64 `json:"viewerCount"`
}

// RoomInfo is the metadata resolved by a successful connect. Info is opaque
// to the core apart from stream URL lookup.
type RoomInfo struct {
	RoomID string         `json:"roomId"`
	Info   map[string]any `json:"info,omitempty"`
}

// NewChat wraps a chat payload.
func NewChat(c Chat) Event { return Event{Type: TypeChat, Chat: &c, ReceivedAt: time.Now().UTC()} }

// NewGift wraps a gift payload.
func NewGift(g Gift) Event { return Event{Type: TypeGift, Gift: &g, ReceivedAt: time.Now().UTC()} }

// NewLike wraps a like payload.
func NewLike(l Like) Event { return Event{Type: TypeLike, Like: &l, ReceivedAt: time.Now().UTC()} }

// NewSocial wraps a social payload.
func NewSocial(s Social) Event { return Event{Type: TypeSocial, Social: &s, ReceivedAt: time.Now().UTC()} }

// NewMember wraps a member payload.
func NewMember(m Member) Event { return Event{Type: TypeMember, Member: &m, ReceivedAt: time.Now().UTC()} }

// NewRoomUser wraps a viewer count update.
func NewRoomUser(viewers uint64) Event {
	return Event{Type: TypeRoomUser, RoomUser: &RoomUser{ViewerCount: viewers}, ReceivedAt: time.Now().UTC()}
}

// NewStreamEnd signals the upstream broadcast finished.
func NewStreamEnd() Event { return Event{Type: TypeStreamEnd, ReceivedAt: time.Now().UTC()} }

// NewError reports a transport-level problem on an established source.
func NewError(err error) Event { return Event{Type: TypeError, Err: err, ReceivedAt: time.Now().UTC()} }
