package event

import "time"

// Kind enumerates envelopes published upward to the transport.
type Kind string

const (
	KindStatus             Kind = "status"
	KindRoomInfo           Kind = "roomInfo"
	KindChat               Kind = "chat"
	KindGift               Kind = "gift"
	KindRoomUser           Kind = "roomUser"
	KindStats              Kind = "stats"
	KindRecordingStatus    Kind = "recordingStatus"
	KindConversionProgress Kind = "conversionProgress"
)

// Envelope is the wire representation forwarded to publishers. ClientID is
// empty for process-wide events such as orphan recovery progress.
type Envelope struct {
	ClientID   string    `json:"clientId,omitempty"`
	Kind       Kind      `json:"kind"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateOffline    State = "offline"
	StateError      State = "error"
)

// Status reports a session state transition.
type Status struct {
	State       State      `json:"state"`
	Message     string     `json:"message,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// ChatItem is the normalized chat-family payload. Type is one of chat, like,
// share or join.
type ChatItem struct {
	Type           string         `json:"type"`
	MsgID          string         `json:"msgId,omitempty"`
	User           User           `json:"user"`
	Comment        string         `json:"comment,omitempty"`
	LikeCount      uint64         `json:"likeCount,omitempty"`
	TotalLikeCount uint64         `json:"totalLikeCount,omitempty"`
	Action         string         `json:"action,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Stats is the per-session running summary.
type Stats struct {
	Viewers  uint64 `json:"viewers"`
	Likes    uint64 `json:"likes"`
	Diamonds uint64 `json:"diamonds"`
}

// RecordingStatus reports recording job transitions.
type RecordingStatus struct {
	JobID       string `json:"jobId"`
	IsRecording bool   `json:"isRecording"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	Path        string `json:"path,omitempty"`
}

// ConversionProgress reports remux progress for one file. Nav is "finished"
// or "error" on the terminal update.
type ConversionProgress struct {
	Filename string `json:"filename"`
	Percent  int    `json:"percent"`
	Timemark string `json:"timemark,omitempty"`
	Nav      string `json:"nav,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Wrap builds an envelope stamped with the current time.
func Wrap(clientID string, kind Kind, payload any) Envelope {
	return Envelope{ClientID: clientID, Kind: kind, Payload: payload, OccurredAt: time.Now().UTC()}
}

// Normalize maps chat-family upstream events to a ChatItem. ok is false for
// events outside the family.
func Normalize(ev Event) (ChatItem, bool) {
	switch ev.Type {
	case TypeChat:
		if ev.Chat == nil {
			return ChatItem{}, false
		}
		return ChatItem{Type: "chat", MsgID: ev.Chat.MsgID, User: ev.Chat.User, Comment: ev.Chat.Comment, Extra: ev.Chat.Extra}, true
	case TypeLike:
		if ev.Like == nil {
			return ChatItem{}, false
		}
		return ChatItem{Type: "like", User: ev.Like.User, LikeCount: ev.Like.LikeCount, TotalLikeCount: ev.Like.TotalLikeCount}, true
	case TypeSocial:
		if ev.Social == nil {
			return ChatItem{}, false
		}
		return ChatItem{Type: "share", User: ev.Social.User, Action: ev.Social.Action}, true
	case TypeMember:
		if ev.Member == nil {
			return ChatItem{}, false
		}
		return ChatItem{Type: "join", User: ev.Member.User}, true
	}
	return ChatItem{}, false
}
