package session

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyTarget is returned by Join when no room identifier is given.
	ErrEmptyTarget = errors.New("session: empty target")
	// ErrStreamEnded marks a connect failure caused by the broadcast not being
	// live. Sources wrap it so the manager can choose the right status message.
	ErrStreamEnded = errors.New("session: stream ended")
)

// FailureClass groups connect failures for status reporting.
type FailureClass int

const (
	// FailureConnect covers offline or not-found rooms and transport problems.
	FailureConnect FailureClass = iota
	// FailureStreamEnded indicates the room exists but is not broadcasting.
	FailureStreamEnded
	// FailureUnknown is used for nil errors.
	FailureUnknown
)

// String returns a human-readable name for the failure class.
func (c FailureClass) String() string {
	switch c {
	case FailureConnect:
		return "connect"
	case FailureStreamEnded:
		return "stream_ended"
	default:
		return "unknown"
	}
}

var streamEndedPatterns = []string{
	"stream ended",
	"stream has ended",
	"live has ended",
	"not live",
	"isn't online",
	"is offline",
	"live_ended",
}

// ClassifyConnectError inspects a connect failure. Wrapped ErrStreamEnded wins;
// otherwise the message is matched against known upstream phrasings.
func ClassifyConnectError(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, ErrStreamEnded) {
		return FailureStreamEnded
	}
	lower := strings.ToLower(err.Error())
	for _, p := range streamEndedPatterns {
		if strings.Contains(lower, p) {
			return FailureStreamEnded
		}
	}
	return FailureConnect
}
