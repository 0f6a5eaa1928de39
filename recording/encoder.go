package recording

import "context"

// EncodeEventType enumerates encoder process notifications.
type EncodeEventType string

const (
	EncodeStart    EncodeEventType = "start"
	EncodeProgress EncodeEventType = "progress"
	EncodeError    EncodeEventType = "error"
	EncodeEnd      EncodeEventType = "end"
)

// Progress is a best-effort progress report. Percent is nil when the encoder
// cannot compute it, which is the norm for stream copy of a live input.
type Progress struct {
	Percent      *float64
	TargetSizeKB int64
	Timemark     string
}

// EncodeEvent is one notification from a running encoder process.
type EncodeEvent struct {
	Type     EncodeEventType
	Progress Progress
	Err      error
}

// EncodeOptions selects the encoder mode.
type EncodeOptions struct {
	// CopyCodecs copies streams without re-encoding.
	CopyCodecs bool
	// Remux writes the delivery container from an existing temp file.
	Remux bool
}

// Process is a running encoder. Events delivers exactly one terminal event
// (error or end) and is then closed.
type Process interface {
	Events() <-chan EncodeEvent
	// Quit asks the encoder to flush and exit.
	Quit() error
	// Kill terminates the encoder immediately.
	Kill() error
}

// Encoder spawns encoder processes.
type Encoder interface {
	Start(ctx context.Context, input, output string, opts EncodeOptions) (Process, error)
}
