// Package watch runs headless sessions for configured rooms and records them
// while they are live.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/recording"
	"github.com/onnwee/live-tender/session"
)

// ClientPrefix marks sessions started from WATCH_TARGETS.
const ClientPrefix = "watch:"

// ClientID returns the session client id used for a watched target.
func ClientID(target string) string { return ClientPrefix + target }

// ErrNoSession is returned by Start for an unknown client id.
var ErrNoSession = errors.New("watch: no session")

// Sessions is the part of session.Manager the recorder reads.
type Sessions interface {
	Session(clientID string) (session.Snapshot, bool)
	StreamURL(clientID, quality string) (string, bool)
}

// Pipeline is the part of recording.Pipeline the recorder drives.
type Pipeline interface {
	Start(ctx context.Context, jobID, target, streamURL string) (recording.Job, error)
	Stop(ctx context.Context, jobID string) error
}

// Joiner starts sessions.
type Joiner interface {
	Join(clientID, target string, opts session.Options) error
}

// RecorderConfig wires a Recorder.
type RecorderConfig struct {
	Sessions Sessions
	Pipeline Pipeline
	Quality  string
	// AutoRecord starts a job when a watched session connects and stops it
	// when the session goes offline.
	AutoRecord bool
	NewID      func() string
	Logger     *slog.Logger
}

// Recorder maps sessions to recording jobs. It is a relay publisher: status
// envelopes drive automatic recording and terminal recording statuses clear
// the mapping.
type Recorder struct {
	cfg RecorderConfig
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]string // client id -> job id
	wg   sync.WaitGroup
}

// NewRecorder returns a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.Quality == "" {
		cfg.Quality = session.QualityFullHD
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{cfg: cfg, log: cfg.Logger.With(slog.String("component", "watch_recorder")), jobs: make(map[string]string)}
}

// Start records the session's current stream.
func (r *Recorder) Start(ctx context.Context, clientID string) (recording.Job, error) {
	snap, ok := r.cfg.Sessions.Session(clientID)
	if !ok {
		return recording.Job{}, fmt.Errorf("%w %q", ErrNoSession, clientID)
	}
	url, ok := r.cfg.Sessions.StreamURL(clientID, r.cfg.Quality)
	if !ok {
		return recording.Job{}, recording.ErrNoStreamURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, busy := r.jobs[clientID]; busy {
		return recording.Job{JobID: id}, recording.ErrAlreadyRecording
	}
	job, err := r.cfg.Pipeline.Start(ctx, r.cfg.NewID(), snap.Target, url)
	if err != nil {
		return recording.Job{}, err
	}
	r.jobs[clientID] = job.JobID
	r.log.Info("recording session", slog.String("client_id", clientID), slog.String("job_id", job.JobID), slog.String("target", snap.Target))
	return job, nil
}

// Stop ends the session's recording, waiting for the encoder to exit.
func (r *Recorder) Stop(ctx context.Context, clientID string) error {
	r.mu.Lock()
	jobID, ok := r.jobs[clientID]
	delete(r.jobs, clientID)
	r.mu.Unlock()
	if !ok {
		return recording.ErrNotRecording
	}
	return r.cfg.Pipeline.Stop(ctx, jobID)
}

// JobFor returns the job recording clientID.
func (r *Recorder) JobFor(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.jobs[clientID]
	return id, ok
}

// Wait blocks until background stops issued from Publish return.
func (r *Recorder) Wait() { r.wg.Wait() }

// Publish implements the relay publisher contract.
func (r *Recorder) Publish(ctx context.Context, env event.Envelope) error {
	switch env.Kind {
	case event.KindRecordingStatus:
		if st, ok := env.Payload.(event.RecordingStatus); ok && !st.IsRecording {
			r.forget(st.JobID)
		}
	case event.KindStatus:
		if !r.cfg.AutoRecord || !strings.HasPrefix(env.ClientID, ClientPrefix) {
			return nil
		}
		st, ok := env.Payload.(event.Status)
		if !ok {
			return nil
		}
		switch st.State {
		case event.StateConnected:
			if _, err := r.Start(ctx, env.ClientID); err != nil && !errors.Is(err, recording.ErrAlreadyRecording) {
				r.log.Warn("auto record failed", slog.String("client_id", env.ClientID), slog.Any("err", err))
			}
		case event.StateOffline, event.StateIdle, event.StateError:
			r.stopAsync(env.ClientID)
		}
	}
	return nil
}

func (r *Recorder) stopAsync(clientID string) {
	if _, ok := r.JobFor(clientID); !ok {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Stop(context.Background(), clientID); err != nil && !errors.Is(err, recording.ErrNotRecording) {
			r.log.Warn("auto stop failed", slog.String("client_id", clientID), slog.Any("err", err))
		}
	}()
}

func (r *Recorder) forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c, id := range r.jobs {
		if id == jobID {
			delete(r.jobs, c)
		}
	}
}

// JoinAll joins every target under its watch client id.
func JoinAll(j Joiner, targets []string, opts session.Options) error {
	var errs []error
	for _, t := range targets {
		if err := j.Join(ClientID(t), t, opts); err != nil {
			errs = append(errs, fmt.Errorf("join %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
