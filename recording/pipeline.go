// Package recording captures live streams to disk crash-safely.
//
// A job records into a Matroska temp file with stream copy. When the encoder
// stops, for any reason, whatever reached disk is remuxed into an MP4 delivery
// file and the temp file is removed. A temp file without its MP4 sibling is an
// orphan; RecoverOrphans completes those at startup.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/telemetry"
)

const (
	// TempExt is the crash-tolerant capture container.
	TempExt = ".mkv"
	// FinalExt is the delivery container.
	FinalExt = ".mp4"

	// DefaultStopTimeout bounds the wait for a graceful encoder exit.
	DefaultStopTimeout = 15 * time.Second

	timestampLayout = "2006-01-02T15-04-05.000Z"
)

var (
	ErrAlreadyRecording = errors.New("recording: already recording")
	ErrNoStreamURL      = errors.New("recording: no stream url")
	ErrNotRecording     = errors.New("recording: not recording")
)

// Publisher forwards envelopes upward to the transport.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// State is a job's lifecycle position.
type State string

const (
	StateRecording State = "recording"
	StateRemuxing  State = "remuxing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job describes a recording job.
type Job struct {
	JobID     string    `json:"jobId"`
	Target    string    `json:"target"`
	SourceURL string    `json:"-"`
	TempPath  string    `json:"tempPath"`
	FinalPath string    `json:"finalPath"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Timemark  string    `json:"timemark,omitempty"`
}

type job struct {
	Job
	proc        Process
	stopping    bool
	encoderDone chan struct{}
}

// Config wires a Pipeline.
type Config struct {
	Dir         string
	Encoder     Encoder
	Publisher   Publisher
	StopTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Pipeline runs recording jobs that share one recordings directory.
type Pipeline struct {
	dir         string
	enc         Encoder
	pub         Publisher
	stopTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// NewPipeline returns a Pipeline. cfg.Dir and cfg.Encoder are required.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		dir:         cfg.Dir,
		enc:         cfg.Encoder,
		pub:         cfg.Publisher,
		stopTimeout: cfg.StopTimeout,
		now:         cfg.Now,
		log:         cfg.Logger.With(slog.String("component", "recording")),
		jobs:        make(map[string]*job),
	}
}

// Dir returns the recordings directory.
func (p *Pipeline) Dir() string { return p.dir }

// FileBase returns the extension-less file name for a recording of target
// started at t.
func FileBase(target string, t time.Time) string {
	return sanitizeName(target) + "-" + t.UTC().Format(timestampLayout)
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "recording"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Start begins recording streamURL for jobID. The encoder outlives ctx; use
// Stop to end the job.
func (p *Pipeline) Start(ctx context.Context, jobID, target, streamURL string) (Job, error) {
	if strings.TrimSpace(streamURL) == "" {
		return Job{}, ErrNoStreamURL
	}
	p.mu.Lock()
	if _, ok := p.jobs[jobID]; ok {
		p.mu.Unlock()
		return Job{}, ErrAlreadyRecording
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.mu.Unlock()
		return Job{}, fmt.Errorf("create recordings dir: %w", err)
	}
	started := p.now().UTC()
	base := p.uniqueBaseLocked(FileBase(target, started))
	j := &job{
		Job: Job{
			JobID:     jobID,
			Target:    target,
			SourceURL: streamURL,
			TempPath:  base + TempExt,
			FinalPath: base + FinalExt,
			State:     StateRecording,
			StartedAt: started,
		},
		encoderDone: make(chan struct{}),
	}
	proc, err := p.enc.Start(context.WithoutCancel(ctx), streamURL, j.TempPath, EncodeOptions{CopyCodecs: true})
	if err != nil {
		p.mu.Unlock()
		return Job{}, fmt.Errorf("start encoder: %w", err)
	}
	j.proc = proc
	p.jobs[jobID] = j
	active := len(p.jobs)
	snapshot := j.Job
	p.wg.Add(1)
	p.mu.Unlock()

	telemetry.IncRecordingStarted()
	telemetry.SetActiveRecordings(active)
	p.log.Info("recording started", slog.String("job_id", jobID), slog.String("target", target), slog.String("file", snapshot.TempPath))
	p.publish(jobID, event.KindRecordingStatus, event.RecordingStatus{JobID: jobID, IsRecording: true, Message: "recording", Path: snapshot.TempPath})
	// The watcher starts after the opening status so "saved" cannot precede it.
	go p.watch(j)
	return snapshot, nil
}

// uniqueBaseLocked joins name onto the recordings directory, adding a numeric
// suffix while an active job or an existing file already claims the path.
// p.mu must be held.
func (p *Pipeline) uniqueBaseLocked(name string) string {
	base := filepath.Join(p.dir, name)
	for n := 1; p.pathTakenLocked(base); n++ {
		base = filepath.Join(p.dir, fmt.Sprintf("%s-%d", name, n))
	}
	return base
}

func (p *Pipeline) pathTakenLocked(base string) bool {
	temp, final := filepath.Clean(base+TempExt), filepath.Clean(base+FinalExt)
	for _, j := range p.jobs {
		if filepath.Clean(j.TempPath) == temp || filepath.Clean(j.FinalPath) == final {
			return true
		}
	}
	for _, path := range []string{temp, final} {
		if _, err := os.Lstat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
			return true
		}
	}
	return false
}

// Stop asks the encoder for jobID to quit and waits for it to exit, killing it
// after the stop timeout. The remux that follows runs in the background.
func (p *Pipeline) Stop(ctx context.Context, jobID string) error {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	if !ok || j.State != StateRecording {
		p.mu.Unlock()
		return ErrNotRecording
	}
	first := !j.stopping
	j.stopping = true
	p.mu.Unlock()

	if first {
		if err := j.proc.Quit(); err != nil {
			p.log.Warn("graceful quit failed", slog.String("job_id", jobID), slog.Any("err", err))
		}
	}
	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-j.encoderDone:
		return nil
	case <-timer.C:
		p.log.Warn("encoder did not exit in time, killing", slog.String("job_id", jobID), slog.Duration("timeout", p.stopTimeout))
		if err := j.proc.Kill(); err != nil {
			return fmt.Errorf("kill encoder: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.encoderDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every recording job.
func (p *Pipeline) StopAll(ctx context.Context) {
	for _, j := range p.Active() {
		if j.State != StateRecording {
			continue
		}
		if err := p.Stop(ctx, j.JobID); err != nil && !errors.Is(err, ErrNotRecording) {
			p.log.Warn("stop failed", slog.String("job_id", j.JobID), slog.Any("err", err))
		}
	}
}

// Wait blocks until every job, including its remux, has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Active returns the jobs currently recording or remuxing, sorted by id.
func (p *Pipeline) Active() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

// IsRecording reports whether jobID has an active encoder.
func (p *Pipeline) IsRecording(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	return ok && j.State == StateRecording
}

func (p *Pipeline) watch(j *job) {
	defer p.wg.Done()
	log := p.log.With(slog.String("job_id", j.JobID), slog.String("file", j.TempPath))

	var encErr error
	for ev := range j.proc.Events() {
		switch ev.Type {
		case EncodeStart:
			log.Debug("encoder started")
		case EncodeProgress:
			p.mu.Lock()
			j.Timemark = ev.Progress.Timemark
			p.mu.Unlock()
		case EncodeError:
			encErr = ev.Err
		case EncodeEnd:
		}
	}

	p.mu.Lock()
	j.State = StateRemuxing
	stopping := j.stopping
	p.mu.Unlock()
	close(j.encoderDone)

	if encErr != nil && !stopping {
		log.Warn("encoder failed, salvaging captured data", slog.Any("err", encErr))
	} else {
		log.Info("encoder exited")
	}

	saved := false
	final := event.RecordingStatus{JobID: j.JobID, IsRecording: false}
	if info, err := os.Stat(j.TempPath); err != nil || info.Size() == 0 {
		final.Error = "recording produced no data"
		if encErr != nil {
			final.Error += ": " + encErr.Error()
		}
		_ = os.Remove(j.TempPath)
	} else if err := p.remux(context.Background(), j.JobID, j.TempPath, j.FinalPath); err != nil {
		final.Error = err.Error()
	} else {
		saved = true
		final.Message = "saved"
		final.Path = j.FinalPath
	}

	p.mu.Lock()
	if saved {
		j.State = StateCompleted
	} else {
		j.State = StateFailed
	}
	delete(p.jobs, j.JobID)
	telemetry.SetActiveRecordings(len(p.jobs))
	p.mu.Unlock()

	telemetry.RecordRecordingOutcome(saved)
	if saved {
		log.Info("recording saved", slog.String("path", j.FinalPath))
	} else {
		log.Error("recording failed", slog.String("error", final.Error))
	}
	p.publish(j.JobID, event.KindRecordingStatus, final)
}

// remux rewraps temp into final by stream copy. On success temp is removed;
// on failure any partial final file is removed and temp is kept.
func (p *Pipeline) remux(ctx context.Context, owner, temp, final string) (err error) {
	name := filepath.Base(final)
	var inSize int64
	if info, statErr := os.Stat(temp); statErr == nil {
		inSize = info.Size()
	}
	ctx, span := telemetry.StartRemuxSpan(ctx, owner, filepath.Base(temp), inSize)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		if telemetry.RemuxDuration != nil {
			telemetry.RemuxDuration.Observe(time.Since(start).Seconds())
		}
	}()

	fail := func(e error) error {
		_ = os.Remove(final)
		p.publish(owner, event.KindConversionProgress, event.ConversionProgress{Filename: name, Nav: "error", Error: e.Error()})
		return fmt.Errorf("remux %s: %w", filepath.Base(temp), e)
	}

	proc, startErr := p.enc.Start(ctx, temp, final, EncodeOptions{CopyCodecs: true, Remux: true})
	if startErr != nil {
		return fail(startErr)
	}
	var (
		runErr  error
		ended   bool
		lastPct = -1
	)
	for ev := range proc.Events() {
		switch ev.Type {
		case EncodeProgress:
			var outBytes int64
			if info, statErr := os.Stat(final); statErr == nil {
				outBytes = info.Size()
			}
			pct := EstimatePercent(ev.Progress, outBytes, inSize)
			if pct != lastPct {
				lastPct = pct
				p.publish(owner, event.KindConversionProgress, event.ConversionProgress{Filename: name, Percent: pct, Timemark: ev.Progress.Timemark})
			}
		case EncodeError:
			runErr = ev.Err
		case EncodeEnd:
			ended = true
		}
	}
	if runErr == nil && !ended {
		runErr = errors.New("encoder exited without end")
	}
	if runErr != nil {
		return fail(runErr)
	}
	if err := os.Remove(temp); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("remove temp recording", slog.String("file", temp), slog.Any("err", err))
	}
	p.publish(owner, event.KindConversionProgress, event.ConversionProgress{Filename: name, Percent: 100, Nav: "finished"})
	return nil
}

// RecoveryReport lists what an orphan sweep did, by file name.
type RecoveryReport struct {
	Converted []string `json:"converted"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// RecoverOrphans remuxes every temp file in the recordings directory that has
// no delivery sibling. Files with a sibling, and temp files owned by an
// active job, are left untouched.
func (p *Pipeline) RecoverOrphans(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, nil
		}
		return rep, fmt.Errorf("read recordings dir: %w", err)
	}

	p.mu.Lock()
	active := make(map[string]bool, len(p.jobs))
	for _, j := range p.jobs {
		active[filepath.Clean(j.TempPath)] = true
	}
	p.mu.Unlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), TempExt) {
			continue
		}
		temp := filepath.Join(p.dir, e.Name())
		final := strings.TrimSuffix(temp, filepath.Ext(temp)) + FinalExt
		if active[filepath.Clean(temp)] {
			continue
		}
		if _, err := os.Stat(final); err == nil {
			rep.Skipped = append(rep.Skipped, e.Name())
			telemetry.IncOrphan("skipped")
			continue
		}
		p.log.Info("recovering orphan recording", slog.String("file", e.Name()))
		if err := p.remux(context.WithoutCancel(ctx), "", temp, final); err != nil {
			p.log.Error("orphan recovery failed", slog.String("file", e.Name()), slog.Any("err", err))
			rep.Failed = append(rep.Failed, e.Name())
			telemetry.IncOrphan("failed")
			continue
		}
		rep.Converted = append(rep.Converted, e.Name())
		telemetry.IncOrphan("converted")
	}
	return rep, nil
}

func (p *Pipeline) publish(jobID string, kind event.Kind, payload any) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(context.Background(), event.Wrap(jobID, kind, payload)); err != nil {
		p.log.Warn("publish failed", slog.String("job_id", jobID), slog.String("kind", string(kind)), slog.Any("err", err))
	}
}
