package recording

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailLines = 6

// FFmpeg runs the ffmpeg binary as the encode collaborator.
type FFmpeg struct {
	Path   string
	Logger *slog.Logger
}

// NewFFmpeg returns an encoder using path, defaulting to "ffmpeg" on PATH.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, Logger: slog.Default().With(slog.String("component", "ffmpeg"))}
}

// BuildArgs returns the ffmpeg argument list for one run. Recording writes
// Matroska, which stays playable when the process dies mid-write. Remux writes
// MP4 with the ADTS to ASC bitstream filter needed for AAC from MPEG-TS/FLV.
func BuildArgs(input, output string, opts EncodeOptions) []string {
	args := []string{"-hide_banner", "-y"}
	if !opts.Remux {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
	}
	args = append(args, "-i", input)
	if opts.CopyCodecs {
		args = append(args, "-c", "copy")
	}
	if opts.Remux {
		args = append(args, "-bsf:a", "aac_adtstoasc", "-movflags", "+faststart")
	} else {
		args = append(args, "-f", "matroska")
	}
	return append(args, output)
}

// Start spawns ffmpeg. The process is bound to ctx.
func (f *FFmpeg) Start(ctx context.Context, input, output string, opts EncodeOptions) (Process, error) {
	cmd := exec.CommandContext(ctx, f.Path, BuildArgs(input, output, opts)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &ffmpegProcess{cmd: cmd, stdin: stdin, events: make(chan EncodeEvent, 32)}
	go p.run(stderr, log.With(slog.String("output", output)))
	return p, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan EncodeEvent

	quitOnce sync.Once
	quitErr  error
}

func (p *ffmpegProcess) Events() <-chan EncodeEvent { return p.events }

// Quit sends ffmpeg's interactive quit command so it writes trailers and exits.
func (p *ffmpegProcess) Quit() error {
	p.quitOnce.Do(func() {
		if _, err := io.WriteString(p.stdin, "q\n"); err != nil {
			p.quitErr = fmt.Errorf("ffmpeg quit: %w", err)
		}
		_ = p.stdin.Close()
	})
	return p.quitErr
}

func (p *ffmpegProcess) Kill() error {
	if p.cmd.Process == nil {
		return errors.New("ffmpeg not started")
	}
	return p.cmd.Process.Kill()
}

func (p *ffmpegProcess) run(stderr io.Reader, log *slog.Logger) {
	defer close(p.events)
	p.events <- EncodeEvent{Type: EncodeStart}

	var (
		tail     []string
		duration float64
	)
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	sc.Split(scanCRLF)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if d, ok := ParseDuration(line); ok && d > 0 {
			duration = d.Seconds()
		}
		prog, ok := ParseProgressLine(line)
		if !ok {
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
			log.Debug("ffmpeg", slog.String("line", line))
			continue
		}
		if duration > 0 {
			if t, ok := ParseTimemark(prog.Timemark); ok {
				pct := t.Seconds() / duration * 100
				prog.Percent = &pct
			}
		}
		// progress is lossy; terminal events below always block
		select {
		case p.events <- EncodeEvent{Type: EncodeProgress, Progress: prog}:
		default:
		}
	}

	err := p.cmd.Wait()
	if err != nil {
		p.events <- EncodeEvent{Type: EncodeError, Err: fmt.Errorf("ffmpeg: %w: %s", err, strings.Join(tail, " | "))}
		return
	}
	p.events <- EncodeEvent{Type: EncodeEnd}
}

// scanCRLF splits on either \r or \n; ffmpeg rewrites its stats line with \r.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
