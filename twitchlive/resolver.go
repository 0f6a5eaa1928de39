package twitchlive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-tender/session"
)

// URLResolver returns playable stream URLs keyed by quality tier.
type URLResolver interface {
	Resolve(ctx context.Context, login string) (map[string]string, error)
}

// tierFormats maps quality tiers to yt-dlp format selectors.
var tierFormats = map[string]string{
	session.QualityFullHD: "best",
	session.QualityHD:     "best[height<=720]",
	session.QualitySD1:    "best[height<=480]",
	session.QualitySD2:    "best[height<=360]",
}

// YtDlp resolves Twitch HLS URLs with `yt-dlp -g`.
type YtDlp struct {
	Path string
	// run is replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewYtDlp returns a resolver using path, defaulting to "yt-dlp" on PATH.
func NewYtDlp(path string) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlp{Path: path}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Resolve looks tiers up concurrently. The top tier is required; lower tiers
// are best effort.
func (y *YtDlp) Resolve(ctx context.Context, login string) (map[string]string, error) {
	run := y.run
	if run == nil {
		run = runCommand
	}
	channelURL := "https://www.twitch.tv/" + login

	var mu sync.Mutex
	out := make(map[string]string, len(tierFormats))
	g, gctx := errgroup.WithContext(ctx)
	for tier, format := range tierFormats {
		g.Go(func() error {
			b, err := run(gctx, y.Path, "-g", "--no-warnings", "-f", format, channelURL)
			if err != nil {
				if tier == session.QualityFullHD {
					return fmt.Errorf("resolve %s: %w", tier, err)
				}
				slog.Debug("stream tier unavailable", slog.String("component", "twitchlive"), slog.String("tier", tier), slog.Any("err", err))
				return nil
			}
			u := firstLine(b)
			if u == "" {
				return nil
			}
			mu.Lock()
			out[tier] = u
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
