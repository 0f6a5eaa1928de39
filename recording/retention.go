package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RetentionPolicy decides which delivered recordings are pruned. Temp
// captures are never pruned; they are recovery artifacts.
type RetentionPolicy struct {
	// KeepDays keeps deliveries modified within this many days (0 = disabled).
	KeepDays int
	// KeepCount keeps the N newest deliveries (0 = disabled).
	KeepCount int
	// DryRun logs what would be deleted without deleting.
	DryRun bool
	// Interval between sweeps.
	Interval time.Duration
}

// Enabled reports whether any retention rule is set.
func (p RetentionPolicy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// RetentionReport summarizes one sweep.
type RetentionReport struct {
	Deleted    []string
	Kept       int
	Errors     int
	BytesFreed int64
}

type delivered struct {
	name string
	path string
	mod  time.Time
	size int64
}

// Prune applies policy to the delivery files in the recordings directory.
// A file is kept when any enabled rule retains it. Files belonging to an
// active job are always kept.
func (p *Pipeline) Prune(ctx context.Context, policy RetentionPolicy) (RetentionReport, error) {
	var rep RetentionReport
	if !policy.Enabled() {
		return rep, nil
	}
	log := p.log.With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun))

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rep, nil
		}
		return rep, fmt.Errorf("read recordings dir: %w", err)
	}

	p.mu.Lock()
	active := make(map[string]bool, len(p.jobs))
	for _, j := range p.jobs {
		active[filepath.Clean(j.FinalPath)] = true
	}
	p.mu.Unlock()

	var files []delivered
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), FinalExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			rep.Errors++
			continue
		}
		files = append(files, delivered{name: e.Name(), path: filepath.Join(p.dir, e.Name()), mod: fi.ModTime(), size: fi.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	cutoff := p.now().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		keep := active[filepath.Clean(f.path)] ||
			(policy.KeepDays > 0 && !f.mod.Before(cutoff)) ||
			(policy.KeepCount > 0 && i < policy.KeepCount)
		if keep {
			rep.Kept++
			continue
		}
		if policy.DryRun {
			log.Info("dry-run: would delete recording", slog.String("file", f.name), slog.Time("modified", f.mod), slog.Int64("size_bytes", f.size))
			rep.Deleted = append(rep.Deleted, f.name)
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.Warn("failed to delete recording", slog.String("file", f.name), slog.Any("err", err))
			rep.Errors++
			continue
		}
		log.Info("deleted old recording", slog.String("file", f.name), slog.Time("modified", f.mod), slog.Int64("size_bytes", f.size))
		rep.Deleted = append(rep.Deleted, f.name)
		rep.BytesFreed += f.size
	}

	log.Info("retention sweep completed",
		slog.Int("deleted", len(rep.Deleted)),
		slog.Int("kept", rep.Kept),
		slog.Int("errors", rep.Errors),
		slog.Int64("bytes_freed", rep.BytesFreed))
	return rep, nil
}

// RunRetention sweeps immediately and then every policy.Interval until ctx ends.
func (p *Pipeline) RunRetention(ctx context.Context, policy RetentionPolicy) {
	if !policy.Enabled() {
		p.log.Info("retention disabled (no policy configured)", slog.String("component", "retention"))
		return
	}
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}
	p.log.Info("retention starting",
		slog.String("component", "retention"),
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_count", policy.KeepCount),
		slog.Duration("interval", policy.Interval))

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.Prune(ctx, policy); err != nil && ctx.Err() == nil {
			p.log.Warn("retention sweep failed", slog.String("component", "retention"), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
