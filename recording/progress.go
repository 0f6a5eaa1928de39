package recording

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// e.g. "frame= 1200 fps= 60 q=-1.0 size=    5120kB time=00:00:20.01 bitrate=2096.0kbits/s speed=1.01x"
	sizeRe     = regexp.MustCompile(`(?i)\bL?size=\s*([0-9]+)\s*(kB|KiB|MB|MiB)`)
	timeRe     = regexp.MustCompile(`\btime=\s*(-?[0-9]+:[0-9]{2}:[0-9]{2}(?:\.[0-9]+)?)`)
	durationRe = regexp.MustCompile(`Duration:\s*([0-9]+:[0-9]{2}:[0-9]{2}(?:\.[0-9]+)?)`)
)

// ParseProgressLine extracts size and time from an ffmpeg stats line.
func ParseProgressLine(line string) (Progress, bool) {
	var p Progress
	found := false
	if m := sizeRe.FindStringSubmatch(line); len(m) == 3 {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			if strings.HasPrefix(strings.ToUpper(m[2]), "M") {
				n *= 1024
			}
			p.TargetSizeKB = n
			found = true
		}
	}
	if m := timeRe.FindStringSubmatch(line); len(m) == 2 {
		p.Timemark = m[1]
		found = true
	}
	return p, found
}

// ParseDuration extracts the input duration from an ffmpeg banner line.
func ParseDuration(line string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(line)
	if len(m) != 2 {
		return 0, false
	}
	return ParseTimemark(m[1])
}

// ParseTimemark parses HH:MM:SS(.frac).
func ParseTimemark(s string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), true
}

// EstimatePercent turns a progress report into a display percentage. A
// positive encoder percent wins; otherwise output bytes over input bytes is
// used. The result never reaches 100; only the terminal end event reports that.
func EstimatePercent(p Progress, outputBytes, inputBytes int64) int {
	var pct float64
	switch {
	case p.Percent != nil && *p.Percent > 0:
		pct = *p.Percent
	case inputBytes > 0:
		if p.TargetSizeKB > 0 {
			outputBytes = p.TargetSizeKB * 1024
		}
		pct = float64(outputBytes) / float64(inputBytes) * 100
	default:
		return 0
	}
	r := int(math.Round(pct))
	if r > 99 {
		r = 99
	}
	if r < 0 {
		r = 0
	}
	return r
}
