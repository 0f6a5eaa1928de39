package recording

import (
	"bufio"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   Progress
		wantOK bool
	}{
		{
			name:   "stats line",
			line:   "frame= 1200 fps= 60 q=-1.0 size=    5120kB time=00:00:20.01 bitrate=2096.0kbits/s speed=1.01x",
			want:   Progress{TargetSizeKB: 5120, Timemark: "00:00:20.01"},
			wantOK: true,
		},
		{
			name:   "final Lsize",
			line:   "frame= 3000 fps=0.0 q=-1.0 Lsize=   12288KiB time=00:01:40.00 bitrate=1006.6kbits/s",
			want:   Progress{TargetSizeKB: 12288, Timemark: "00:01:40.00"},
			wantOK: true,
		},
		{
			name:   "megabytes",
			line:   "size=       3MB time=00:00:03.00",
			want:   Progress{TargetSizeKB: 3072, Timemark: "00:00:03.00"},
			wantOK: true,
		},
		{
			name:   "banner",
			line:   "Input #0, flv, from 'https://cdn/live.flv':",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseProgressLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, ok := ParseDuration("  Duration: 00:02:30.50, start: 0.000000, bitrate: 2500 kb/s")
	if !ok || d != 2*time.Minute+30*time.Second+500*time.Millisecond {
		t.Fatalf("duration = %v ok=%v", d, ok)
	}
	if _, ok := ParseDuration("  Duration: N/A, start: 0.0"); ok {
		t.Fatal("N/A parsed as a duration")
	}
}

func TestParseTimemark(t *testing.T) {
	if _, ok := ParseTimemark("-577014:32:22.77"); ok {
		t.Fatal("negative timemark accepted")
	}
	if d, ok := ParseTimemark("01:00:00"); !ok || d != time.Hour {
		t.Fatalf("d = %v ok=%v", d, ok)
	}
}

func TestEstimatePercent(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name     string
		p        Progress
		out, in  int64
		expected int
	}{
		{"native percent", Progress{Percent: f(42.4)}, 0, 0, 42},
		{"native clamps below 100", Progress{Percent: f(100)}, 0, 0, 99},
		{"zero native falls back to size", Progress{Percent: f(0), TargetSizeKB: 512}, 0, 1 << 20, 50},
		{"negative native falls back to bytes", Progress{Percent: f(-3)}, 300, 1000, 30},
		{"zero native without sizes", Progress{Percent: f(0)}, 0, 0, 0},
		{"bytes ratio", Progress{}, 250, 1000, 25},
		{"target size wins over stat", Progress{TargetSizeKB: 1}, 10, 2048, 50},
		{"bytes ratio clamps", Progress{}, 1100, 1000, 99},
		{"unknown input size", Progress{}, 500, 0, 0},
		{"rounds", Progress{}, 125, 1000, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimatePercent(tt.p, tt.out, tt.in); got != tt.expected {
				t.Errorf("EstimatePercent = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	rec := strings.Join(BuildArgs("https://cdn/live.flv", "out.mkv", EncodeOptions{CopyCodecs: true}), " ")
	for _, want := range []string{"-i https://cdn/live.flv", "-c copy", "-f matroska", "-reconnect 1"} {
		if !strings.Contains(rec, want) {
			t.Errorf("record args %q missing %q", rec, want)
		}
	}
	if !strings.HasSuffix(rec, "out.mkv") {
		t.Errorf("record args must end with output: %q", rec)
	}

	remux := strings.Join(BuildArgs("in.mkv", "out.mp4", EncodeOptions{CopyCodecs: true, Remux: true}), " ")
	for _, want := range []string{"-i in.mkv", "-c copy", "-bsf:a aac_adtstoasc"} {
		if !strings.Contains(remux, want) {
			t.Errorf("remux args %q missing %q", remux, want)
		}
	}
	if strings.Contains(remux, "matroska") || strings.Contains(remux, "-reconnect") {
		t.Errorf("remux args carry capture flags: %q", remux)
	}
}

func TestScanCRLF(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("a\rb\nc\r\nd"))
	sc.Split(scanCRLF)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	want := []string{"a", "b", "c", "", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %q, want %q", got, want)
	}
}
