package session

import "testing"

func TestPickStreamURL(t *testing.T) {
	tiers := map[string]any{
		"FULL_HD1": "https://cdn/fhd.flv",
		"HD1":      "https://cdn/hd.flv",
		"SD1":      "https://cdn/sd1.flv",
	}
	tests := []struct {
		name    string
		info    map[string]any
		quality string
		want    string
	}{
		{"nil info", nil, "", ""},
		{"no stream_url", map[string]any{"title": "x"}, "", ""},
		{"requested tier", map[string]any{"stream_url": map[string]any{"flv_pull_url": tiers}}, "sd1", "https://cdn/sd1.flv"},
		{"best tier default", map[string]any{"stream_url": map[string]any{"flv_pull_url": tiers}}, "", "https://cdn/fhd.flv"},
		{"missing tier falls back", map[string]any{"stream_url": map[string]any{"flv_pull_url": tiers}}, "SD2", "https://cdn/fhd.flv"},
		{"plain string", map[string]any{"stream_url": map[string]any{"flv_pull_url": "https://cdn/one.flv"}}, "HD1", "https://cdn/one.flv"},
		{"hls fallback", map[string]any{"stream_url": map[string]any{
			"flv_pull_url": map[string]any{},
			"hls_pull_url": map[string]string{"HD1": "https://cdn/hd.m3u8"},
		}}, "", "https://cdn/hd.m3u8"},
		{"unknown tier name", map[string]any{"stream_url": map[string]any{"hls_pull_url": map[string]any{"ORIGIN": "https://cdn/o.m3u8"}}}, "", "https://cdn/o.m3u8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PickStreamURL(tt.info, tt.quality); got != tt.want {
				t.Errorf("PickStreamURL = %q, want %q", got, tt.want)
			}
		})
	}
}
