package session

import "strings"

// Quality tiers offered in room metadata, best first.
const (
	QualityFullHD = "FULL_HD1"
	QualityHD     = "HD1"
	QualitySD1    = "SD1"
	QualitySD2    = "SD2"
)

var qualityOrder = []string{QualityFullHD, QualityHD, QualitySD1, QualitySD2}

var streamURLKeys = []string{"flv_pull_url", "hls_pull_url"}

// PickStreamURL extracts a playable URL from opaque room metadata. It looks
// under info["stream_url"] for flv then hls pull URLs. Each may be a plain
// string or a map keyed by quality tier; the requested tier is tried first,
// then the remaining tiers best first, then any non-empty value.
func PickStreamURL(info map[string]any, quality string) string {
	if info == nil {
		return ""
	}
	su, ok := info["stream_url"].(map[string]any)
	if !ok {
		return ""
	}
	quality = strings.ToUpper(strings.TrimSpace(quality))
	for _, key := range streamURLKeys {
		switch v := su[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if u := pickTier(v, quality); u != "" {
				return u
			}
		case map[string]string:
			m := make(map[string]any, len(v))
			for k, s := range v {
				m[k] = s
			}
			if u := pickTier(m, quality); u != "" {
				return u
			}
		}
	}
	return ""
}

func pickTier(m map[string]any, quality string) string {
	if quality != "" {
		if s, _ := m[quality].(string); s != "" {
			return s
		}
	}
	for _, q := range qualityOrder {
		if s, _ := m[q].(string); s != "" {
			return s
		}
	}
	for _, v := range m {
		if s, _ := v.(string); s != "" {
			return s
		}
	}
	return ""
}
