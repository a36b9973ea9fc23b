// Package settings models the sanitized capture configuration: loaded at
// startup, mutated only through explicit updates, persisted on every accepted
// mutation.
package settings

import (
	"strings"

	"github.com/tracecap/tracecap/internal/rules"
)

// Body and window bounds applied during sanitation.
const (
	DefaultMaxBodyLength = 20_000_000
	MinRecentWindow      = 10
	MaxRecentWindow      = 500
	DefaultRecentWindow  = 50
)

// Settings is the process-wide capture configuration. The engine only ever
// consumes the sanitized form produced by Sanitize.
type Settings struct {
	CaptureEnabled bool         `json:"capture_enabled"`
	IncludeRules   []rules.Spec `json:"url_filter_rules"`
	ExcludeRules   []rules.Spec `json:"url_exclude_rules"`
	// LegacyFilterRegex is the pre-rule-list single pattern of old settings
	// documents. Sanitize migrates it into IncludeRules and clears it.
	LegacyFilterRegex      string `json:"url_filter_regex,omitempty"`
	IgnoreStaticResources  bool   `json:"ignore_static_resources"`
	SavePath               string `json:"save_path"`
	CaptureRequestData     bool   `json:"capture_request_data"`
	CaptureResponseData    bool   `json:"capture_response_data"`
	CapturePerformanceData bool   `json:"capture_performance_data"`
	MaxBodyLength          int    `json:"max_body_length"`
	PersistBodyPreview     bool   `json:"persist_body_preview"`
	RecentWindow           int    `json:"recent_window"`
}

// Default returns the settings a fresh install runs with: capture off,
// no rules (which means full capture once enabled), bodies captured,
// previews not persisted.
func Default() Settings {
	return Settings{
		CaptureEnabled:         false,
		IgnoreStaticResources:  false,
		CaptureRequestData:     true,
		CaptureResponseData:    true,
		CapturePerformanceData: false,
		MaxBodyLength:          DefaultMaxBodyLength,
		PersistBodyPreview:     false,
		RecentWindow:           DefaultRecentWindow,
	}
}

// Sanitize returns the canonical form of raw: rule lists normalized and
// capped, save path cleaned, numeric knobs clamped. The input is not
// modified.
func Sanitize(raw Settings) Settings {
	s := raw
	if s.LegacyFilterRegex != "" {
		if len(s.IncludeRules) == 0 {
			s.IncludeRules = []rules.Spec{{Pattern: s.LegacyFilterRegex, Enabled: true}}
		}
		s.LegacyFilterRegex = ""
	}
	s.IncludeRules = rules.Normalize(s.IncludeRules, rules.MaxRules)
	s.ExcludeRules = rules.Normalize(s.ExcludeRules, rules.MaxRules)
	s.SavePath = SanitizeSavePath(raw.SavePath)
	if s.MaxBodyLength <= 0 {
		s.MaxBodyLength = DefaultMaxBodyLength
	}
	if s.RecentWindow == 0 {
		s.RecentWindow = DefaultRecentWindow
	} else if s.RecentWindow < MinRecentWindow {
		s.RecentWindow = MinRecentWindow
	} else if s.RecentWindow > MaxRecentWindow {
		s.RecentWindow = MaxRecentWindow
	}
	return s
}

// SanitizeSavePath cleans a user-supplied save prefix into a safe relative
// path: forward slashes only, no illegal filename characters, no empty or
// dot-dot segments, no leading or trailing separators.
func SanitizeSavePath(path string) string {
	if path == "" {
		return ""
	}

	cleaned := strings.ReplaceAll(path, "\\", "/")
	cleaned = replaceRunes(cleaned, `:*?"<>|`, '_')
	cleaned = collapseRuns(cleaned, '/')
	cleaned = strings.TrimLeft(cleaned, "/")
	cleaned = replaceDotRuns(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	return strings.TrimRight(cleaned, "/")
}

func replaceRunes(s, bad string, repl rune) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(bad, r) {
			return repl
		}
		return r
	}, s)
}

// collapseRuns squeezes consecutive occurrences of sep into one.
func collapseRuns(s string, sep rune) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for i, r := range s {
		if i > 0 && r == sep && prev == sep {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// replaceDotRuns replaces every run of two or more dots with '_', which
// neutralizes path traversal in the save prefix.
func replaceDotRuns(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	dots := 0
	flush := func() {
		if dots >= 2 {
			b.WriteByte('_')
		} else if dots == 1 {
			b.WriteByte('.')
		}
		dots = 0
	}
	for _, r := range s {
		if r == '.' {
			dots++
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return b.String()
}
