package saver

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/tracecap/tracecap/internal/record"
)

// FilePath renders the deterministic sink-relative path for a record:
//
//	[savePathPrefix/]YYYY-MM-DD/HHmmss_method_urlHint_ruleHint_status_shortId.json
//
// The same record always renders the same path, so a snapshot can point at
// the file without the saver having to remember where it wrote.
func FilePath(rec *record.Record, savePath string) string {
	dateFolder := rec.CreatedAt.Format("2006-01-02")
	timePrefix := rec.CreatedAt.Format("150405")

	method := strings.ToLower(sanitizeSegment(record.NormalizeMethod(rec.Request.Method), 10))
	urlHint := urlFileHint(rec.Request.URL)

	ruleRaw := "all"
	if rec.Match.Mode == record.ModeRule && rec.Match.RulePattern != "" {
		ruleRaw = rec.Match.RulePattern
	}
	ruleHint := sanitizeSegment(ruleRaw, 28)

	status := "na"
	if rec.Response.StatusCode != nil {
		status = sanitizeSegment(strconv.Itoa(*rec.Response.StatusCode), 8)
	}

	shortID := rec.ID
	if len(shortID) > 8 {
		shortID = shortID[len(shortID)-8:]
	}
	shortID = sanitizeSegment(shortID, 12)

	fileName := timePrefix + "_" + method + "_" + urlHint + "_" + ruleHint + "_" + status + "_" + shortID + ".json"

	if savePath != "" {
		return path.Join(savePath, dateFolder, fileName)
	}
	return path.Join(dateFolder, fileName)
}

// urlFileHint condenses a URL into a host_path filename fragment.
func urlFileHint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return sanitizeSegment(rawURL, 44)
	}
	host := sanitizeSegment(u.Hostname(), 28)
	p := sanitizeSegment(strings.ReplaceAll(u.Path, "/", "_"), 28)
	if p == "na" {
		p = "root"
	}
	return host + "_" + p
}

// sanitizeSegment strips filename-hostile characters, collapses whitespace
// and underscore runs, and bounds the segment length. Empty input becomes
// "na" so joined names stay well-formed.
func sanitizeSegment(input string, maxLen int) string {
	cleaned := strings.TrimSpace(input)
	cleaned = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(`\/:*?"<>|`, r):
			return '_'
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return '_'
		default:
			return r
		}
	}, cleaned)

	var b strings.Builder
	b.Grow(len(cleaned))
	prevUnderscore := false
	for _, r := range cleaned {
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}
	cleaned = strings.Trim(b.String(), "_")

	if cleaned == "" {
		return "na"
	}
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}
