// Package record defines the capture record data model shared by the
// correlation engine, the record store and the persistence pipelines.
package record

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin identifies which event stream contributed data to a record.
type Origin string

const (
	// OriginLifecycle marks data from the platform lifecycle stream
	// (headers, status, timing but no bodies).
	OriginLifecycle Origin = "lifecycle"
	// OriginCapture marks data from the instrumentation capture stream
	// (bodies, weak identity).
	OriginCapture Origin = "capture"
)

// MatchMode classifies how the match evaluator decided on a request.
type MatchMode string

const (
	ModeAll          MatchMode = "all"
	ModeRule         MatchMode = "rule"
	ModeExclude      MatchMode = "exclude"
	ModeIgnoreStatic MatchMode = "ignore-static"
)

const (
	// MaxErrors bounds the per-record error list.
	MaxErrors = 3
	// BodyPreviewMaxLen bounds resident body previews. Full bodies are never
	// held in the store; they are injected into the save payload on demand.
	BodyPreviewMaxLen = 12000
)

// MatchOutcome is the per-request match decision snapshot.
type MatchOutcome struct {
	Matched     bool      `json:"matched"`
	Mode        MatchMode `json:"mode"`
	RulePattern string    `json:"rule_pattern"`
	Methods     []string  `json:"methods,omitempty"`
}

// Header is a single name/value pair, order-preserving.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BodySummary describes a body without holding it.
type BodySummary struct {
	HasBody bool   `json:"has_body"`
	Size    int    `json:"body_size"`
	Preview string `json:"body_preview,omitempty"`
}

// RequestInfo holds the request half of a record.
type RequestInfo struct {
	ExternalID    string      `json:"external_id"`
	TabID         int         `json:"tab_id"`
	URL           string      `json:"url"`
	NormalizedURL string      `json:"normalized_url"`
	Method        string      `json:"method"`
	ResourceType  string      `json:"resource_type"`
	Initiator     string      `json:"initiator,omitempty"`
	Headers       []Header    `json:"request_headers,omitempty"`
	Body          BodySummary `json:"body"`
}

// ResponseInfo holds the response half of a record.
type ResponseInfo struct {
	StatusCode *int        `json:"status_code"`
	StatusLine string      `json:"status_line,omitempty"`
	Headers    []Header    `json:"response_headers,omitempty"`
	Body       BodySummary `json:"body"`
}

// Performance holds the timing view of a record. Times are unix
// milliseconds as delivered by the lifecycle stream.
type Performance struct {
	StartTime  *int64   `json:"start_time"`
	EndTime    *int64   `json:"end_time"`
	DurationMS *float64 `json:"duration_ms"`
	FromCache  bool     `json:"from_cache"`
	Origin     Origin   `json:"origin"`
}

// Record is the unit of capture. It is owned exclusively by the record store;
// the saved flag lives in the save pipeline, not here.
type Record struct {
	ID          string       `json:"id"`
	Doc         uint32       `json:"doc"`
	CreatedAt   time.Time    `json:"created_at"`
	Source      []Origin     `json:"source"`
	Match       MatchOutcome `json:"match"`
	Request     RequestInfo  `json:"request"`
	Response    ResponseInfo `json:"response"`
	Performance Performance  `json:"performance"`
	Errors      []string     `json:"errors"`
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// HasSource reports whether origin already contributed to the record.
func (r *Record) HasSource(origin Origin) bool {
	for _, s := range r.Source {
		if s == origin {
			return true
		}
	}
	return false
}

// AddSource records origin as a contributor, once.
func (r *Record) AddSource(origin Origin) {
	if !r.HasSource(origin) {
		r.Source = append(r.Source, origin)
	}
}

// AddError appends a bounded error entry.
func (r *Record) AddError(msg string) {
	if len(r.Errors) >= MaxErrors {
		return
	}
	r.Errors = append(r.Errors, msg)
}

// MergeKey returns the fallback identity key for this record.
func (r *Record) MergeKey() string {
	return MergeKey(r.Request.TabID, r.Request.Method, r.Request.URL)
}

// NormalizeMethod upper-cases a method, defaulting to GET.
func NormalizeMethod(method string) string {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" {
		return "GET"
	}
	return m
}

// NormalizeURL strips the fragment for stable matching. Non-standard URLs
// (data:, about:) just lose everything after '#'.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		s, _, _ := strings.Cut(raw, "#")
		return s
	}
	u.Fragment = ""
	return u.String()
}

// MergeKey builds the tab|method|normalized-url identity tuple shared by the
// lifecycle and capture streams.
func MergeKey(tabID int, method, rawURL string) string {
	return fmt.Sprintf("%d|%s|%s", tabID, NormalizeMethod(method), NormalizeURL(rawURL))
}

// ResolveURL absolutizes a possibly-relative capture URL against the given
// base candidates (initiator frame URL, tab URL).
func ResolveURL(raw string, bases ...string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if u, err := url.Parse(value); err == nil && u.IsAbs() {
		return u.String()
	}
	for _, base := range bases {
		if base == "" {
			continue
		}
		b, err := url.Parse(base)
		if err != nil {
			continue
		}
		if resolved, err := b.Parse(value); err == nil {
			return resolved.String()
		}
	}
	return value
}

// ClampText truncates value to max characters, appending an explicit marker
// so truncation is visible in saved payloads.
func ClampText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return fmt.Sprintf("%s\n...<TRUNCATED %d chars>", value[:max], len(value)-max)
}

// PreviewText clamps a body to the resident preview bound.
func PreviewText(value string) string {
	return ClampText(value, BodyPreviewMaxLen)
}

// DateKey returns the YYYY-MM-DD bucket the record was created in.
func (r *Record) DateKey() string {
	return r.CreatedAt.Format("2006-01-02")
}
