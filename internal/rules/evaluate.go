package rules

import (
	"regexp"
	"strings"

	"github.com/tracecap/tracecap/internal/record"
)

// staticExtRe classifies static assets by file extension when the resource
// type hint is absent or unknown.
var staticExtRe = regexp.MustCompile(
	`(?i)\.(?:css|js|mjs|map|png|jpe?g|gif|svg|ico|webp|avif|woff2?|ttf|otf|eot|mp4|mov|mp3|wav|pdf|zip)(?:[?#]|$)`)

// staticResourceTypes are platform resource-type hints treated as static.
var staticResourceTypes = map[string]bool{
	"image":      true,
	"stylesheet": true,
	"script":     true,
	"font":       true,
	"media":      true,
	"imageset":   true,
	"object":     true,
}

// Evaluator decides whether a candidate request should be captured.
// It is immutable; settings changes produce a new Evaluator.
type Evaluator struct {
	include      Set
	exclude      Set
	ignoreStatic bool
}

// NewEvaluator builds an evaluator over two compiled sets.
func NewEvaluator(include, exclude Set, ignoreStatic bool) *Evaluator {
	return &Evaluator{include: include, exclude: exclude, ignoreStatic: ignoreStatic}
}

// ActiveIncludeCount returns the number of active include matchers.
func (e *Evaluator) ActiveIncludeCount() int { return len(e.include) }

// ActiveExcludeCount returns the number of active exclude matchers.
func (e *Evaluator) ActiveExcludeCount() int { return len(e.exclude) }

// IsStatic reports whether the request looks like a static asset, by
// resource-type hint or by URL extension.
func IsStatic(rawURL, resourceType string) bool {
	if staticResourceTypes[strings.ToLower(resourceType)] {
		return true
	}
	return staticExtRe.MatchString(rawURL)
}

// Evaluate applies the match precedence: static-ignore, exclude,
// default-allow when no include rules exist, then first include rule in
// configuration order. A panic inside matching is swallowed into a
// non-match; evaluation must never take down the ingest loop.
func (e *Evaluator) Evaluate(rawURL, method, resourceType string) (out record.MatchOutcome) {
	defer func() {
		if recover() != nil {
			out = record.MatchOutcome{Matched: false, Mode: record.ModeRule}
		}
	}()

	normalizedMethod := record.NormalizeMethod(method)

	if e.ignoreStatic && IsStatic(rawURL, resourceType) {
		return record.MatchOutcome{Matched: false, Mode: record.ModeIgnoreStatic}
	}

	if excluded := e.exclude.Find(rawURL, normalizedMethod); excluded != nil {
		return record.MatchOutcome{
			Matched:     false,
			Mode:        record.ModeExclude,
			RulePattern: excluded.Pattern,
			Methods:     excluded.Methods,
		}
	}

	// No enabled, valid include rules means full capture, not zero capture.
	if len(e.include) == 0 {
		return record.MatchOutcome{Matched: true, Mode: record.ModeAll}
	}

	matched := e.include.Find(rawURL, normalizedMethod)
	if matched == nil {
		return record.MatchOutcome{Matched: false, Mode: record.ModeRule}
	}
	return record.MatchOutcome{
		Matched:     true,
		Mode:        record.ModeRule,
		RulePattern: matched.Pattern,
		Methods:     matched.Methods,
	}
}
