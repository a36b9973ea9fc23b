// Package rules compiles user-defined URL filter rules and evaluates
// candidate requests against them.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxRules bounds a single rule set. Extra entries are dropped during
// normalization, never compiled.
const MaxRules = 20

// validMethods is the HTTP method whitelist applied during normalization.
var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
	"HEAD": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// Spec is one raw rule as configured by the user.
type Spec struct {
	ID      string   `json:"id"`
	Pattern string   `json:"pattern"`
	Enabled bool     `json:"enabled"`
	Methods []string `json:"methods,omitempty"` // nil = all methods
}

// UnmarshalJSON treats a missing "enabled" field as enabled, matching how
// rule documents written by earlier versions are interpreted.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string   `json:"id"`
		Pattern string   `json:"pattern"`
		Enabled *bool    `json:"enabled"`
		Methods []string `json:"methods"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ID = raw.ID
	s.Pattern = raw.Pattern
	s.Methods = raw.Methods
	s.Enabled = raw.Enabled == nil || *raw.Enabled
	return nil
}

// Normalize cleans a raw rule list: trims patterns, drops empty ones,
// upper-cases and deduplicates methods against the whitelist, assigns missing
// IDs and caps the list at max entries.
func Normalize(raw []Spec, max int) []Spec {
	if max <= 0 {
		max = MaxRules
	}
	out := make([]Spec, 0, len(raw))
	for _, r := range raw {
		pattern := strings.TrimSpace(r.Pattern)
		if pattern == "" {
			continue
		}

		var methods []string
		seen := map[string]bool{}
		for _, m := range r.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if validMethods[m] && !seen[m] {
				seen[m] = true
				methods = append(methods, m)
			}
		}

		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}

		out = append(out, Spec{
			ID:      id,
			Pattern: pattern,
			Enabled: r.Enabled,
			Methods: methods,
		})
		if len(out) == max {
			break
		}
	}
	return out
}

// Compiled is one active matcher.
type Compiled struct {
	ID      string
	Pattern string
	Methods []string // nil = all methods
	re      *regexp.Regexp
}

// Matches reports whether the rule applies to the given URL and
// (already normalized) method.
func (c *Compiled) Matches(rawURL, method string) bool {
	if !c.re.MatchString(rawURL) {
		return false
	}
	if len(c.Methods) == 0 {
		return true
	}
	for _, m := range c.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Set is an ordered list of active matchers (configuration order).
type Set []*Compiled

// Find returns the first rule matching url+method, or nil.
func (s Set) Find(rawURL, method string) *Compiled {
	for _, c := range s {
		if c.Matches(rawURL, method) {
			return c
		}
	}
	return nil
}

// CompileSet compiles the enabled rules of one set. Invalid patterns are
// dropped and reported via diags; the remaining rules stay active, so one
// malformed rule never disables the others.
func CompileSet(specs []Spec, cache *Cache, label string, diags *[]string) Set {
	var out Set
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		pattern := strings.TrimSpace(spec.Pattern)
		if pattern == "" {
			continue
		}
		re, err := cache.Get(pattern)
		if err != nil {
			*diags = append(*diags, fmt.Sprintf("%s rule %q invalid: %v", label, pattern, err))
			continue
		}
		out = append(out, &Compiled{
			ID:      spec.ID,
			Pattern: pattern,
			Methods: spec.Methods,
			re:      re,
		})
	}
	return out
}

// Compile builds both active sets from raw specs and returns the compile
// diagnostics (empty when every enabled rule compiled).
func Compile(include, exclude []Spec, cache *Cache) (Set, Set, []string) {
	var diags []string
	inc := CompileSet(include, cache, "include", &diags)
	exc := CompileSet(exclude, cache, "exclude", &diags)
	return inc, exc, diags
}
