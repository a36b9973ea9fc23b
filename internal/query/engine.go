// Package query runs JQ expressions over captured request records.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/tracecap/tracecap/internal/record"
)

// Result contains the outcome of a JQ query over a set of records.
type Result struct {
	Values       []any          `json:"values"`
	Errors       []string       `json:"errors,omitempty"`
	RawCount     int            `json:"raw_count"`               // values produced before deduplication
	RecordCounts map[string]int `json:"record_counts,omitempty"` // value count per record id
}

// Run compiles expression once and evaluates it against each record in turn.
// Every record is presented to the query as a plain JSON object, so the
// expression sees the same shape the saved files and the state payload use.
// Per-record errors are collected, not fatal; a bad expression is.
func Run(records []record.Record, expression string, deduplicate bool, maxResults int) (*Result, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression: %w", err)
	}

	result := &Result{
		Values:       make([]any, 0),
		Errors:       make([]string, 0),
		RecordCounts: make(map[string]int),
	}
	seen := make(map[string]bool)
	seenErrors := make(map[string]bool)

	for i := range records {
		if maxResults > 0 && len(result.Values) >= maxResults {
			break
		}
		label := recordLabel(records[i], i)

		input, err := toPlain(&records[i])
		if err != nil {
			msg := fmt.Sprintf("%s: %v", label, err)
			if !seenErrors[msg] {
				result.Errors = append(result.Errors, msg)
				seenErrors[msg] = true
			}
			continue
		}

		iter := code.Run(input)
		for {
			if maxResults > 0 && len(result.Values) >= maxResults {
				break
			}
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				msg := formatRunError(label, err)
				if !seenErrors[msg] {
					result.Errors = append(result.Errors, msg)
					seenErrors[msg] = true
				}
				continue
			}
			if v == nil {
				continue
			}

			result.RawCount++
			result.RecordCounts[label]++

			if deduplicate {
				key := valueKey(v)
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			result.Values = append(result.Values, v)
		}
	}
	return result, nil
}

// ValidateExpression checks a JQ expression without executing it.
func ValidateExpression(expression string) error {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		var parseErr *gojq.ParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("invalid jq expression at position %d: %w", parseErr.Offset, err)
		}
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(parsed); err != nil {
		return fmt.Errorf("failed to compile jq expression: %w", err)
	}
	return nil
}

// toPlain round-trips a record through JSON so gojq sees maps and slices
// instead of structs.
func toPlain(rec *record.Record) (any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("record not serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("record not serializable: %w", err)
	}
	return out, nil
}

func recordLabel(rec record.Record, pos int) string {
	if len(rec.ID) >= 8 {
		return rec.ID[len(rec.ID)-8:]
	}
	if rec.ID != "" {
		return rec.ID
	}
	return fmt.Sprintf("record[%d]", pos)
}

// formatRunError decorates gojq runtime errors with hints for the common
// failure shapes. Runtime errors carry no typed wrappers, so the hints key
// off the message text; they only affect display, never control flow.
func formatRunError(label string, err error) string {
	var haltErr *gojq.HaltError
	if errors.As(err, &haltErr) {
		if haltErr.Value() == nil {
			return fmt.Sprintf("%s: query halted", label)
		}
		return fmt.Sprintf("%s: query halted with: %v", label, haltErr.Value())
	}

	errStr := err.Error()
	var hint string
	switch {
	case strings.Contains(errStr, "cannot iterate over: null"):
		hint = " (the path may not exist in this record)"
	case strings.Contains(errStr, "cannot index") && strings.Contains(errStr, "with"):
		hint = " (field not found or wrong type)"
	case strings.Contains(errStr, "object") && strings.Contains(errStr, "cannot be iterated"):
		hint = " (expected array but got object, try removing '[]')"
	case strings.Contains(errStr, "array") && strings.Contains(errStr, "cannot be indexed"):
		hint = " (expected object but got array, try adding '[]')"
	}
	return fmt.Sprintf("%s: %s%s", label, errStr, hint)
}

// valueKey builds a deduplication key for a query output value.
func valueKey(v any) string {
	switch val := v.(type) {
	case string:
		return "s:" + val
	case float64:
		return fmt.Sprintf("n:%v", val)
	case bool:
		return fmt.Sprintf("b:%v", val)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("?:%v", val)
		}
		return "j:" + string(b)
	}
}
