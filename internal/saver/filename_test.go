package saver

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tracecap/tracecap/internal/record"
)

func testRecord() *record.Record {
	status := 200
	return &record.Record{
		ID:        "0d9f1f56-9c45-4be1-8f3c-aabbccddeeff",
		CreatedAt: time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC),
		Match:     record.MatchOutcome{Matched: true, Mode: record.ModeRule, RulePattern: "api/users"},
		Request: record.RequestInfo{
			URL:    "https://shop.example.com/api/users?page=2",
			Method: "get",
		},
		Response: record.ResponseInfo{StatusCode: &status},
	}
}

func TestFilePath_Deterministic(t *testing.T) {
	rec := testRecord()
	got := FilePath(rec, "")
	assert.Equal(t, "2026-08-30/140509_get_shop.example.com_api_users_api_users_200_ccddeeff.json", got)
	assert.Equal(t, got, FilePath(rec, ""))
}

func TestFilePath_SavePathPrefix(t *testing.T) {
	rec := testRecord()
	assert.True(t, strings.HasPrefix(FilePath(rec, "team/captures"), "team/captures/2026-08-30/"))
}

func TestFilePath_NoStatusNoRule(t *testing.T) {
	rec := testRecord()
	rec.Response.StatusCode = nil
	rec.Match = record.MatchOutcome{Matched: true, Mode: record.ModeAll}
	got := FilePath(rec, "")
	assert.Contains(t, got, "_all_")
	assert.Contains(t, got, "_na_")
}

func TestFilePath_HostileURL(t *testing.T) {
	rec := testRecord()
	rec.Request.URL = `data:text/plain;a\b*c?d`
	got := FilePath(rec, "")
	assert.NotContains(t, got, `\`)
	assert.NotContains(t, got, "*")
	assert.NotContains(t, got, "?")
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitizeSegment(`a/b:c`, 20))
	assert.Equal(t, "a_b", sanitizeSegment("a   b", 20))
	assert.Equal(t, "na", sanitizeSegment("///", 20))
	assert.Equal(t, "na", sanitizeSegment("", 20))
	assert.Equal(t, "abcde", sanitizeSegment("abcdefgh", 5))
	assert.Equal(t, "x", sanitizeSegment("__x__", 20))
}
