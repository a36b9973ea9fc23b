package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tracecap/tracecap/internal/record"
)

func makeRecord(doc uint32, method, rulePattern string, created time.Time) *record.Record {
	mode := record.ModeAll
	if rulePattern != "" {
		mode = record.ModeRule
	}
	return &record.Record{
		Doc:       doc,
		CreatedAt: created,
		Match:     record.MatchOutcome{Matched: true, Mode: mode, RulePattern: rulePattern},
		Request:   record.RequestInfo{Method: method},
	}
}

func TestRuleCounts(t *testing.T) {
	x := New()
	day := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	x.Add(makeRecord(0, "GET", "api/users", day))
	x.Add(makeRecord(1, "GET", "api/users", day))
	x.Add(makeRecord(2, "POST", "", day))

	counts := x.RuleCounts()
	assert.Equal(t, uint64(2), counts["api/users"])
	assert.Equal(t, uint64(1), counts[AllBucket])
}

func TestDateDocs(t *testing.T) {
	x := New()
	day1 := time.Date(2026, 8, 29, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	x.Add(makeRecord(0, "GET", "", day1))
	x.Add(makeRecord(1, "GET", "", day2))
	x.Add(makeRecord(2, "GET", "", day2))

	assert.Equal(t, []uint32{1, 2}, x.DateDocs("2026-08-30"))
	assert.Equal(t, []uint32{0}, x.DateDocs("2026-08-29"))
	assert.Empty(t, x.DateDocs("2026-01-01"))
}

func TestRemove_DropsEmptyBuckets(t *testing.T) {
	x := New()
	day := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	rec := makeRecord(0, "PUT", "api", day)
	x.Add(rec)
	x.Add(makeRecord(1, "GET", "", day))

	x.Remove(rec)

	counts := x.RuleCounts()
	_, ok := counts["api"]
	assert.False(t, ok)
	assert.Equal(t, map[string]uint64{"GET": 1}, x.MethodCounts())
	assert.Equal(t, []uint32{1}, x.DateDocs("2026-08-30"))
}

func TestClear(t *testing.T) {
	x := New()
	x.Add(makeRecord(0, "GET", "api", time.Now()))
	x.Clear()
	assert.Empty(t, x.RuleCounts())
	assert.Empty(t, x.MethodCounts())
}
