// Package index maintains inverted indexes over capture records using
// Roaring bitmaps, keyed by stable doc ids so the observer queries
// (per-rule hit counts, records by date) avoid full store scans.
package index

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tracecap/tracecap/internal/record"
)

// AllBucket is the rule key used for records captured in default-allow mode.
const AllBucket = ""

// Index is not synchronized; like the record store it is owned by the
// correlation engine and mutated only under the engine's lock.
type Index struct {
	byRule   map[string]*roaring.Bitmap // rule pattern, AllBucket for all-mode
	byDate   map[string]*roaring.Bitmap // YYYY-MM-DD
	byMethod map[string]*roaring.Bitmap
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byRule:   make(map[string]*roaring.Bitmap),
		byDate:   make(map[string]*roaring.Bitmap),
		byMethod: make(map[string]*roaring.Bitmap),
	}
}

// Add registers rec's doc id under its rule, date and method buckets.
func (x *Index) Add(rec *record.Record) {
	x.bitmap(x.byRule, ruleKey(rec)).Add(rec.Doc)
	x.bitmap(x.byDate, rec.DateKey()).Add(rec.Doc)
	x.bitmap(x.byMethod, rec.Request.Method).Add(rec.Doc)
}

// Remove drops rec's doc id from every bucket it was registered under.
func (x *Index) Remove(rec *record.Record) {
	x.remove(x.byRule, ruleKey(rec), rec.Doc)
	x.remove(x.byDate, rec.DateKey(), rec.Doc)
	x.remove(x.byMethod, rec.Request.Method, rec.Doc)
}

// RuleCounts returns the number of resident records per rule pattern.
// The AllBucket key aggregates default-allow captures.
func (x *Index) RuleCounts() map[string]uint64 {
	out := make(map[string]uint64, len(x.byRule))
	for pattern, bm := range x.byRule {
		out[pattern] = bm.GetCardinality()
	}
	return out
}

// DateDocs returns the doc ids created on the given YYYY-MM-DD day, in
// ascending doc order.
func (x *Index) DateDocs(date string) []uint32 {
	bm, ok := x.byDate[date]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

// MethodCounts returns the number of resident records per HTTP method.
func (x *Index) MethodCounts() map[string]uint64 {
	out := make(map[string]uint64, len(x.byMethod))
	for method, bm := range x.byMethod {
		out[method] = bm.GetCardinality()
	}
	return out
}

// Clear drops all buckets.
func (x *Index) Clear() {
	x.byRule = make(map[string]*roaring.Bitmap)
	x.byDate = make(map[string]*roaring.Bitmap)
	x.byMethod = make(map[string]*roaring.Bitmap)
}

func (x *Index) bitmap(m map[string]*roaring.Bitmap, key string) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

func (x *Index) remove(m map[string]*roaring.Bitmap, key string, doc uint32) {
	bm, ok := m[key]
	if !ok {
		return
	}
	bm.Remove(doc)
	if bm.IsEmpty() {
		delete(m, key)
	}
}

func ruleKey(rec *record.Record) string {
	if rec.Match.Mode == record.ModeRule && rec.Match.RulePattern != "" {
		return rec.Match.RulePattern
	}
	return AllBucket
}
