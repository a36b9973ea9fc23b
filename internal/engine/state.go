package engine

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/saver"
	"github.com/tracecap/tracecap/internal/settings"
	"github.com/tracecap/tracecap/internal/snapshot"
)

// Payload is the full observable engine state, served to control clients
// and pushed to the notify observer.
type Payload struct {
	Settings               settings.Settings `json:"settings"`
	Stats                  Stats             `json:"stats"`
	RecordCount            int               `json:"record_count"`
	ActiveRuleCount        int               `json:"active_rule_count"`
	ActiveExcludeRuleCount int               `json:"active_exclude_rule_count"`
	MethodCounts           map[string]uint64 `json:"method_counts"`
	RecentRecords          []record.Record   `json:"recent_records"`
}

// State returns a copy of the current engine state. Records are copied by
// value so the payload can be marshaled outside the lock.
func (e *Engine) State() Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statePayloadLocked()
}

func (e *Engine) statePayloadLocked() Payload {
	records := e.store.Records()
	window := e.settings.RecentWindow
	if window <= 0 || window > len(records) {
		window = len(records)
	}
	recent := make([]record.Record, 0, window)
	for i := len(records) - 1; i >= len(records)-window; i-- {
		recent = append(recent, *records[i])
	}
	return Payload{
		Settings:               e.settings,
		Stats:                  e.stats,
		RecordCount:            len(records),
		ActiveRuleCount:        e.evaluator.ActiveIncludeCount(),
		ActiveExcludeRuleCount: e.evaluator.ActiveExcludeCount(),
		MethodCounts:           e.idx.MethodCounts(),
		RecentRecords:          recent,
	}
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Clear drops every record, cancels all pending saves, resets the counters
// and flushes the emptied snapshot immediately.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.saver.CancelAll()
	e.store.Clear()
	e.idx.Clear()
	e.stats = Stats{}
	e.nextDoc = 0
	e.notifyLocked()
	e.mu.Unlock()

	e.persister.Flush()
}

// AllRecords returns value copies of every live record, oldest first.
func (e *Engine) AllRecords() []record.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := e.store.Records()
	out := make([]record.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec)
	}
	return out
}

// RecordsByDate returns copies of all records whose save path falls under
// the given YYYY-MM-DD date folder, oldest first.
func (e *Engine) RecordsByDate(date string) []record.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	docs := e.idx.DateDocs(date)
	out := make([]record.Record, 0, len(docs))
	for _, doc := range docs {
		pos, ok := e.store.ByDoc(doc)
		if !ok {
			continue
		}
		if rec := e.store.Get(pos); rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// RuleStat is one row of the per-rule capture breakdown.
type RuleStat struct {
	Pattern string `json:"pattern"`
	Count   uint64 `json:"count"`
	Enabled bool   `json:"enabled"`
}

// RuleStatsPayload summarizes how captured records distribute over the
// configured include rules.
type RuleStatsPayload struct {
	TotalRecords int        `json:"total_records"`
	Unruled      uint64     `json:"unruled"`
	Rules        []RuleStat `json:"rules"`
}

// RuleStats reports, per configured include rule, how many live records it
// matched. Unruled counts records captured while no include rules were set.
func (e *Engine) RuleStats() RuleStatsPayload {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := e.idx.RuleCounts()
	out := RuleStatsPayload{
		TotalRecords: e.store.Size(),
		Unruled:      counts[""],
	}
	for _, spec := range e.settings.IncludeRules {
		out.Rules = append(out.Rules, RuleStat{
			Pattern: spec.Pattern,
			Count:   counts[spec.Pattern],
			Enabled: spec.Enabled,
		})
	}
	return out
}

// LatestFile describes where the most recent record lands on disk.
type LatestFile struct {
	RecordID  string    `json:"record_id"`
	FilePath  string    `json:"file_path"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"created_at"`
	Saved     bool      `json:"saved"`
}

// LatestRecordFile reports the deterministic file path of the newest record.
func (e *Engine) LatestRecordFile() (LatestFile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := e.store.Records()
	if len(records) == 0 {
		return LatestFile{}, false
	}
	rec := records[len(records)-1]
	return LatestFile{
		RecordID:  rec.ID,
		FilePath:  saver.FilePath(rec, e.settings.SavePath),
		URL:       rec.Request.URL,
		Method:    rec.Request.Method,
		CreatedAt: rec.CreatedAt,
		Saved:     e.saver.IsSaved(rec.ID),
	}, true
}

type exportEnvelope struct {
	ExportedAt  time.Time         `json:"exported_at"`
	Settings    settings.Settings `json:"settings_snapshot"`
	Stats       Stats             `json:"stats_snapshot"`
	RecordCount int               `json:"record_count"`
	Records     []record.Record   `json:"records"`
}

// Export writes every live record's metadata to a single timestamped file
// under the configured save path and returns the relative path written.
func (e *Engine) Export() (string, error) {
	e.mu.Lock()
	records := e.store.Records()
	env := exportEnvelope{
		ExportedAt:  time.Now(),
		Settings:    e.settings,
		Stats:       e.stats,
		RecordCount: len(records),
		Records:     make([]record.Record, 0, len(records)),
	}
	for _, rec := range records {
		env.Records = append(env.Records, *rec)
	}
	name := path.Join(e.settings.SavePath,
		fmt.Sprintf("network_capture_%s.json", env.ExportedAt.Format("20060102_150405")))
	payload, err := json.MarshalIndent(env, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	if err := e.sink.Write(name, payload); err != nil {
		e.mu.Lock()
		e.stats.ErrorCount++
		e.stats.LastError = "export failed: " + err.Error()
		e.mu.Unlock()
		return "", err
	}

	e.mu.Lock()
	now := time.Now()
	e.stats.LastExportTime = &now
	e.mu.Unlock()
	return name, nil
}

// collectSnapshot builds the debounced aggregate snapshot: the newest record
// metadata plus the counters. Body previews are stripped unless the operator
// opted into persisting them.
func (e *Engine) collectSnapshot() ([]byte, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := e.store.Records()
	limit := e.cfg.SnapshotRecords
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	persisted := make([]snapshot.PersistedRecord, 0, limit)
	for _, rec := range records[len(records)-limit:] {
		pr := snapshot.PersistedRecord{
			Record:   *rec,
			FilePath: saver.FilePath(rec, e.settings.SavePath),
		}
		if !e.settings.PersistBodyPreview {
			pr.Record.Request.Body.Preview = ""
			pr.Record.Response.Body.Preview = ""
		}
		persisted = append(persisted, pr)
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		data = []byte("[]")
	}
	stats, err := json.Marshal(e.stats)
	if err != nil {
		stats = []byte("{}")
	}
	return data, stats
}
