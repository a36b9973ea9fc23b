// Package engine implements the request correlation engine: it consumes the
// lifecycle and capture event streams, applies the match rules, maintains the
// bounded record store and its indexes, and drives the realtime save and
// aggregate snapshot pipelines.
package engine

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tracecap/tracecap/internal/index"
	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/rules"
	"github.com/tracecap/tracecap/internal/saver"
	"github.com/tracecap/tracecap/internal/settings"
	"github.com/tracecap/tracecap/internal/snapshot"
	"github.com/tracecap/tracecap/internal/store"
)

// Config holds the engine tuning knobs.
type Config struct {
	MaxRecords        int
	MergeCandidateCap int
	RelaxedScanDepth  int
	RelaxedScanWindow time.Duration
	SnapshotRecords   int
	RegexCacheSize    int
	Save              saver.Config
	PersistDebounce   time.Duration
}

// Stats are the monotonically accumulating capture counters. They reset only
// on an explicit Clear.
type Stats struct {
	TotalRequests         int64      `json:"total_requests"`
	MatchedRequests       int64      `json:"matched_requests"`
	CapturedRequests      int        `json:"captured_requests"`
	ExcludedRequests      int64      `json:"excluded_requests"`
	StaticIgnoredRequests int64      `json:"static_ignored_requests"`
	ErrorCount            int64      `json:"error_count"`
	LastCaptureTime       *time.Time `json:"last_capture_time"`
	LastExportTime        *time.Time `json:"last_export_time"`
	LastError             string     `json:"last_error"`
}

// Engine owns the record store and all mutable capture state. A single mutex
// serializes every handler, which is the concurrency model the pipeline is
// designed for: handlers run to completion, and anything resuming after I/O
// re-enters through the lock and re-validates what it depends on.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	settings  settings.Settings
	validator *settings.Validator
	cache     *rules.Cache
	evaluator *rules.Evaluator

	store     *store.Store
	idx       *index.Index
	saver     *saver.Saver
	persister *snapshot.Persister
	sink      saver.FileSink

	stats   Stats
	nextDoc uint32

	// notify, when set, receives a state payload after every visible change.
	notify func(Payload)
}

// New wires an engine over the given file sink and key-value sink, loading
// previously persisted settings from the KV sink when present.
func New(cfg Config, sink saver.FileSink, kv snapshot.KV) (*Engine, error) {
	cache, err := rules.NewCache(cfg.RegexCacheSize)
	if err != nil {
		return nil, err
	}
	validator, err := settings.NewValidator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		validator: validator,
		cache:     cache,
		idx:       index.New(),
		sink:      sink,
	}
	e.store = store.New(cfg.MaxRecords, cfg.MergeCandidateCap, e.onEvict)
	e.saver = saver.New(cfg.Save, sink, e.currentSettings, e.locked, e.saveFinished)
	e.persister = snapshot.New(kv, cfg.PersistDebounce, e.collectSnapshot, e.snapshotFailed)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(settings.Sanitize(e.loadPersistedSettings()))
	return e, nil
}

// loadPersistedSettings merges the stored settings document, if any, over
// the defaults. Unreadable documents fall back to defaults.
func (e *Engine) loadPersistedSettings() settings.Settings {
	s := settings.Default()
	doc, ok, err := e.persister.LoadSettings()
	if err != nil {
		slog.Warn("loading persisted settings failed", "error", err)
		return s
	}
	if !ok {
		return s
	}
	if err := json.Unmarshal(doc, &s); err != nil {
		slog.Warn("persisted settings unreadable, using defaults", "error", err)
		return settings.Default()
	}
	return s
}

// locked runs f while holding the engine lock. It is handed to the save
// pipeline so timer and write-completion callbacks re-enter safely.
func (e *Engine) locked(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f()
}

// currentSettings is called by the save pipeline under the engine lock.
func (e *Engine) currentSettings() settings.Settings {
	return e.settings
}

// onEvict runs inside store eviction, under the engine lock: cancel the
// record's pending save timer and drop it from the secondary indexes.
func (e *Engine) onEvict(rec *record.Record) {
	e.saver.Discard(rec)
	e.idx.Remove(rec)
}

// applyLocked installs sanitized settings and recompiles both rule sets.
// Invalid rules surface as diagnostics in stats.last_error; the valid rest
// stay active.
func (e *Engine) applyLocked(s settings.Settings) {
	e.settings = s
	include, exclude, diags := rules.Compile(s.IncludeRules, s.ExcludeRules, e.cache)
	e.evaluator = rules.NewEvaluator(include, exclude, s.IgnoreStaticResources)
	if len(diags) > 0 {
		e.stats.LastError = strings.Join(diags, " | ")
		slog.Warn("invalid filter rules skipped", "diagnostics", diags)
	} else {
		e.stats.LastError = ""
	}
	slog.Info("filter rules compiled",
		"include", e.evaluator.ActiveIncludeCount(),
		"exclude", e.evaluator.ActiveExcludeCount(),
		"capture_enabled", s.CaptureEnabled)
}

// Settings returns the current sanitized settings.
func (e *Engine) Settings() settings.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings validates a raw (possibly partial) settings document,
// merges it over the current settings, sanitizes, recompiles rules and
// persists the canonical form. Schema violations are returned without
// touching any state.
func (e *Engine) UpdateSettings(raw []byte) (settings.Settings, []string, error) {
	if verrs := e.validator.Validate(raw); len(verrs) > 0 {
		return settings.Settings{}, verrs, nil
	}

	e.mu.Lock()
	merged := e.settings
	if err := json.Unmarshal(raw, &merged); err != nil {
		e.mu.Unlock()
		return settings.Settings{}, nil, err
	}
	s := settings.Sanitize(merged)
	e.applyLocked(s)
	if err := e.persistSettingsLocked(); err != nil {
		slog.Error("persisting settings failed", "error", err)
	}
	e.notifyLocked()
	e.mu.Unlock()
	return s, nil, nil
}

// SetCaptureEnabled flips the capture toggle and persists the settings.
func (e *Engine) SetCaptureEnabled(enabled bool) settings.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.CaptureEnabled = enabled
	if err := e.persistSettingsLocked(); err != nil {
		slog.Error("persisting settings failed", "error", err)
	}
	e.notifyLocked()
	return e.settings
}

func (e *Engine) persistSettingsLocked() error {
	doc, err := json.Marshal(e.settings)
	if err != nil {
		return err
	}
	return e.persister.PersistSettings(doc)
}

// saveFinished runs under the engine lock after every realtime write
// attempt. A failed save is terminal for the record but visible in stats;
// the snapshot still carries its metadata for forensics.
func (e *Engine) saveFinished(rec *record.Record, err error) {
	if err != nil {
		e.stats.ErrorCount++
		e.stats.LastError = "realtime save failed: " + err.Error()
	} else {
		e.stats.LastError = ""
	}
	e.persister.Trigger()
	e.notifyLocked()
}

// snapshotFailed is called from the snapshot cycle goroutine.
func (e *Engine) snapshotFailed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.ErrorCount++
	e.stats.LastError = "persisting capture data failed: " + err.Error()
}

// SetNotify installs the push observer. The payload is delivered outside the
// engine lock.
func (e *Engine) SetNotify(fn func(Payload)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

func (e *Engine) notifyLocked() {
	if e.notify == nil {
		return
	}
	payload := e.statePayloadLocked()
	go e.notify(payload)
}

// Persister exposes the snapshot pipeline (for final flush on shutdown).
func (e *Engine) Persister() *snapshot.Persister {
	return e.persister
}
