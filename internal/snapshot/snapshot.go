// Package snapshot implements the debounced aggregate persistence cycle:
// bounded record metadata plus statistics written under stable keys to an
// external key-value sink. Raw bodies are never persisted.
package snapshot

import (
	"log/slog"
	"time"

	"github.com/bep/debounce"

	"github.com/tracecap/tracecap/internal/record"
)

// Stable sink keys, overwritten each cycle.
const (
	KeySettings    = "settings"
	KeyCaptureData = "capture_data"
	KeyStats       = "capture_stats"
)

// KV is the external key-value sink.
type KV interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
}

// PersistedRecord is the metadata-only snapshot form of a record, with the
// deterministic realtime file path rendered alongside so downstream tooling
// can locate the full payload on disk.
type PersistedRecord struct {
	record.Record
	FilePath string `json:"file_path"`
}

// Persister debounces snapshot triggers: any number of triggers within the
// debounce window produce exactly one write cycle.
type Persister struct {
	kv        KV
	debounced func(func())
	collect   func() (records []byte, stats []byte)
	onError   func(error)
}

// New builds a persister. collect is called once per cycle (it must do its
// own locking); onError reports failed sink writes and may be nil.
func New(kv KV, window time.Duration, collect func() ([]byte, []byte), onError func(error)) *Persister {
	return &Persister{
		kv:        kv,
		debounced: debounce.New(window),
		collect:   collect,
		onError:   onError,
	}
}

// Trigger requests a snapshot cycle. Safe to call from any goroutine, with
// or without the engine lock held; the flush runs later on the debounce
// timer's goroutine.
func (p *Persister) Trigger() {
	p.debounced(p.Flush)
}

// Flush writes one snapshot cycle immediately.
func (p *Persister) Flush() {
	records, stats := p.collect()

	if err := p.kv.Put(KeyCaptureData, records); err != nil {
		p.fail(err)
		return
	}
	if err := p.kv.Put(KeyStats, stats); err != nil {
		p.fail(err)
		return
	}
	slog.Debug("aggregate snapshot persisted", "records_bytes", len(records), "stats_bytes", len(stats))
}

func (p *Persister) fail(err error) {
	slog.Error("aggregate snapshot failed", "error", err)
	if p.onError != nil {
		p.onError(err)
	}
}

// PersistSettings writes the canonical settings document.
func (p *Persister) PersistSettings(doc []byte) error {
	return p.kv.Put(KeySettings, doc)
}

// LoadSettings reads the persisted settings document, if any.
func (p *Persister) LoadSettings() ([]byte, bool, error) {
	return p.kv.Get(KeySettings)
}
