// Package saver implements the per-record realtime save pipeline: a
// coalescing timer registry that decides when a record has enough data to
// persist, renders its file path, and hands the payload to the file sink.
package saver

import (
	"log/slog"
	"time"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/settings"
)

// FileSink receives one write per realtime save. Implementations must return
// a nil error only when the payload is durably accepted.
type FileSink interface {
	Write(relPath string, payload []byte) error
}

// Config holds the pipeline timing knobs.
type Config struct {
	// Delay is the debounce before a queued record is considered for saving.
	Delay time.Duration
	// MaxWait bounds how long a record may wait for capture-stream bodies
	// before it is saved regardless, guaranteeing forward progress.
	MaxWait time.Duration
}

// Saver tracks one pending timer per record id plus the saved-id set.
//
// Saver state is not self-synchronized: every method must be called while
// holding the correlation engine's lock, and timer callbacks re-enter that
// lock through the exec function. This mirrors the single event-processing
// thread that owns the store.
type Saver struct {
	cfg      Config
	sink     FileSink
	settings func() settings.Settings
	// exec runs a function under the engine lock; timer and write-completion
	// callbacks go through it so state is always re-validated under the lock.
	exec     func(func())
	onResult func(rec *record.Record, err error)

	timers map[string]*time.Timer
	saved  map[string]struct{}
	hints  map[string]BodyHint
}

// New wires a save pipeline. settingsFn returns the current sanitized
// settings; onResult is invoked (under the engine lock) after every write
// attempt.
func New(cfg Config, sink FileSink, settingsFn func() settings.Settings, exec func(func()), onResult func(*record.Record, error)) *Saver {
	return &Saver{
		cfg:      cfg,
		sink:     sink,
		settings: settingsFn,
		exec:     exec,
		onResult: onResult,
		timers:   make(map[string]*time.Timer),
		saved:    make(map[string]struct{}),
		hints:    make(map[string]BodyHint),
	}
}

// Options modify a single Enqueue call.
type Options struct {
	// Force reschedules an already-pending timer instead of coalescing into
	// it, used when a capture merge just attached a body.
	Force bool
	// Hint carries bodies to embed at save time.
	Hint BodyHint
}

// Enqueue schedules rec for a realtime save. Calls for an already-saved
// record are no-ops; calls while a timer is pending coalesce unless forced.
func (s *Saver) Enqueue(rec *record.Record, opts Options) {
	if rec == nil || rec.ID == "" {
		return
	}
	if _, done := s.saved[rec.ID]; done {
		return
	}

	if opts.Hint != (BodyHint{}) {
		s.hints[rec.ID] = opts.Hint
	}

	if timer, pending := s.timers[rec.ID]; pending {
		if !opts.Force {
			return
		}
		timer.Stop()
		delete(s.timers, rec.ID)
	}

	s.schedule(rec)
}

func (s *Saver) schedule(rec *record.Record) {
	s.timers[rec.ID] = time.AfterFunc(s.cfg.Delay, func() {
		s.exec(func() { s.fire(rec) })
	})
}

// fire runs under the engine lock when a record's timer expires.
func (s *Saver) fire(rec *record.Record) {
	delete(s.timers, rec.ID)
	if _, done := s.saved[rec.ID]; done {
		return
	}

	cfg := s.settings()
	hint := s.hints[rec.ID]

	if !s.ready(rec, hint, cfg) {
		// Not enough data yet; rearm instead of losing the file.
		s.schedule(rec)
		return
	}

	payload, err := BuildPayload(rec, hint, cfg)
	if err != nil {
		s.onResult(rec, err)
		return
	}
	path := FilePath(rec, cfg.SavePath)

	// The write happens off the engine lock; completion re-enters it.
	go s.write(rec, path, payload)
}

func (s *Saver) write(rec *record.Record, path string, payload []byte) {
	err := s.sink.Write(path, payload)
	s.exec(func() {
		if err == nil {
			s.saved[rec.ID] = struct{}{}
			delete(s.hints, rec.ID)
			slog.Debug("realtime save complete", "record", rec.ID, "path", path)
		} else {
			slog.Error("realtime save failed", "record", rec.ID, "path", path, "error", err)
		}
		s.onResult(rec, err)
	})
}

// ready reports whether it is acceptable to save rec now.
func (s *Saver) ready(rec *record.Record, hint BodyHint, cfg settings.Settings) bool {
	if !cfg.CaptureResponseData {
		return true
	}
	if hint.ResponseBody != "" {
		return true
	}
	if rec.Response.Body.HasBody {
		return true
	}
	// A record with a broken creation time must not retry forever.
	if rec.CreatedAt.IsZero() {
		return true
	}
	return time.Since(rec.CreatedAt) >= s.cfg.MaxWait
}

// IsSaved reports whether rec's id has already been written.
func (s *Saver) IsSaved(id string) bool {
	_, done := s.saved[id]
	return done
}

// PendingCount returns the number of armed timers.
func (s *Saver) PendingCount() int {
	return len(s.timers)
}

// Discard cancels any pending timer for an evicted record and forgets its
// saved flag and body hints, so eviction never leaks timer resources.
func (s *Saver) Discard(rec *record.Record) {
	if timer, ok := s.timers[rec.ID]; ok {
		timer.Stop()
		delete(s.timers, rec.ID)
	}
	delete(s.saved, rec.ID)
	delete(s.hints, rec.ID)
}

// CancelAll stops every pending timer and resets all pipeline state; used
// when capture data is cleared.
func (s *Saver) CancelAll() {
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.saved = make(map[string]struct{})
	s.hints = make(map[string]BodyHint)
}
