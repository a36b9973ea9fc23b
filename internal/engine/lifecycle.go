package engine

import (
	"time"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/saver"
)

// BeginEvent opens a lifecycle record. ExternalID is the authoritative
// identity for the rest of the request's lifecycle events.
type BeginEvent struct {
	ExternalID   string          `json:"external_id"`
	TabID        int             `json:"tab_id"`
	URL          string          `json:"url"`
	Method       string          `json:"method"`
	ResourceType string          `json:"resource_type"`
	Initiator    string          `json:"initiator"`
	TimestampMS  int64           `json:"timestamp_ms"`
	Headers      []record.Header `json:"headers"`
}

// HeadersSentEvent attaches the request headers actually sent on the wire.
type HeadersSentEvent struct {
	ExternalID string          `json:"external_id"`
	Headers    []record.Header `json:"headers"`
}

// HeadersReceivedEvent attaches the response status and headers.
type HeadersReceivedEvent struct {
	ExternalID string          `json:"external_id"`
	StatusCode int             `json:"status_code"`
	StatusLine string          `json:"status_line"`
	Headers    []record.Header `json:"headers"`
}

// CompleteEvent finalizes a lifecycle record. A non-empty Error marks the
// request as failed; the record is finalized either way.
type CompleteEvent struct {
	ExternalID  string `json:"external_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	FromCache   bool   `json:"from_cache"`
	Error       string `json:"error"`
}

// OnBegin evaluates the request against the active rules and, on a match,
// opens a new record. A capture event for the same request may already have
// opened one; that record is adopted instead of opening a duplicate.
// Non-matching requests only bump counters.
func (e *Engine) OnBegin(ev BeginEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settings.CaptureEnabled {
		return
	}

	e.stats.TotalRequests++
	outcome := e.evaluator.Evaluate(ev.URL, ev.Method, ev.ResourceType)
	if !outcome.Matched {
		switch outcome.Mode {
		case record.ModeExclude:
			e.stats.ExcludedRequests++
		case record.ModeIgnoreStatic:
			e.stats.StaticIgnoredRequests++
		}
		e.persister.Trigger()
		return
	}
	if rec := e.adoptCaptureRecordLocked(ev); rec != nil {
		now := time.Now()
		e.stats.LastCaptureTime = &now
		e.persister.Trigger()
		e.notifyLocked()
		return
	}
	e.stats.MatchedRequests++

	rec := &record.Record{
		ID:        record.NewID(),
		Doc:       e.nextDoc,
		CreatedAt: time.Now(),
		Source:    []record.Origin{record.OriginLifecycle},
		Match:     outcome,
		Request: record.RequestInfo{
			ExternalID:    ev.ExternalID,
			TabID:         ev.TabID,
			URL:           ev.URL,
			NormalizedURL: record.NormalizeURL(ev.URL),
			Method:        record.NormalizeMethod(ev.Method),
			ResourceType:  ev.ResourceType,
			Initiator:     ev.Initiator,
		},
		Performance: record.Performance{Origin: record.OriginLifecycle},
	}
	e.nextDoc++
	if e.settings.CaptureRequestData {
		rec.Request.Headers = ev.Headers
	}
	if ev.TimestampMS > 0 {
		ts := ev.TimestampMS
		rec.Performance.StartTime = &ts
	}

	e.store.Append(rec)
	e.idx.Add(rec)
	e.stats.CapturedRequests = e.store.Size()
	now := time.Now()
	e.stats.LastCaptureTime = &now

	e.persister.Trigger()
	e.notifyLocked()
}

// adoptCaptureRecordLocked scans recent records for one the capture stream
// opened for the same method and normalized URL, and binds it to the incoming
// lifecycle identity. Capture events can outrun the lifecycle begin; adopting
// keeps both views on one record. An empty external id on the record marks it
// as capture-origin and never adopted.
func (e *Engine) adoptCaptureRecordLocked(ev BeginEvent) *record.Record {
	if ev.ExternalID == "" {
		return nil
	}
	method := record.NormalizeMethod(ev.Method)
	normalized := record.NormalizeURL(ev.URL)
	records := e.store.Records()
	cutoff := time.Now().Add(-e.cfg.RelaxedScanWindow)
	scanned := 0
	for i := len(records) - 1; i >= 0 && scanned < e.cfg.RelaxedScanDepth; i-- {
		rec := records[i]
		scanned++
		if rec.CreatedAt.Before(cutoff) {
			break
		}
		if rec.Request.ExternalID != "" {
			continue
		}
		if rec.Request.Method != method || rec.Request.NormalizedURL != normalized {
			continue
		}

		rec.AddSource(record.OriginLifecycle)
		rec.Request.ExternalID = ev.ExternalID
		rec.Request.TabID = ev.TabID
		rec.Request.URL = ev.URL
		if rec.Request.Initiator == "" {
			rec.Request.Initiator = ev.Initiator
		}
		if rec.Request.ResourceType == "" {
			rec.Request.ResourceType = ev.ResourceType
		}
		if e.settings.CaptureRequestData && len(ev.Headers) > 0 {
			rec.Request.Headers = ev.Headers
		}
		if ev.TimestampMS > 0 {
			ts := ev.TimestampMS
			rec.Performance.StartTime = &ts
			rec.Performance.Origin = record.OriginLifecycle
		}
		e.store.AdoptIdentity(i, ev.ExternalID, rec.MergeKey())
		return rec
	}
	return nil
}

// OnHeadersSent records the outgoing headers. Events for unknown requests
// (never matched, or already evicted) are dropped silently.
func (e *Engine) OnHeadersSent(ev HeadersSentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.liveRecordLocked(ev.ExternalID)
	if rec == nil {
		return
	}
	if e.settings.CaptureRequestData && len(ev.Headers) > 0 {
		rec.Request.Headers = ev.Headers
	}
}

// OnHeadersReceived records the response status and headers.
func (e *Engine) OnHeadersReceived(ev HeadersReceivedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.liveRecordLocked(ev.ExternalID)
	if rec == nil {
		return
	}
	status := ev.StatusCode
	rec.Response.StatusCode = &status
	rec.Response.StatusLine = ev.StatusLine
	if e.settings.CaptureResponseData {
		rec.Response.Headers = ev.Headers
	}
}

// OnComplete finalizes a record: timing is stamped, the external id binding
// is released, and the record enters the realtime save pipeline. The record
// stays available for capture-stream merges via its merge key.
func (e *Engine) OnComplete(ev CompleteEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalizeLocked(ev, "")
}

// OnError finalizes a failed record. The failure is counted and recorded on
// the record itself; the record is still saved.
func (e *Engine) OnError(ev CompleteEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := ev.Error
	if msg == "" {
		msg = "request failed"
	}
	e.finalizeLocked(ev, msg)
}

func (e *Engine) finalizeLocked(ev CompleteEvent, errMsg string) {
	rec := e.liveRecordLocked(ev.ExternalID)
	if rec == nil {
		return
	}

	end := ev.TimestampMS
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	rec.Performance.EndTime = &end
	rec.Performance.FromCache = ev.FromCache
	if e.settings.CapturePerformanceData && rec.Performance.StartTime != nil {
		d := float64(end - *rec.Performance.StartTime)
		rec.Performance.DurationMS = &d
	}
	if errMsg != "" {
		rec.AddError(errMsg)
		e.stats.ErrorCount++
		e.stats.LastError = errMsg
	}

	e.store.DropExternalID(ev.ExternalID)
	e.saver.Enqueue(rec, saver.Options{})
	e.persister.Trigger()
	e.notifyLocked()
}

// liveRecordLocked resolves an external id to its record, dropping stale
// bindings whose record was evicted.
func (e *Engine) liveRecordLocked(externalID string) *record.Record {
	pos, ok := e.store.ByExternalID(externalID)
	if !ok {
		return nil
	}
	rec := e.store.Get(pos)
	if rec == nil || rec.Request.ExternalID != externalID {
		e.store.DropExternalID(externalID)
		return nil
	}
	return rec
}
