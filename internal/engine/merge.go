package engine

import (
	"time"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/saver"
)

// CaptureEvent carries the body-bearing capture stream. It has no external
// id; identity is reconstructed from tab, method and normalized URL.
type CaptureEvent struct {
	Method       string   `json:"method"`
	URL          string   `json:"url"`
	TabID        *int     `json:"tab_id"`
	Status       *int     `json:"status"`
	RequestBody  string   `json:"request_body"`
	ResponseBody string   `json:"response_body"`
	DurationMS   *float64 `json:"duration_ms"`
	ResourceType string   `json:"resource_type"`
	InitiatorURL string   `json:"initiator_url"`
	TabURL       string   `json:"tab_url"`
}

// MergeCapture folds a capture event into the matching lifecycle record, or
// opens a capture-origin record when no candidate exists. Either way the
// record enters the realtime save pipeline with its bodies attached.
func (e *Engine) MergeCapture(ev CaptureEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settings.CaptureEnabled {
		return
	}

	rawURL := record.ResolveURL(ev.URL, ev.InitiatorURL, ev.TabURL)
	method := record.NormalizeMethod(ev.Method)
	outcome := e.evaluator.Evaluate(rawURL, method, ev.ResourceType)
	if !outcome.Matched {
		return
	}

	tabID := -1
	if ev.TabID != nil {
		tabID = *ev.TabID
	}

	rec := e.findMergeCandidateLocked(tabID, method, rawURL)
	if rec == nil {
		rec = e.newCaptureRecordLocked(ev, outcome, rawURL, method, tabID)
	} else {
		e.mergeIntoLocked(rec, ev)
	}

	hint := saver.BodyHint{}
	if e.settings.CaptureRequestData && ev.RequestBody != "" {
		rec.Request.Body = record.BodySummary{
			HasBody: true,
			Size:    len(ev.RequestBody),
			Preview: record.PreviewText(ev.RequestBody),
		}
		hint.RequestBody = ev.RequestBody
	}
	if e.settings.CaptureResponseData && ev.ResponseBody != "" {
		rec.Response.Body = record.BodySummary{
			HasBody: true,
			Size:    len(ev.ResponseBody),
			Preview: record.PreviewText(ev.ResponseBody),
		}
		hint.ResponseBody = ev.ResponseBody
	}

	now := time.Now()
	e.stats.LastCaptureTime = &now
	e.saver.Enqueue(rec, saver.Options{Force: true, Hint: hint})
	e.persister.Trigger()
	e.notifyLocked()
}

// findMergeCandidateLocked resolves the record a capture event belongs to.
// Tier one is an exact merge-key lookup, newest first, preferring records
// that have not received a response body yet. Tier two relaxes identity to
// method plus normalized URL over a bounded recent window, for events whose
// tab or exact URL drifted from the lifecycle view.
func (e *Engine) findMergeCandidateLocked(tabID int, method, rawURL string) *record.Record {
	key := record.MergeKey(tabID, method, rawURL)
	positions := e.store.MergeCandidates(key)
	if rec := pickCandidate(e.store, positions); rec != nil {
		return rec
	}

	normalized := record.NormalizeURL(rawURL)
	records := e.store.Records()
	cutoff := time.Now().Add(-e.cfg.RelaxedScanWindow)
	scanned := 0
	var fallback *record.Record
	for i := len(records) - 1; i >= 0 && scanned < e.cfg.RelaxedScanDepth; i-- {
		rec := records[i]
		scanned++
		if rec.CreatedAt.Before(cutoff) {
			break
		}
		if rec.Request.Method != method || rec.Request.NormalizedURL != normalized {
			continue
		}
		if !rec.Response.Body.HasBody {
			return rec
		}
		if fallback == nil {
			fallback = rec
		}
	}
	return fallback
}

// pickCandidate scans exact merge-key positions newest first, preferring a
// record without a response body; otherwise the most recent one wins.
func pickCandidate(s recordSource, positions []int) *record.Record {
	var fallback *record.Record
	for i := len(positions) - 1; i >= 0; i-- {
		rec := s.Get(positions[i])
		if rec == nil {
			continue
		}
		if !rec.Response.Body.HasBody {
			return rec
		}
		if fallback == nil {
			fallback = rec
		}
	}
	return fallback
}

type recordSource interface {
	Get(pos int) *record.Record
}

func (e *Engine) newCaptureRecordLocked(ev CaptureEvent, outcome record.MatchOutcome, rawURL, method string, tabID int) *record.Record {
	rec := &record.Record{
		ID:        record.NewID(),
		Doc:       e.nextDoc,
		CreatedAt: time.Now(),
		Source:    []record.Origin{record.OriginCapture},
		Match:     outcome,
		Request: record.RequestInfo{
			TabID:         tabID,
			URL:           rawURL,
			NormalizedURL: record.NormalizeURL(rawURL),
			Method:        method,
			ResourceType:  ev.ResourceType,
			Initiator:     ev.InitiatorURL,
		},
		Performance: record.Performance{Origin: record.OriginCapture},
	}
	e.nextDoc++
	if ev.Status != nil {
		status := *ev.Status
		rec.Response.StatusCode = &status
	}
	if ev.DurationMS != nil && e.settings.CapturePerformanceData {
		d := *ev.DurationMS
		rec.Performance.DurationMS = &d
	}

	// TotalRequests counts the lifecycle stream only; a later begin for this
	// request still increments it once on adoption.
	e.stats.MatchedRequests++
	e.store.Append(rec)
	e.idx.Add(rec)
	e.stats.CapturedRequests = e.store.Size()
	return rec
}

// mergeIntoLocked enriches an existing record with the capture view. The
// lifecycle view stays authoritative for fields it already filled.
func (e *Engine) mergeIntoLocked(rec *record.Record, ev CaptureEvent) {
	rec.AddSource(record.OriginCapture)
	if ev.Status != nil && rec.Response.StatusCode == nil {
		status := *ev.Status
		rec.Response.StatusCode = &status
	}
	if ev.DurationMS != nil && rec.Performance.DurationMS == nil && e.settings.CapturePerformanceData {
		d := *ev.DurationMS
		rec.Performance.DurationMS = &d
	}
	if rec.Request.Initiator == "" {
		rec.Request.Initiator = ev.InitiatorURL
	}
	if rec.Request.ResourceType == "" {
		rec.Request.ResourceType = ev.ResourceType
	}
}
