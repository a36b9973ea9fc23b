package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"

	"github.com/tracecap/tracecap/internal/engine"
	"github.com/tracecap/tracecap/internal/query"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	return body, true
}

// handleLifecycle dispatches a lifecycle event by its type tag. Events for
// requests the engine does not know are accepted and dropped, so senders
// never need to track match state.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch probe.Type {
	case "begin":
		var ev engine.BeginEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid begin event")
			return
		}
		s.eng.OnBegin(ev)
	case "headers_sent":
		var ev engine.HeadersSentEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid headers_sent event")
			return
		}
		s.eng.OnHeadersSent(ev)
	case "headers_received":
		var ev engine.HeadersReceivedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid headers_received event")
			return
		}
		s.eng.OnHeadersReceived(ev)
	case "complete":
		var ev engine.CompleteEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid complete event")
			return
		}
		s.eng.OnComplete(ev)
	case "error":
		var ev engine.CompleteEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid error event")
			return
		}
		s.eng.OnError(ev)
	default:
		writeError(w, http.StatusBadRequest, "unknown lifecycle event type")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCapture accepts a capture-stream event. The stream comes from
// instrumented pages, so parsing is deliberately loose: numeric fields may
// arrive as strings, bodies may be raw JSON instead of a string, and unknown
// fields are ignored.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	doc := gjson.ParseBytes(body)

	ev := engine.CaptureEvent{
		Method:       doc.Get("method").String(),
		URL:          firstString(doc, "url", "request_url"),
		RequestBody:  bodyString(doc.Get("request_body")),
		ResponseBody: bodyString(doc.Get("response_body")),
		ResourceType: doc.Get("resource_type").String(),
		InitiatorURL: firstString(doc, "initiator_url", "initiator"),
		TabURL:       doc.Get("tab_url").String(),
	}
	if ev.URL == "" {
		writeError(w, http.StatusBadRequest, "capture event missing url")
		return
	}
	if v := doc.Get("tab_id"); v.Exists() {
		tab := int(v.Int())
		ev.TabID = &tab
	}
	if v := doc.Get("status"); v.Exists() {
		status := int(v.Int())
		ev.Status = &status
	}
	if v := doc.Get("duration_ms"); v.Exists() {
		d := v.Float()
		ev.DurationMS = &d
	}

	s.eng.MergeCapture(ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// firstString returns the first non-empty string among the given paths.
func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// bodyString renders a body field: strings as-is, structured values as
// their raw JSON text.
func bodyString(v gjson.Result) string {
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Raw
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.eng.State())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	updated, verrs, err := s.eng.UpdateSettings(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings document")
		return
	}
	if len(verrs) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "settings rejected", verrs...)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleToggleCapture(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	writeJSON(w, http.StatusOK, s.eng.SetCaptureEnabled(req.Enabled))
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.eng.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRecordsByDate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "missing date parameter (YYYY-MM-DD)")
		return
	}
	records := s.eng.RecordsByDate(date)
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date,
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleLatestRecord(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	latest, ok := s.eng.LatestRecordFile()
	if !ok {
		writeError(w, http.StatusNotFound, "no records captured")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleRuleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.eng.RuleStats())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Expression  string `json:"expression"`
		Deduplicate bool   `json:"deduplicate"`
		MaxResults  int    `json:"max_results"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Expression == "" {
		writeError(w, http.StatusBadRequest, "missing expression")
		return
	}
	result, err := query.Run(s.eng.AllRecords(), req.Expression, req.Deduplicate, req.MaxResults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	name, err := s.eng.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": name})
}
