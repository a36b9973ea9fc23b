package saver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/settings"
)

// memSink records writes; Write is called off the engine lock so it guards
// its own state.
type memSink struct {
	mu     sync.Mutex
	writes map[string][]byte
	fail   error
}

func newMemSink() *memSink {
	return &memSink{writes: make(map[string][]byte)}
}

func (m *memSink) Write(relPath string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.writes[relPath] = payload
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *memSink) only() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, payload := range m.writes {
		return payload
	}
	return nil
}

// testHarness stands in for the correlation engine: a mutex as the engine
// lock and a channel signalling write results.
type testHarness struct {
	mu       sync.Mutex
	sink     *memSink
	saver    *Saver
	settings settings.Settings
	results  chan error
}

func newHarness(t *testing.T, cfg Config, s settings.Settings) *testHarness {
	t.Helper()
	h := &testHarness{
		sink:     newMemSink(),
		settings: s,
		results:  make(chan error, 16),
	}
	exec := func(f func()) {
		h.mu.Lock()
		defer h.mu.Unlock()
		f()
	}
	h.saver = New(cfg, h.sink, func() settings.Settings { return h.settings }, exec,
		func(_ *record.Record, err error) { h.results <- err })
	return h
}

func (h *testHarness) enqueue(rec *record.Record, opts Options) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saver.Enqueue(rec, opts)
}

func (h *testHarness) waitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.results:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for save result")
		return nil
	}
}

func saveSettings() settings.Settings {
	s := settings.Default()
	s.CaptureEnabled = true
	s.CaptureResponseData = false
	return s
}

func saverRecord() *record.Record {
	return &record.Record{
		ID:        record.NewID(),
		CreatedAt: time.Now(),
		Request: record.RequestInfo{
			URL:    "https://a.com/api/users",
			Method: "GET",
			TabID:  1,
		},
		Match: record.MatchOutcome{Matched: true, Mode: record.ModeAll},
	}
}

func TestSaver_SavesAfterDelay(t *testing.T) {
	h := newHarness(t, Config{Delay: 10 * time.Millisecond, MaxWait: time.Second}, saveSettings())
	rec := saverRecord()

	h.enqueue(rec, Options{})
	require.NoError(t, h.waitResult(t))

	assert.Equal(t, 1, h.sink.count())
	h.mu.Lock()
	assert.True(t, h.saver.IsSaved(rec.ID))
	assert.Equal(t, 0, h.saver.PendingCount())
	h.mu.Unlock()
}

func TestSaver_CoalescesPendingEnqueues(t *testing.T) {
	h := newHarness(t, Config{Delay: 30 * time.Millisecond, MaxWait: time.Second}, saveSettings())
	rec := saverRecord()

	h.enqueue(rec, Options{})
	h.enqueue(rec, Options{})
	h.enqueue(rec, Options{})

	require.NoError(t, h.waitResult(t))
	assert.Equal(t, 1, h.sink.count())

	select {
	case <-h.results:
		t.Fatal("coalesced enqueues must produce a single write")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSaver_SavedRecordIsNeverRewritten(t *testing.T) {
	h := newHarness(t, Config{Delay: 5 * time.Millisecond, MaxWait: time.Second}, saveSettings())
	rec := saverRecord()

	h.enqueue(rec, Options{})
	require.NoError(t, h.waitResult(t))

	h.enqueue(rec, Options{Force: true})
	select {
	case <-h.results:
		t.Fatal("already-saved record was written again")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, h.sink.count())
}

func TestSaver_WaitsForBodyThenForcesProgress(t *testing.T) {
	s := saveSettings()
	s.CaptureResponseData = true
	h := newHarness(t, Config{Delay: 10 * time.Millisecond, MaxWait: 150 * time.Millisecond}, s)
	rec := saverRecord()

	start := time.Now()
	h.enqueue(rec, Options{})
	require.NoError(t, h.waitResult(t))

	// No response body ever arrived; the save still happened, but only after
	// the merge wait elapsed.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 1, h.sink.count())
}

func TestSaver_ForcedEnqueueAttachesBodies(t *testing.T) {
	s := saveSettings()
	s.CaptureResponseData = true
	s.CaptureRequestData = true
	h := newHarness(t, Config{Delay: 20 * time.Millisecond, MaxWait: 5 * time.Second}, s)
	rec := saverRecord()
	rec.Request.Body = record.BodySummary{HasBody: true, Size: 12}
	rec.Response.Body = record.BodySummary{HasBody: true, Size: 14}

	h.enqueue(rec, Options{})
	h.enqueue(rec, Options{
		Force: true,
		Hint:  BodyHint{RequestBody: `{"q":"users"}`, ResponseBody: `{"users":[1]}`},
	})
	require.NoError(t, h.waitResult(t))

	payload := h.sink.only()
	require.NotNil(t, payload)
	assert.Equal(t, `{"q":"users"}`, gjson.GetBytes(payload, "record.request.request_body.value").String())
	assert.Equal(t, `{"users":[1]}`, gjson.GetBytes(payload, "record.response.response_body").String())
	assert.Equal(t, "realtime-single-record", gjson.GetBytes(payload, "mode").String())
}

func TestSaver_DiscardCancelsPendingSave(t *testing.T) {
	h := newHarness(t, Config{Delay: 30 * time.Millisecond, MaxWait: time.Second}, saveSettings())
	rec := saverRecord()

	h.enqueue(rec, Options{})
	h.mu.Lock()
	h.saver.Discard(rec)
	assert.Equal(t, 0, h.saver.PendingCount())
	h.mu.Unlock()

	select {
	case <-h.results:
		t.Fatal("discarded record was saved")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, 0, h.sink.count())
}

func TestSaver_WriteFailureIsTerminalAndReported(t *testing.T) {
	h := newHarness(t, Config{Delay: 5 * time.Millisecond, MaxWait: time.Second}, saveSettings())
	h.sink.fail = errors.New("disk full")
	rec := saverRecord()

	h.enqueue(rec, Options{})
	err := h.waitResult(t)
	require.Error(t, err)

	h.mu.Lock()
	assert.False(t, h.saver.IsSaved(rec.ID))
	h.mu.Unlock()
}

func TestBuildPayload_DropsResidentPreviews(t *testing.T) {
	s := saveSettings()
	rec := saverRecord()
	rec.Request.Body = record.BodySummary{HasBody: true, Size: 4, Preview: "ping"}
	rec.Response.Body = record.BodySummary{HasBody: true, Size: 4, Preview: "pong"}

	payload, err := BuildPayload(rec, BodyHint{RequestBody: "ping", ResponseBody: "pong"}, s)
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(payload, "record.request.body.body_preview").Exists())
	assert.False(t, gjson.GetBytes(payload, "record.response.body.body_preview").Exists())
	assert.True(t, gjson.GetBytes(payload, "record.request.body.has_body").Bool())
}

func TestBuildPayload_ClampsBodies(t *testing.T) {
	s := saveSettings()
	s.MaxBodyLength = 10
	rec := saverRecord()
	rec.Response.Body = record.BodySummary{HasBody: true, Size: 100}

	payload, err := BuildPayload(rec, BodyHint{ResponseBody: "0123456789abcdef"}, s)
	require.NoError(t, err)
	body := gjson.GetBytes(payload, "record.response.response_body").String()
	assert.Contains(t, body, "0123456789")
	assert.Contains(t, body, "<TRUNCATED 6 chars>")
}
