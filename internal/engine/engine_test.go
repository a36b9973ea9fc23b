package engine

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/saver"
	"github.com/tracecap/tracecap/internal/snapshot"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

type memSink struct {
	mu     sync.Mutex
	writes map[string][]byte
	wrote  chan string
}

func newMemSink() *memSink {
	return &memSink{writes: make(map[string][]byte), wrote: make(chan string, 64)}
}

func (m *memSink) Write(relPath string, payload []byte) error {
	m.mu.Lock()
	m.writes[relPath] = payload
	m.mu.Unlock()
	m.wrote <- relPath
	return nil
}

func (m *memSink) get(relPath string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[relPath]
}

func (m *memSink) waitWrite(t *testing.T) string {
	t.Helper()
	select {
	case path := <-m.wrote:
		return path
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sink write")
		return ""
	}
}

func testConfig() Config {
	return Config{
		MaxRecords:        1500,
		MergeCandidateCap: 20,
		RelaxedScanDepth:  100,
		RelaxedScanWindow: 10 * time.Second,
		SnapshotRecords:   120,
		RegexCacheSize:    64,
		Save: saver.Config{
			Delay:   10 * time.Millisecond,
			MaxWait: 300 * time.Millisecond,
		},
		PersistDebounce: 30 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T) (*Engine, *memSink, *memKV) {
	t.Helper()
	sink := newMemSink()
	kv := newMemKV()
	eng, err := New(testConfig(), sink, kv)
	require.NoError(t, err)
	eng.SetCaptureEnabled(true)
	return eng, sink, kv
}

func begin(id, url string) BeginEvent {
	return BeginEvent{
		ExternalID:  id,
		TabID:       7,
		URL:         url,
		Method:      "GET",
		TimestampMS: time.Now().UnixMilli(),
	}
}

func TestEngine_LifecycleThenCaptureProducesOneRecord(t *testing.T) {
	eng, sink, _ := newTestEngine(t)

	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	eng.OnHeadersReceived(HeadersReceivedEvent{
		ExternalID: "req-1",
		StatusCode: 200,
		Headers:    []record.Header{{Name: "Content-Type", Value: "application/json"}},
	})
	eng.OnComplete(CompleteEvent{ExternalID: "req-1", TimestampMS: time.Now().UnixMilli()})

	tab := 7
	eng.MergeCapture(CaptureEvent{
		Method:       "GET",
		URL:          "https://a.com/api/users",
		TabID:        &tab,
		ResponseBody: `{"users":[1,2]}`,
	})

	state := eng.State()
	require.Equal(t, 1, state.RecordCount)
	rec := state.RecentRecords[0]
	assert.ElementsMatch(t, []record.Origin{record.OriginLifecycle, record.OriginCapture}, rec.Source)
	require.NotNil(t, rec.Response.StatusCode)
	assert.Equal(t, 200, *rec.Response.StatusCode)
	assert.True(t, rec.Response.Body.HasBody)
	assert.Equal(t, `{"users":[1,2]}`, rec.Response.Body.Preview)

	// The realtime save carries the full body.
	path := sink.waitWrite(t)
	payload := sink.get(path)
	assert.Equal(t, `{"users":[1,2]}`,
		gjson.GetBytes(payload, "record.response.response_body").String())
}

func TestEngine_CaptureBeforeCompleteMergesIntoLiveRecord(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	eng.OnBegin(begin("req-1", "https://a.com/api/orders"))

	tab := 7
	eng.MergeCapture(CaptureEvent{
		Method:       "GET",
		URL:          "https://a.com/api/orders",
		TabID:        &tab,
		ResponseBody: `{"orders":[]}`,
	})
	eng.OnComplete(CompleteEvent{ExternalID: "req-1", TimestampMS: time.Now().UnixMilli()})

	state := eng.State()
	require.Equal(t, 1, state.RecordCount)
	assert.True(t, state.RecentRecords[0].Response.Body.HasBody)
	require.NotNil(t, state.RecentRecords[0].Performance.EndTime)
}

func TestEngine_RelaxedMergeIgnoresTabMismatch(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	eng.OnBegin(begin("req-1", "https://a.com/api/search?q=x"))

	// No tab id on the capture side, so the exact merge key cannot match;
	// the relaxed scan pairs it by method and normalized URL.
	eng.MergeCapture(CaptureEvent{
		Method:       "GET",
		URL:          "https://a.com/api/search?q=x#results",
		ResponseBody: `{"hits":3}`,
	})

	state := eng.State()
	require.Equal(t, 1, state.RecordCount)
	assert.True(t, state.RecentRecords[0].Response.Body.HasBody)
}

func TestEngine_CaptureBeforeBeginAdoptsRecord(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	// The capture stream can outrun the lifecycle begin for the same request.
	tab := 7
	eng.MergeCapture(CaptureEvent{
		Method:       "GET",
		URL:          "https://a.com/api/users",
		TabID:        &tab,
		ResponseBody: `{"users":[]}`,
	})
	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	eng.OnComplete(CompleteEvent{ExternalID: "req-1", TimestampMS: time.Now().UnixMilli()})

	state := eng.State()
	require.Equal(t, 1, state.RecordCount)
	rec := state.RecentRecords[0]
	assert.Equal(t, []record.Origin{record.OriginCapture, record.OriginLifecycle}, rec.Source)
	assert.Equal(t, "req-1", rec.Request.ExternalID)
	assert.True(t, rec.Response.Body.HasBody)
	require.NotNil(t, rec.Performance.EndTime)
	assert.Equal(t, int64(1), state.Stats.TotalRequests)
	assert.Equal(t, int64(1), state.Stats.MatchedRequests)
}

func TestEngine_CaptureAloneOpensRecord(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	eng.MergeCapture(CaptureEvent{
		Method:      "POST",
		URL:         "/api/submit",
		TabURL:      "https://a.com/form",
		RequestBody: `{"name":"x"}`,
	})

	state := eng.State()
	require.Equal(t, 1, state.RecordCount)
	rec := state.RecentRecords[0]
	assert.Equal(t, []record.Origin{record.OriginCapture}, rec.Source)
	assert.Equal(t, "https://a.com/api/submit", rec.Request.URL)
	assert.True(t, rec.Request.Body.HasBody)
	assert.Equal(t, int64(0), state.Stats.TotalRequests)
	assert.Equal(t, int64(1), state.Stats.MatchedRequests)
}

func TestEngine_DisabledCaptureDropsEverything(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.SetCaptureEnabled(false)

	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	eng.MergeCapture(CaptureEvent{Method: "GET", URL: "https://a.com/api/users"})

	state := eng.State()
	assert.Equal(t, 0, state.RecordCount)
	assert.Equal(t, int64(0), state.Stats.TotalRequests)
}

func TestEngine_ExcludeAndStaticCounters(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, verrs, err := eng.UpdateSettings([]byte(`{
		"url_exclude_rules": [{"pattern": "health", "enabled": true}],
		"ignore_static_resources": true
	}`))
	require.NoError(t, err)
	require.Empty(t, verrs)

	eng.OnBegin(begin("req-1", "https://a.com/api/health"))
	eng.OnBegin(begin("req-2", "https://a.com/static/app.js"))
	eng.OnBegin(begin("req-3", "https://a.com/api/users"))

	stats := eng.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.ExcludedRequests)
	assert.Equal(t, int64(1), stats.StaticIgnoredRequests)
	assert.Equal(t, int64(1), stats.MatchedRequests)
	assert.Equal(t, 1, eng.State().RecordCount)
}

func TestEngine_InvalidRuleIsolatedInDiagnostics(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, verrs, err := eng.UpdateSettings([]byte(`{
		"url_filter_rules": [
			{"pattern": "api/users", "enabled": true},
			{"pattern": "([broken", "enabled": true}
		]
	}`))
	require.NoError(t, err)
	require.Empty(t, verrs)

	state := eng.State()
	assert.Equal(t, 1, state.ActiveRuleCount)
	assert.Contains(t, state.Stats.LastError, "([broken")

	// The surviving rule still captures.
	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	assert.Equal(t, 1, eng.State().RecordCount)
}

func TestEngine_UpdateSettingsRejectsBadTypes(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	before := eng.Settings()

	_, verrs, err := eng.UpdateSettings([]byte(`{"capture_enabled": "yes"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, verrs)
	assert.Equal(t, before, eng.Settings())
}

func TestEngine_SettingsPersistAcrossRestart(t *testing.T) {
	sink := newMemSink()
	kv := newMemKV()
	eng, err := New(testConfig(), sink, kv)
	require.NoError(t, err)
	_, verrs, err := eng.UpdateSettings([]byte(`{"capture_enabled": true, "save_path": "team//caps"}`))
	require.NoError(t, err)
	require.Empty(t, verrs)

	reopened, err := New(testConfig(), newMemSink(), kv)
	require.NoError(t, err)
	s := reopened.Settings()
	assert.True(t, s.CaptureEnabled)
	assert.Equal(t, "team/caps", s.SavePath)
}

func TestEngine_Clear(t *testing.T) {
	eng, _, kv := newTestEngine(t)
	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	require.Equal(t, 1, eng.State().RecordCount)

	eng.Clear()

	state := eng.State()
	assert.Equal(t, 0, state.RecordCount)
	assert.Equal(t, Stats{}, state.Stats)

	data, ok, err := kv.Get(snapshot.KeyCaptureData)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[]`, string(data))
}

func TestEngine_EvictionKeepsQueriesConsistent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecords = 2
	eng, err := New(cfg, newMemSink(), newMemKV())
	require.NoError(t, err)
	eng.SetCaptureEnabled(true)

	eng.OnBegin(begin("req-1", "https://a.com/api/1"))
	eng.OnBegin(begin("req-2", "https://a.com/api/2"))
	eng.OnBegin(begin("req-3", "https://a.com/api/3"))

	state := eng.State()
	assert.Equal(t, 2, state.RecordCount)
	assert.Equal(t, int64(3), state.Stats.MatchedRequests)

	urls := []string{state.RecentRecords[0].Request.URL, state.RecentRecords[1].Request.URL}
	assert.ElementsMatch(t, []string{"https://a.com/api/2", "https://a.com/api/3"}, urls)

	// The date index follows eviction.
	today := time.Now().Format("2006-01-02")
	assert.Len(t, eng.RecordsByDate(today), 2)
}

func TestEngine_RuleStats(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, verrs, err := eng.UpdateSettings([]byte(`{
		"url_filter_rules": [
			{"pattern": "api/users", "enabled": true},
			{"pattern": "api/orders", "enabled": true}
		]
	}`))
	require.NoError(t, err)
	require.Empty(t, verrs)

	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	eng.OnBegin(begin("req-2", "https://a.com/api/users?page=2"))
	eng.OnBegin(begin("req-3", "https://a.com/api/orders"))
	eng.OnBegin(begin("req-4", "https://a.com/other"))

	stats := eng.RuleStats()
	assert.Equal(t, 3, stats.TotalRecords)
	require.Len(t, stats.Rules, 2)
	assert.Equal(t, uint64(2), stats.Rules[0].Count)
	assert.Equal(t, "api/users", stats.Rules[0].Pattern)
	assert.Equal(t, uint64(1), stats.Rules[1].Count)
	assert.Equal(t, uint64(0), stats.Unruled)
}

func TestEngine_StateRecentWindowNewestFirst(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, verrs, err := eng.UpdateSettings([]byte(`{"recent_window": 10}`))
	require.NoError(t, err)
	require.Empty(t, verrs)

	for i := 0; i < 15; i++ {
		eng.OnBegin(begin(record.NewID(), "https://a.com/api/seq/"+strings.Repeat("x", i+1)))
	}

	state := eng.State()
	assert.Equal(t, 15, state.RecordCount)
	require.Len(t, state.RecentRecords, 10)
	assert.Equal(t, "https://a.com/api/seq/"+strings.Repeat("x", 15), state.RecentRecords[0].Request.URL)
	assert.Equal(t, "https://a.com/api/seq/"+strings.Repeat("x", 6), state.RecentRecords[9].Request.URL)
}

func TestEngine_ExportWritesAggregateFile(t *testing.T) {
	eng, sink, _ := newTestEngine(t)
	eng.OnBegin(begin("req-1", "https://a.com/api/users"))

	name, err := eng.Export()
	require.NoError(t, err)
	assert.Contains(t, name, "network_capture_")

	payload := sink.get(name)
	require.NotNil(t, payload)
	assert.Equal(t, int64(1), gjson.GetBytes(payload, "record_count").Int())

	stats := eng.Stats()
	require.NotNil(t, stats.LastExportTime)
}

func TestEngine_SaveFailureIsTerminalButVisible(t *testing.T) {
	cfg := testConfig()
	sink := &failingSink{}
	eng, err := New(cfg, sink, newMemKV())
	require.NoError(t, err)
	eng.SetCaptureEnabled(true)
	_, verrs, err := eng.UpdateSettings([]byte(`{"capture_response_data": false, "capture_enabled": true}`))
	require.NoError(t, err)
	require.Empty(t, verrs)

	eng.OnBegin(begin("req-1", "https://a.com/api/users"))
	eng.OnComplete(CompleteEvent{ExternalID: "req-1"})

	assert.Eventually(t, func() bool {
		stats := eng.Stats()
		return stats.ErrorCount == 1 && strings.Contains(stats.LastError, "realtime save failed")
	}, 5*time.Second, 10*time.Millisecond)

	// The record itself is still resident and queryable.
	assert.Equal(t, 1, eng.State().RecordCount)
}

type failingSink struct{}

func (f *failingSink) Write(string, []byte) error {
	return assert.AnError
}
