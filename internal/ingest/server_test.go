package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/clock"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/errtrack"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memorySink struct {
	mu     sync.Mutex
	events []json.RawMessage
}

func (m *memorySink) Add(ev json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
}

func (m *memorySink) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.events)
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newTestServer(t *testing.T, cfg Config) (*Server, *memorySink, *errtrack.Tracker, *export.HealthMetrics) {
	t.Helper()

	log := testLog()
	sink := &memorySink{}
	tracker := errtrack.New(log, clock.NewMock(time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)))
	health := export.NewHealthMetrics(log, export.HealthConfig{})

	return NewServer(log, cfg, sink, tracker, health), sink, tracker, health
}

func post(s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	return w
}

func TestEvents_SingleObject(t *testing.T) {
	s, sink, _, health := newTestServer(t, Config{})

	w := post(s, `{"type":"login","user":"u1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, sink.events, 1)
	assert.JSONEq(t, `{"type":"login","user":"u1"}`, string(sink.events[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.EventsReceived))

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["accepted"])
	assert.Equal(t, 1, resp["buffer_size"])
}

func TestEvents_Array(t *testing.T) {
	s, sink, _, _ := newTestServer(t, Config{})

	w := post(s, `[{"n":1},{"n":2},{"n":3}]`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, sink.events, 3)
	assert.JSONEq(t, `{"n":3}`, string(sink.events[2]))
}

func TestEvents_NDJSON(t *testing.T) {
	s, sink, _, _ := newTestServer(t, Config{})

	w := post(s, "{\"n\":1}\n{\"n\":2}\n\n{\"n\":3}\n")
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, sink.events, 3)
	assert.JSONEq(t, `{"n":1}`, string(sink.events[0]))
}

func TestEvents_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: "   "},
		{name: "broken json", body: `{"n":`},
		{name: "scalar", body: `42`},
		{name: "array of scalars", body: `[1,2]`},
		{name: "empty array", body: `[]`},
		{name: "ndjson with bad line", body: "{\"n\":1}\nnope\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sink, _, health := newTestServer(t, Config{})

			w := post(s, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, sink.events)
			assert.Equal(t, 1.0, testutil.ToFloat64(health.EventsRejected))
		})
	}
}

func TestEvents_BodyTooLarge(t *testing.T) {
	s, sink, _, _ := newTestServer(t, Config{MaxBodyBytes: 16})

	w := post(s, `{"payload":"this body is longer than sixteen bytes"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, sink.events)
}

func TestErrors_ReturnsStats(t *testing.T) {
	s, _, tracker, _ := newTestServer(t, Config{})

	tracker.IncrementError("HEALTH_API", "server1")
	tracker.IncrementError("HEALTH_API", "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/errors", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Date   string                            `json:"date"`
		Errors map[string]errtrack.APIErrorStats `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "2024-05-14", resp.Date)
	assert.Equal(t, 2, resp.Errors["HEALTH_API"].Total)
	assert.Equal(t, 1, resp.Errors["HEALTH_API"].Servers[errtrack.NoServerContext])
}

func TestErrors_NoTracker(t *testing.T) {
	s := NewServer(testLog(), Config{}, &memorySink{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/errors", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	s, sink, _, _ := newTestServer(t, Config{})
	sink.Add(json.RawMessage(`{}`))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["buffer_size"])
}

func TestServer_StartStop(t *testing.T) {
	s, sink, _, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"})

	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()

	resp, err := http.Post(
		"http://"+s.Addr()+"/api/v1/events",
		"application/json",
		strings.NewReader(`{"a":1}`),
	)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, sink.Size())
}
