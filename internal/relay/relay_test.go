package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/clock"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/errtrack"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
	httpexport "github.com/ptarmiganlabs/butler-sos-sub004/internal/export/http"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/transport"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	return log
}

// recorder is an HTTP endpoint that stores request bodies and answers
// with a fixed status.
type recorder struct {
	mu     sync.Mutex
	status int
	bodies [][]byte
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	status := r.status
	r.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}

	w.WriteHeader(status)
}

func (r *recorder) requests() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]byte(nil), r.bodies...)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Health.Addr = "127.0.0.1:0"
	cfg.Ingest.Enabled = false
	cfg.ErrorReport.Enabled = false
	cfg.Buffer.FlushInterval = time.Hour
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond

	return cfg
}

func startRelay(t *testing.T, cfg *Config, clk clock.Clock) *Relay {
	t.Helper()

	r, err := New(testLog(), cfg, clk)
	require.NoError(t, err)
	require.NoError(t, r.Start(t.Context()))

	return r
}

func TestRelay_FlushSendsPayload(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testConfig()
	cfg.Transport.Enabled = true
	cfg.Transport.Endpoint = srv.URL + "/events"
	cfg.Transport.User = "svc"

	r := startRelay(t, cfg, nil)
	defer r.Stop()

	r.Add(json.RawMessage(`{"n":1}`))
	r.Add(json.RawMessage(`{"n":2}`))
	r.Flush()

	reqs := rec.requests()
	require.Len(t, reqs, 1)

	var payload transport.Payload
	require.NoError(t, json.Unmarshal(reqs[0], &payload))

	assert.Equal(t, transport.PayloadVersion, payload.Version)
	assert.Equal(t, "svc", payload.Source.User)
	require.Len(t, payload.Events, 2)
	assert.JSONEq(t, `{"n":2}`, string(payload.Events[1]))

	h := r.Health()
	assert.Equal(t, 2.0, testutil.ToFloat64(h.EventsReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.EventsFlushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.BufferFlushes))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.BufferSize))
	assert.Empty(t, r.Tracker().ErrorCounts())
}

func TestRelay_FlushFailureCountedOnce(t *testing.T) {
	rec := &recorder{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testConfig()
	cfg.Transport.Enabled = true
	cfg.Transport.Endpoint = srv.URL

	r := startRelay(t, cfg, nil)
	defer r.Stop()

	r.Add(json.RawMessage(`{"n":1}`))
	r.Flush()

	assert.Len(t, rec.requests(), 2)

	counts := r.Tracker().ErrorCounts()
	require.Len(t, counts, 1)
	assert.Equal(t, transport.APIType, counts[0].APIType)
	assert.Equal(t, httpexport.HostOf(srv.URL), counts[0].ServerName)
	assert.Equal(t, 1, counts[0].Count)

	assert.Equal(t, 0.0, testutil.ToFloat64(r.Health().EventsFlushed))
	assert.Equal(t, 0, r.buffer.Size())
}

func TestRelay_TransportDisabledDropsQuietly(t *testing.T) {
	r := startRelay(t, testConfig(), nil)
	defer r.Stop()

	r.Add(json.RawMessage(`{"n":1}`))
	r.Flush()

	assert.Empty(t, r.Tracker().ErrorCounts())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Health().BufferFlushes))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Health().EventsFlushed))
}

func TestRelay_StopDrainsBuffer(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testConfig()
	cfg.Transport.Enabled = true
	cfg.Transport.Endpoint = srv.URL

	r := startRelay(t, cfg, nil)

	r.Add(json.RawMessage(`{"n":1}`))
	require.NoError(t, r.Stop())

	require.Len(t, rec.requests(), 1)
}

func TestRelay_PublishPointsToHTTPDestination(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testConfig()
	cfg.Destinations.HTTP = httpexport.DefaultConfig()
	cfg.Destinations.HTTP.Enabled = true
	cfg.Destinations.HTTP.Address = srv.URL
	cfg.Destinations.HTTP.Compression = httpexport.CompressionNone
	cfg.Destinations.HTTP.BatchTimeout = 10 * time.Millisecond

	r := startRelay(t, cfg, nil)
	defer r.Stop()

	h := r.Health()
	assert.Equal(t, 1.0, testutil.ToFloat64(h.DestinationEnabled.WithLabelValues("HTTP_NDJSON")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.DestinationEnabled.WithLabelValues("CLICKHOUSE_WRITE")))

	p := export.NewPoint("cpu", time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC))
	p.Tags["host"] = "qs1"
	p.Fields["load"] = 0.5

	require.NoError(t, r.PublishPoints(t.Context(), []export.Point{p}))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.PointsWritten.WithLabelValues("HTTP_NDJSON")))

	require.Eventually(t, func() bool {
		return len(rec.requests()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	sc := bufio.NewScanner(bytes.NewReader(rec.requests()[0]))
	require.True(t, sc.Scan())

	var got export.Point
	require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
	assert.Equal(t, "cpu", got.Measurement)
	assert.Equal(t, "qs1", got.Tags["host"])
	assert.Equal(t, 0.5, got.Fields["load"])
}

func TestRelay_PublishPointsWithoutDestinations(t *testing.T) {
	r, err := New(testLog(), testConfig(), nil)
	require.NoError(t, err)

	assert.NoError(t, r.PublishPoints(t.Context(), []export.Point{export.NewPoint("x", time.Now())}))
	assert.Empty(t, r.enabledDestinations())
}

func TestRelay_ReportErrors(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC))

	r, err := New(testLog(), testConfig(), clk)
	require.NoError(t, err)

	r.Tracker().IncrementError("HEALTH_API", "server1")
	r.Tracker().IncrementError("HEALTH_API", "server1")
	r.Tracker().IncrementError("USER_EVENTS", "")

	require.NoError(t, r.ReportErrors(t.Context()))

	g := r.Health().DailyErrors
	assert.Equal(t, 2.0, testutil.ToFloat64(g.WithLabelValues("HEALTH_API", "server1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.WithLabelValues("USER_EVENTS", errtrack.NoServerContext)))
}

func TestRelay_MidnightResetsCounters(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 5, 14, 23, 59, 0, 0, time.UTC))

	r := startRelay(t, testConfig(), clk)
	defer r.Stop()

	r.Tracker().IncrementError("HEALTH_API", "server1")
	require.NoError(t, r.ReportErrors(t.Context()))

	clk.Add(2 * time.Minute)

	assert.Empty(t, r.Tracker().ErrorCounts())
	assert.Equal(t, "2024-05-15", r.Tracker().LastResetDate())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Health().MidnightResets))
	assert.Equal(t, 0, testutil.CollectAndCount(r.Health().DailyErrors))

	// The next cycle is armed for the following midnight.
	assert.Equal(t, 1, clk.Pending())
}

func TestRelay_IngestToTransport(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testConfig()
	cfg.Ingest.Enabled = true
	cfg.Ingest.Addr = "127.0.0.1:0"
	cfg.Transport.Enabled = true
	cfg.Transport.Endpoint = srv.URL

	r := startRelay(t, cfg, nil)
	defer r.Stop()

	resp, err := http.Post(
		"http://"+r.IngestAddr()+"/api/v1/events",
		"application/json",
		strings.NewReader(`[{"a":1},{"a":2}]`),
	)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	r.Flush()

	reqs := rec.requests()
	require.Len(t, reqs, 1)

	var payload transport.Payload
	require.NoError(t, json.Unmarshal(reqs[0], &payload))
	assert.Len(t, payload.Events, 2)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Multiplier = 0.5

	_, err := New(testLog(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry")
}

func TestRelay_StartFailureUndoesEarlierSteps(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	clk := clock.NewMock(time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC))

	cfg := testConfig()
	cfg.Ingest.Enabled = true
	cfg.Ingest.Addr = busy.Addr().String()

	r, err := New(testLog(), cfg, clk)
	require.NoError(t, err)

	err = r.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting ingest server")

	// The midnight timer was cancelled and the health server closed.
	assert.Zero(t, clk.Pending())

	_, err = http.Get("http://" + r.Health().Addr() + "/healthz")
	assert.Error(t, err)

	clk.Add(48 * time.Hour)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Health().MidnightResets))
}
