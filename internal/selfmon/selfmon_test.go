package selfmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestSample_Fields(t *testing.T) {
	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})

	m, err := New(testLog(), Config{}, health, func() int { return 7 }, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	p := m.Sample(now)

	assert.Equal(t, Measurement, p.Measurement)
	assert.Equal(t, now, p.Time)
	assert.Greater(t, p.Fields["heap_alloc"], 0.0)
	assert.Greater(t, p.Fields["goroutines"], 0.0)
	assert.Greater(t, p.Fields["rss"], 0.0)
	assert.Equal(t, 7.0, p.Fields["buffer_size"])
	assert.Contains(t, p.Tags, "host")

	assert.Greater(t, testutil.ToFloat64(health.MemoryHeap), 0.0)
	assert.Greater(t, testutil.ToFloat64(health.MemoryRSS), 0.0)
}

func TestMonitor_PublishesPeriodically(t *testing.T) {
	var (
		mu     sync.Mutex
		points []export.Point
	)

	m, err := New(testLog(), Config{Enabled: true, Interval: 10 * time.Millisecond}, nil, nil,
		func(_ context.Context, ps []export.Point) {
			mu.Lock()
			defer mu.Unlock()

			points = append(points, ps...)
		})
	require.NoError(t, err)

	m.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(points) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()

	mu.Lock()
	n := len(points)
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, n, len(points))
	assert.NotContains(t, points[0].Fields, "buffer_size")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, time.Minute, cfg.Interval)
}
