// Package selfmon samples the relay's own memory use and publishes it as
// metric points.
package selfmon

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

// Measurement is the name of the points produced by the monitor.
const Measurement = "butler_sos_memory"

// Config configures the self monitor.
type Config struct {
	// Enabled starts periodic sampling.
	Enabled bool `yaml:"enabled"`

	// Interval between samples. Defaults to 60s.
	Interval time.Duration `yaml:"interval"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
}

// PublishFunc delivers sampled points.
type PublishFunc func(ctx context.Context, points []export.Point)

// Monitor samples process memory on an interval.
type Monitor struct {
	log     logrus.FieldLogger
	cfg     Config
	health  *export.HealthMetrics
	publish PublishFunc
	size    func() int
	proc    *process.Process
	host    string
	started time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. bufferSize reports the event buffer length and
// may be nil; health may be nil.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
	bufferSize func() int,
	publish PublishFunc,
) (*Monitor, error) {
	cfg.ApplyDefaults()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening own process: %w", err)
	}

	host, _ := os.Hostname()

	return &Monitor{
		log:     log.WithField("component", "selfmon"),
		cfg:     cfg,
		health:  health,
		publish: publish,
		size:    bufferSize,
		proc:    proc,
		host:    host,
		started: time.Now(),
	}, nil
}

// Sample builds one memory point and updates the health gauges.
func (m *Monitor) Sample(now time.Time) export.Point {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	p := export.NewPoint(Measurement, now)
	p.Tags["host"] = m.host

	p.Fields["heap_alloc"] = float64(ms.HeapAlloc)
	p.Fields["heap_sys"] = float64(ms.HeapSys)
	p.Fields["goroutines"] = float64(runtime.NumGoroutine())
	p.Fields["uptime_seconds"] = now.Sub(m.started).Seconds()

	if mem, err := m.proc.MemoryInfo(); err != nil {
		m.log.WithError(err).Debug("Reading process memory failed")
	} else {
		p.Fields["rss"] = float64(mem.RSS)

		if m.health != nil {
			m.health.MemoryRSS.Set(float64(mem.RSS))
		}
	}

	if m.size != nil {
		p.Fields["buffer_size"] = float64(m.size())
	}

	if m.health != nil {
		m.health.MemoryHeap.Set(float64(ms.HeapAlloc))
	}

	return p
}

// Start begins periodic sampling.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)

	go m.run(ctx)

	m.log.WithField("interval", m.cfg.Interval).Info("Self monitor started")
}

// Stop ends sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p := m.Sample(now.UTC())

			if m.publish != nil {
				m.publish(ctx, []export.Point{p})
			}
		}
	}
}
