// Package relay wires the event buffer, error tracking, retrying writes,
// transport and metric destinations into one running service.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/buffer"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/clock"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/errtrack"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
	httpexport "github.com/ptarmiganlabs/butler-sos-sub004/internal/export/http"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/ingest"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/retry"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/selfmon"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/transport"
)

const (
	// EventsMeasurement is the point written after every buffer flush.
	EventsMeasurement = "butler_sos_events"

	// ErrorsMeasurement is the point written per error counter by the
	// error report job.
	ErrorsMeasurement = "butler_sos_errors"
)

// destination pairs a point destination with the writer gating it.
type destination struct {
	dest   export.Destination
	writer *retry.Writer
}

// Relay is the top-level orchestrator.
type Relay struct {
	log     logrus.FieldLogger
	cfg     Config
	clock   clock.Clock
	health  *export.HealthMetrics
	tracker *errtrack.Tracker
	reset   *errtrack.ResetJob

	transport       *transport.Transport
	transportWriter *retry.Writer
	buffer          *buffer.EventBuffer[json.RawMessage]
	destinations    []destination
	ingest          *ingest.Server
	monitor         *selfmon.Monitor

	// flushCtx outlives the run context so Stop can drain the buffer.
	flushCtx    context.Context
	flushCancel context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Relay from cfg. A nil clock uses the wall clock.
func New(log logrus.FieldLogger, cfg *Config, clk clock.Clock) (*Relay, error) {
	c := *cfg
	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if clk == nil {
		clk = clock.New()
	}

	health := export.NewHealthMetrics(log, c.Health)
	tracker := errtrack.New(log, clk)

	r := &Relay{
		log:     log.WithField("component", "relay"),
		cfg:     c,
		clock:   clk,
		health:  health,
		tracker: tracker,
		reset:   errtrack.NewResetJob(log, clk, tracker),
		buffer:  buffer.New[json.RawMessage](log),
	}

	r.flushCtx, r.flushCancel = context.WithCancel(context.Background())

	tr, err := transport.New(log, c.Transport, clk, health)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	r.transport = tr
	r.transportWriter = retry.NewWriter(log, c.Retry, tracker,
		retry.WithEnabled(tr.Enabled),
		retry.WithHealthMetrics(health),
	)

	if err := r.buildDestinations(log); err != nil {
		return nil, err
	}

	r.buffer.OnFlush(r.handleFlush)
	r.buffer.OnAdd(func(size int) {
		health.BufferSize.Set(float64(size))
	})

	r.reset.OnMidnight(func(_ time.Time) {
		health.MidnightResets.Inc()
		health.DailyErrors.Reset()
	})

	if c.Ingest.Enabled {
		r.ingest = ingest.NewServer(log, c.Ingest, r.buffer, tracker, health)
	}

	if c.SelfMonitor.Enabled {
		monitor, err := selfmon.New(log, c.SelfMonitor, health, r.buffer.Size,
			func(ctx context.Context, points []export.Point) {
				_ = r.PublishPoints(ctx, points)
			})
		if err != nil {
			return nil, fmt.Errorf("creating self monitor: %w", err)
		}

		r.monitor = monitor
	}

	return r, nil
}

func (r *Relay) buildDestinations(log logrus.FieldLogger) error {
	d := r.cfg.Destinations

	// The HTTP destination retries inside its export workers.
	httpWriter := retry.NewWriter(log, r.cfg.Retry, r.tracker,
		retry.WithHealthMetrics(r.health),
	)

	httpDest, err := httpexport.NewDestination(log, d.HTTP, httpWriter)
	if err != nil {
		return fmt.Errorf("creating http destination: %w", err)
	}

	dests := []export.Destination{
		export.NewClickHouseWriter(log, d.ClickHouse),
		httpDest,
		export.NewPushgatewayWriter(log, d.Pushgateway),
		export.NewOTLPExporter(log, d.OTLP),
		export.NewRedisWriter(log, d.Redis),
	}

	for _, dest := range dests {
		r.addDestination(log, dest)
	}

	return nil
}

func (r *Relay) addDestination(log logrus.FieldLogger, dest export.Destination) {
	enabled := 0.0
	if dest.Enabled() {
		enabled = 1
	}

	r.health.DestinationEnabled.WithLabelValues(dest.Name()).Set(enabled)

	r.destinations = append(r.destinations, destination{
		dest: dest,
		writer: retry.NewWriter(log, r.cfg.Retry, r.tracker,
			retry.WithEnabled(dest.Enabled),
			retry.WithHealthMetrics(r.health),
		),
	})
}

// Start starts every component. If a step fails, the steps already
// taken are undone in reverse order before the error is returned.
func (r *Relay) Start(ctx context.Context) (err error) {
	ctx, r.cancel = context.WithCancel(ctx)

	var undo []func()

	defer func() {
		if err == nil {
			return
		}

		r.cancel()

		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}

		r.flushCancel()
	}()

	// 1. Health metrics server.
	if err := r.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	undo = append(undo, func() { _ = r.health.Stop() })

	// 2. Destinations.
	for _, d := range r.destinations {
		if !d.dest.Enabled() {
			continue
		}

		if err := d.dest.Start(r.flushCtx); err != nil {
			return fmt.Errorf("starting destination %s: %w", d.dest.Name(), err)
		}

		undo = append(undo, func() { _ = d.dest.Stop() })
	}

	// 3. Midnight reset and the buffer flush loop.
	r.reset.Start()
	r.buffer.Start(r.cfg.Buffer.FlushInterval)

	undo = append(undo, r.reset.Stop, r.buffer.Stop)

	// 4. Ingest API.
	if r.ingest != nil {
		if err := r.ingest.Start(ctx); err != nil {
			return fmt.Errorf("starting ingest server: %w", err)
		}
	}

	// 5. Self monitor and the error report.
	if r.monitor != nil {
		r.monitor.Start(ctx)
	}

	if r.cfg.ErrorReport.Enabled {
		r.wg.Add(1)

		go r.runErrorReport(ctx)
	}

	r.log.WithFields(logrus.Fields{
		"flush_interval": r.cfg.Buffer.FlushInterval,
		"transport":      r.transport.Enabled(),
		"destinations":   len(r.enabledDestinations()),
	}).Info("Relay started")

	return nil
}

// Stop shuts every component down. Buffered events are flushed before
// destinations close.
func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()

	var errs []error

	if r.monitor != nil {
		r.monitor.Stop()
	}

	if r.ingest != nil {
		if err := r.ingest.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping ingest server: %w", err))
		}
	}

	r.buffer.Stop()
	r.reset.Stop()

	for _, d := range r.destinations {
		if err := d.dest.Stop(); err != nil {
			r.log.WithError(err).WithField("destination", d.dest.Name()).
				Error("Error stopping destination")
		}
	}

	r.flushCancel()

	if err := r.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}

	if err := r.health.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping health metrics: %w", err))
	}

	r.log.Info("Relay stopped")

	return errors.Join(errs...)
}

// Add buffers one event.
func (r *Relay) Add(event json.RawMessage) {
	r.buffer.Add(event)
	r.health.EventsReceived.Inc()
}

// Flush sends whatever is buffered now.
func (r *Relay) Flush() {
	r.buffer.Flush()
}

// Tracker returns the error tracker.
func (r *Relay) Tracker() *errtrack.Tracker {
	return r.tracker
}

// Health returns the health metrics.
func (r *Relay) Health() *export.HealthMetrics {
	return r.health
}

// IngestAddr returns the ingest server address, or "" when disabled.
func (r *Relay) IngestAddr() string {
	if r.ingest == nil {
		return ""
	}

	return r.ingest.Addr()
}

func (r *Relay) handleFlush(events []json.RawMessage) {
	start := time.Now()

	wctx := retry.Context{
		APIType:    transport.APIType,
		ServerName: r.transport.ServerName(),
	}

	err := r.transportWriter.WriteWithRetry(r.flushCtx, wctx, func(ctx context.Context) error {
		return r.transport.Send(ctx, events)
	})

	r.health.BufferFlushes.Inc()
	r.health.FlushDuration.Observe(time.Since(start).Seconds())

	delivered := 0.0

	switch {
	case err != nil:
		r.log.WithError(err).WithField("events", len(events)).
			Error("Dropping flushed events after failed delivery")
	case !r.transport.Enabled():
		r.log.WithField("events", len(events)).
			Debug("Transport disabled, discarding flushed events")
	default:
		delivered = 1

		r.health.EventsFlushed.Add(float64(len(events)))
	}

	p := export.NewPoint(EventsMeasurement, r.clock.Now().UTC())
	p.Tags["server"] = wctx.ServerName
	p.Fields["events"] = float64(len(events))
	p.Fields["delivered"] = delivered
	p.Fields["duration_seconds"] = time.Since(start).Seconds()

	_ = r.PublishPoints(r.flushCtx, []export.Point{p})
}

func (r *Relay) enabledDestinations() []destination {
	out := make([]destination, 0, len(r.destinations))

	for _, d := range r.destinations {
		if d.writer.Enabled() {
			out = append(out, d)
		}
	}

	return out
}

// PublishPoints writes points to every enabled destination concurrently.
// Each write is retried and counted on its own; the first failure is
// returned once all writes have finished.
func (r *Relay) PublishPoints(ctx context.Context, points []export.Point) error {
	if len(points) == 0 {
		return nil
	}

	var g errgroup.Group

	for _, d := range r.enabledDestinations() {
		g.Go(func() error {
			wctx := retry.Context{
				APIType:    d.dest.Name(),
				ServerName: d.dest.ServerName(),
			}

			err := d.writer.WriteWithRetry(ctx, wctx, func(ctx context.Context) error {
				return d.dest.WritePoints(ctx, points)
			})
			if err != nil {
				return err
			}

			r.health.PointsWritten.WithLabelValues(d.dest.Name()).Add(float64(len(points)))

			return nil
		})
	}

	return g.Wait()
}

// ReportErrors mirrors the current error counters into the health gauges
// and publishes them as points.
func (r *Relay) ReportErrors(ctx context.Context) error {
	counts := r.tracker.ErrorCounts()

	r.health.DailyErrors.Reset()

	if len(counts) == 0 {
		return nil
	}

	now := r.clock.Now().UTC()
	points := make([]export.Point, 0, len(counts))

	for _, c := range counts {
		server := c.ServerName
		if server == "" {
			server = errtrack.NoServerContext
		}

		r.health.DailyErrors.WithLabelValues(c.APIType, server).Set(float64(c.Count))

		p := export.NewPoint(ErrorsMeasurement, now)
		p.Tags["api_type"] = c.APIType
		p.Tags["server"] = server
		p.Fields["count"] = float64(c.Count)

		points = append(points, p)
	}

	return r.PublishPoints(ctx, points)
}

func (r *Relay) runErrorReport(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ErrorReport.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReportErrors(ctx); err != nil {
				r.log.WithError(err).Debug("Error report incomplete")
			}
		}
	}
}
