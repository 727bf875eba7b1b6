package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OTLPConfig configures the OTLP metric destination.
type OTLPConfig struct {
	// Enabled turns the destination on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the gRPC OTLP endpoint (e.g. "otel-collector:4317").
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the gRPC connection.
	Insecure bool `yaml:"insecure"`

	// ServiceName is the service.name resource attribute.
	// Defaults to "butler-sos".
	ServiceName string `yaml:"service_name"`

	// Interval is the periodic reader interval. Each WritePoints also
	// forces a flush. Defaults to 60s.
	Interval time.Duration `yaml:"interval"`
}

// ApplyDefaults fills zero values with defaults.
func (c *OTLPConfig) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "butler-sos"
	}

	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
}

// Validate checks the configuration.
func (c *OTLPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return errors.New("otlp endpoint is required when enabled")
	}

	return nil
}

// OTLPExporter records points as OTLP gauges. Every point field becomes
// the gauge <measurement>.<field> with the point tags as attributes.
type OTLPExporter struct {
	log      logrus.FieldLogger
	cfg      OTLPConfig
	provider *metric.MeterProvider
	exporter metric.Exporter
	meter    otelmetric.Meter

	mu     sync.Mutex
	gauges map[string]otelmetric.Float64Gauge
}

var _ Destination = (*OTLPExporter)(nil)

// NewOTLPExporter creates a new OTLP metric exporter.
func NewOTLPExporter(
	log logrus.FieldLogger,
	cfg OTLPConfig,
) *OTLPExporter {
	cfg.ApplyDefaults()

	return &OTLPExporter{
		log:    log.WithField("component", "otlp"),
		cfg:    cfg,
		gauges: make(map[string]otelmetric.Float64Gauge, 16),
	}
}

// Name implements Destination.
func (e *OTLPExporter) Name() string { return "OTLP_EXPORT" }

// ServerName implements Destination.
func (e *OTLPExporter) ServerName() string { return e.cfg.Endpoint }

// Enabled implements Destination.
func (e *OTLPExporter) Enabled() bool { return e.cfg.Enabled }

// Start initializes the OTLP exporter and meter provider.
func (e *OTLPExporter) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(e.cfg.Endpoint),
	}

	if e.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(e.cfg.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP resource: %w", err)
	}

	e.startWithExporter(exporter, res)

	e.log.WithField("endpoint", e.cfg.Endpoint).
		Info("OTLP exporter started")

	return nil
}

// startWithExporter wires the meter provider around exporter.
func (e *OTLPExporter) startWithExporter(exporter metric.Exporter, res *resource.Resource) {
	e.exporter = exporter
	e.provider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(
			exporter,
			metric.WithInterval(e.cfg.Interval),
		)),
	)
	e.meter = e.provider.Meter("butler-sos")
}

// MeterProvider returns the configured meter provider for
// creating metrics.
func (e *OTLPExporter) MeterProvider() *metric.MeterProvider {
	return e.provider
}

// WritePoints records the points and forces an export.
func (e *OTLPExporter) WritePoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	if e.provider == nil {
		return errors.New("otlp exporter not started")
	}

	for _, p := range points {
		attrs := tagAttributes(p.Tags)

		for field, value := range p.Fields {
			g, err := e.gauge(p.Measurement + "." + field)
			if err != nil {
				return err
			}

			g.Record(ctx, value, otelmetric.WithAttributes(attrs...))
		}
	}

	if err := e.provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("flushing OTLP metrics: %w", err)
	}

	return nil
}

func (e *OTLPExporter) gauge(name string) (otelmetric.Float64Gauge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if g, ok := e.gauges[name]; ok {
		return g, nil
	}

	g, err := e.meter.Float64Gauge(name)
	if err != nil {
		return nil, fmt.Errorf("creating gauge %s: %w", name, err)
	}

	e.gauges[name] = g

	return g, nil
}

func tagAttributes(tags map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, tags[k]))
	}

	return attrs
}

// Stop shuts down the OTLP exporter.
func (e *OTLPExporter) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.provider != nil {
		if err := e.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down OTLP provider: %w", err)
		}
	}

	return nil
}
