// Package http streams metric points to an HTTP endpoint as NDJSON and
// provides the shared compressing HTTP client.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/retry"
)

// APIType is the error tracker api type for NDJSON exports.
const APIType = "HTTP_NDJSON_EXPORT"

// Exporter implements processor.ItemExporter for HTTP NDJSON export.
type Exporter struct {
	cfg    Config
	client *Client
	writer *retry.Writer
	log    logrus.FieldLogger
}

// compile-time check that Exporter implements ItemExporter.
var _ processor.ItemExporter[export.Point] = (*Exporter)(nil)

// NewExporter creates a new HTTP exporter. A nil writer sends each batch
// once.
func NewExporter(
	log logrus.FieldLogger,
	cfg Config,
	writer *retry.Writer,
) (*Exporter, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := NewClient(ClientConfig{
		Headers:     cfg.Headers,
		Compression: cfg.Compression,
		Timeout:     cfg.ExportTimeout,
		MaxIdle:     cfg.Workers * 2,
		KeepAlive:   cfg.IsKeepAlive(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}

	return &Exporter{
		cfg:    cfg,
		client: client,
		writer: writer,
		log:    log.WithField("component", "http_exporter"),
	}, nil
}

// ExportItems exports a batch of points to the HTTP endpoint as NDJSON.
func (e *Exporter) ExportItems(ctx context.Context, items []*export.Point) error {
	if len(items) == 0 {
		return nil
	}

	data, err := e.encode(items)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	var compressed int

	send := func(ctx context.Context) error {
		n, err := e.client.Post(ctx, e.cfg.Address, "application/x-ndjson", data)
		compressed = n

		return err
	}

	if e.writer != nil {
		err = e.writer.WriteWithRetry(ctx, retry.Context{
			APIType:    APIType,
			ServerName: e.cfg.Host(),
		}, send)
	} else {
		err = send(ctx)
	}

	if err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"items":      len(items),
		"bytes":      len(data),
		"compressed": compressed,
	}).Debug("Exported batch via HTTP")

	return nil
}

// encode marshals points to NDJSON, merging the configured static tags.
func (e *Exporter) encode(items []*export.Point) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(items) * 256)

	encoder := json.NewEncoder(&buf)

	for _, item := range items {
		if item == nil {
			continue
		}

		p := *item

		if len(e.cfg.Tags) > 0 {
			tags := make(map[string]string, len(e.cfg.Tags)+len(p.Tags))
			maps.Copy(tags, e.cfg.Tags)
			maps.Copy(tags, p.Tags)
			p.Tags = tags
		}

		if err := encoder.Encode(p); err != nil {
			return nil, fmt.Errorf("encoding point: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// Shutdown shuts down the exporter.
func (e *Exporter) Shutdown(_ context.Context) error {
	return e.client.Close()
}

// Destination queues points on a batch processor that exports them with
// an Exporter.
type Destination struct {
	log  logrus.FieldLogger
	cfg  Config
	proc *processor.BatchItemProcessor[export.Point]
}

var _ export.Destination = (*Destination)(nil)

// NewDestination creates the HTTP NDJSON destination. For a disabled
// config no processor is built and the destination reports disabled.
func NewDestination(
	log logrus.FieldLogger,
	cfg Config,
	writer *retry.Writer,
) (*Destination, error) {
	cfg.ApplyDefaults()

	d := &Destination{
		log: log.WithField("component", "http_destination"),
		cfg: cfg,
	}

	if !cfg.Enabled {
		return d, nil
	}

	exporter, err := NewExporter(log, cfg, writer)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[export.Point](
		exporter,
		"http_points",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	d.proc = proc

	return d, nil
}

// Name implements export.Destination.
func (d *Destination) Name() string { return "HTTP_NDJSON" }

// ServerName implements export.Destination.
func (d *Destination) ServerName() string { return d.cfg.Host() }

// Enabled implements export.Destination.
func (d *Destination) Enabled() bool { return d.proc != nil }

// Start starts the batch processor workers.
func (d *Destination) Start(ctx context.Context) error {
	if d.proc == nil {
		return nil
	}

	d.proc.Start(ctx)

	d.log.WithField("address", d.cfg.Address).Info("HTTP destination started")

	return nil
}

// Stop drains the queue and stops the workers.
func (d *Destination) Stop() error {
	if d.proc == nil {
		return nil
	}

	if err := d.proc.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down http processor: %w", err)
	}

	return nil
}

// WritePoints queues points for export. Delivery failures are retried
// and counted by the exporter, not reported here.
func (d *Destination) WritePoints(ctx context.Context, points []export.Point) error {
	if d.proc == nil || len(points) == 0 {
		return nil
	}

	items := make([]*export.Point, len(points))
	for i := range points {
		p := points[i]
		items[i] = &p
	}

	if err := d.proc.Write(ctx, items); err != nil {
		return retry.Permanent(fmt.Errorf("queueing points: %w", err))
	}

	return nil
}
