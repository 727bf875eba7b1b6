package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse destination.
type ClickHouseConfig struct {
	// Enabled turns the destination on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name. Defaults to "default".
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to "points".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// DialTimeout bounds connection setup. Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults fills zero values with defaults.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "points"
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Validate checks the configuration.
func (c *ClickHouseConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return errors.New("clickhouse endpoint is required when enabled")
	}

	return nil
}

// ClickHouseWriter writes points into the points table.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

var _ Destination = (*ClickHouseWriter)(nil)

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse"),
		cfg: cfg,
	}
}

// Name implements Destination.
func (w *ClickHouseWriter) Name() string { return "CLICKHOUSE_WRITE" }

// ServerName implements Destination.
func (w *ClickHouseWriter) ServerName() string { return w.cfg.Endpoint }

// Enabled implements Destination.
func (w *ClickHouseWriter) Enabled() bool { return w.cfg.Enabled }

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		return nil
	}

	conn, err := clickhouse.Open(w.Options())
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithField("endpoint", w.cfg.Endpoint).
		Info("ClickHouse writer connected")

	return nil
}

// Options returns the connection options derived from the config.
func (w *ClickHouseWriter) Options() *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  w.cfg.DialTimeout,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// InsertQuery is the batch insert statement for the configured table.
func (w *ClickHouseWriter) InsertQuery() string {
	return fmt.Sprintf(
		"INSERT INTO %s.%s (measurement, tags, fields, timestamp)",
		w.cfg.Database, w.cfg.Table,
	)
}

// WritePoints inserts points as one batch.
func (w *ClickHouseWriter) WritePoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	if w.conn == nil {
		return errors.New("clickhouse writer not started")
	}

	batch, err := w.conn.PrepareBatch(ctx, w.InsertQuery())
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, p := range points {
		tags := p.Tags
		if tags == nil {
			tags = map[string]string{}
		}

		fields := p.Fields
		if fields == nil {
			fields = map[string]float64{}
		}

		if err := batch.Append(p.Measurement, tags, fields, p.Time.UTC()); err != nil {
			_ = batch.Abort()

			return fmt.Errorf("appending point %s: %w", p.Measurement, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}

	w.log.WithField("points", len(points)).Debug("Wrote points to ClickHouse")

	return nil
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}
