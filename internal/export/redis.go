package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures the Redis stream destination.
type RedisConfig struct {
	// Enabled turns the destination on.
	Enabled bool `yaml:"enabled"`

	// Addr is the Redis host:port.
	Addr string `yaml:"addr"`

	// Password for Redis authentication.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	DB int `yaml:"db"`

	// Stream is the stream key points are appended to.
	// Defaults to "butler-sos:points".
	Stream string `yaml:"stream"`

	// MaxLen approximately caps the stream length. Defaults to 100000.
	MaxLen int64 `yaml:"max_len"`
}

// ApplyDefaults fills zero values with defaults.
func (c *RedisConfig) ApplyDefaults() {
	if c.Stream == "" {
		c.Stream = "butler-sos:points"
	}

	if c.MaxLen <= 0 {
		c.MaxLen = 100000
	}
}

// Validate checks the configuration.
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Addr == "" {
		return errors.New("redis addr is required when enabled")
	}

	return nil
}

// RedisWriter appends each point to a Redis stream as one entry.
type RedisWriter struct {
	log    logrus.FieldLogger
	cfg    RedisConfig
	client redis.UniversalClient
}

var _ Destination = (*RedisWriter)(nil)

// NewRedisWriter creates a Redis stream writer.
func NewRedisWriter(log logrus.FieldLogger, cfg RedisConfig) *RedisWriter {
	cfg.ApplyDefaults()

	return &RedisWriter{
		log: log.WithField("component", "redis"),
		cfg: cfg,
	}
}

// Name implements Destination.
func (w *RedisWriter) Name() string { return "REDIS_STREAM" }

// ServerName implements Destination.
func (w *RedisWriter) ServerName() string { return w.cfg.Addr }

// Enabled implements Destination.
func (w *RedisWriter) Enabled() bool { return w.cfg.Enabled }

// Start connects and pings Redis.
func (w *RedisWriter) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     w.cfg.Addr,
		Password: w.cfg.Password,
		DB:       w.cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return fmt.Errorf("pinging redis: %w", err)
	}

	w.client = client

	w.log.WithFields(logrus.Fields{
		"addr":   w.cfg.Addr,
		"stream": w.cfg.Stream,
	}).Info("Redis writer connected")

	return nil
}

// WritePoints appends the points in one pipeline.
func (w *RedisWriter) WritePoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	if w.client == nil {
		return errors.New("redis writer not started")
	}

	pipe := w.client.Pipeline()

	for _, p := range points {
		values, err := streamValues(p)
		if err != nil {
			return &PointError{Err: err}
		}

		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: w.cfg.Stream,
			MaxLen: w.cfg.MaxLen,
			Approx: true,
			Values: values,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending to stream %s: %w", w.cfg.Stream, err)
	}

	w.log.WithField("points", len(points)).Debug("Appended points to Redis stream")

	return nil
}

func streamValues(p Point) (map[string]any, error) {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}

	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}

	return map[string]any{
		"measurement": p.Measurement,
		"tags":        string(tags),
		"fields":      string(fields),
		"time":        p.Time.UTC().UnixMilli(),
	}, nil
}

// Stop closes the Redis client.
func (w *RedisWriter) Stop() error {
	if w.client != nil {
		return w.client.Close()
	}

	return nil
}
