// Package transport packages a flushed batch of events into a single JSON
// payload and POSTs it to the collector endpoint.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/clock"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
	httpexport "github.com/ptarmiganlabs/butler-sos-sub004/internal/export/http"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/version"
)

// APIType is the error tracker api type for event transport.
const APIType = "EVENT_TRANSPORT"

// PayloadVersion is the schema version stamped on every payload.
const PayloadVersion = "1.0"

const unknown = "unknown"

// StatusError reports a non-2xx answer from the endpoint.
type StatusError = httpexport.StatusError

// Config configures the event transport.
type Config struct {
	// Enabled turns the transport on. A disabled transport or one
	// without an endpoint sends nothing.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the collector URL payloads are POSTed to.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// Compression of the request body. Defaults to none.
	Compression string `yaml:"compression"`

	// Headers are additional HTTP headers to include in requests.
	Headers map[string]string `yaml:"headers"`

	// Application names the sender. Defaults to "butler-sos".
	Application string `yaml:"application"`

	// User is reported as the source user.
	User string `yaml:"user"`

	// UserAgent is sent as the User-Agent header and parsed into the
	// browser and os context fields.
	UserAgent string `yaml:"user_agent"`

	// ScreenResolution is included in the context when set.
	ScreenResolution string `yaml:"screen_resolution"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}

	if c.Compression == "" {
		c.Compression = httpexport.CompressionNone
	}

	if c.Application == "" {
		c.Application = version.Application
	}

	if c.UserAgent == "" {
		c.UserAgent = version.UserAgent()
	}
}

// Validate checks the configuration. A missing endpoint is allowed and
// turns Send into a no-op.
func (c *Config) Validate() error {
	if c.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.Endpoint); err != nil {
			return fmt.Errorf("invalid transport endpoint %q: %w", c.Endpoint, err)
		}
	}

	return httpexport.ValidateCompression(c.Compression)
}

// Source identifies who sent a payload.
type Source struct {
	Application string `json:"application"`
	Session     string `json:"session"`
	User        string `json:"user"`
	Host        string `json:"host"`
}

// Browser is the parsed user agent.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PayloadContext describes the sending environment.
type PayloadContext struct {
	Timestamp        time.Time `json:"timestamp"`
	UserAgent        string    `json:"userAgent"`
	Browser          Browser   `json:"browser"`
	OS               string    `json:"os"`
	ScreenResolution string    `json:"screenResolution,omitempty"`
}

// Payload is the body of one transport request.
type Payload struct {
	Version string            `json:"version"`
	Source  Source            `json:"source"`
	Context PayloadContext    `json:"context"`
	Events  []json.RawMessage `json:"events"`
}

// Transport sends event batches.
type Transport struct {
	log    logrus.FieldLogger
	cfg    Config
	clock  clock.Clock
	client *httpexport.Client
	health *export.HealthMetrics

	source  Source
	browser Browser
	os      string
}

// New creates a Transport. The session id is fixed for its lifetime. A
// nil clock uses the wall clock; health may be nil.
func New(
	log logrus.FieldLogger,
	cfg Config,
	clk clock.Clock,
	health *export.HealthMetrics,
) (*Transport, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	if clk == nil {
		clk = clock.New()
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	headers["User-Agent"] = cfg.UserAgent

	for k, v := range cfg.Headers {
		headers[k] = v
	}

	client, err := httpexport.NewClient(httpexport.ClientConfig{
		Headers:     headers,
		Compression: cfg.Compression,
		Timeout:     cfg.Timeout,
		KeepAlive:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transport client: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = ""
	}

	ua := useragent.New(cfg.UserAgent)
	name, ver := ua.Browser()

	if cfg.Enabled && cfg.Endpoint == "" {
		log.WithField("component", "transport").
			Warn("Event transport enabled without an endpoint, events will not be sent")
	}

	t := &Transport{
		log:    log.WithField("component", "transport"),
		cfg:    cfg,
		clock:  clk,
		client: client,
		health: health,
		source: Source{
			Application: orUnknown(cfg.Application),
			Session:     uuid.NewString(),
			User:        orUnknown(cfg.User),
			Host:        orUnknown(host),
		},
		browser: Browser{
			Name:    orUnknown(name),
			Version: orUnknown(ver),
		},
		os: orUnknown(ua.OS()),
	}

	return t, nil
}

// Enabled reports whether Send can reach an endpoint.
func (t *Transport) Enabled() bool {
	return t.cfg.Enabled && t.cfg.Endpoint != ""
}

// ServerName is the endpoint host used for failure accounting.
func (t *Transport) ServerName() string {
	return httpexport.HostOf(t.cfg.Endpoint)
}

// Session returns the session id stamped on every payload.
func (t *Transport) Session() string {
	return t.source.Session
}

// BuildPayload assembles the payload for events without sending it.
func (t *Transport) BuildPayload(events []json.RawMessage) Payload {
	return Payload{
		Version: PayloadVersion,
		Source:  t.source,
		Context: PayloadContext{
			Timestamp:        t.clock.Now().UTC(),
			UserAgent:        t.cfg.UserAgent,
			Browser:          t.browser,
			OS:               t.os,
			ScreenResolution: t.cfg.ScreenResolution,
		},
		Events: events,
	}
}

// Send POSTs events as one payload. Without an endpoint, or with no
// events, it returns nil and does no I/O. It does not retry; a non-2xx
// answer yields a *StatusError.
func (t *Transport) Send(ctx context.Context, events []json.RawMessage) error {
	if !t.Enabled() || len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(t.BuildPayload(events))
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	size, err := t.client.Post(ctx, t.cfg.Endpoint, "application/json", body)

	t.observe(err)

	if err != nil {
		return fmt.Errorf("sending %d events to %s: %w", len(events), t.ServerName(), err)
	}

	t.log.WithFields(logrus.Fields{
		"events": len(events),
		"bytes":  size,
	}).Debug("Sent event batch")

	return nil
}

// Close releases the HTTP client.
func (t *Transport) Close() error {
	return t.client.Close()
}

func (t *Transport) observe(err error) {
	if t.health == nil {
		return
	}

	class := "2xx"

	if err != nil {
		class = "error"

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			class = strconv.Itoa(statusErr.StatusCode/100) + "xx"
		}
	}

	t.health.TransportRequests.WithLabelValues(class).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}

	return s
}
