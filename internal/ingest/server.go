// Package ingest accepts events from upstream collectors over HTTP and
// exposes the current error counters.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/errtrack"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

// Config configures the ingest server.
type Config struct {
	// Enabled starts the server.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address. Defaults to ":9843".
	Addr string `yaml:"addr"`

	// MaxBodyBytes caps a request body. Defaults to 1MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":9843"
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// EventSink receives accepted events.
type EventSink interface {
	Add(event json.RawMessage)
	Size() int
}

// ErrorSource reports the current day's error counters.
type ErrorSource interface {
	ErrorStats() map[string]errtrack.APIErrorStats
	LastResetDate() string
}

// Server is the gin based ingest API.
type Server struct {
	log       logrus.FieldLogger
	cfg       Config
	sink      EventSink
	errors    ErrorSource
	health    *export.HealthMetrics
	engine    *gin.Engine
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// NewServer creates the ingest server. errs and health may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg Config,
	sink EventSink,
	errs ErrorSource,
	health *export.HealthMetrics,
) *Server {
	cfg.ApplyDefaults()

	s := &Server{
		log:       log.WithField("component", "ingest"),
		cfg:       cfg,
		sink:      sink,
		errors:    errs,
		health:    health,
		startTime: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	api.POST("/events", s.handleEvents)
	api.GET("/errors", s.handleErrors)
	api.GET("/health", s.handleHealth)

	s.engine = r

	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.startTime = time.Now()

	s.server = &http.Server{
		Handler:           s.engine,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("Ingest server started")

		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Ingest server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) handleEvents(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.reject(c, http.StatusRequestEntityTooLarge, "request body too large")

			return
		}

		s.reject(c, http.StatusBadRequest, "failed to read request body")

		return
	}

	events, err := ParseEvents(body)
	if err != nil {
		s.reject(c, http.StatusBadRequest, err.Error())

		return
	}

	for _, ev := range events {
		s.sink.Add(ev)
	}

	if s.health != nil {
		s.health.EventsReceived.Add(float64(len(events)))
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted":    len(events),
		"buffer_size": s.sink.Size(),
	})
}

func (s *Server) reject(c *gin.Context, status int, msg string) {
	if s.health != nil {
		s.health.EventsRejected.Inc()
	}

	s.log.WithFields(logrus.Fields{
		"status": status,
		"remote": c.ClientIP(),
	}).Debug("Rejected ingest request: " + msg)

	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) handleErrors(c *gin.Context) {
	if s.errors == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "error tracker not available"})

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"date":   s.errors.LastResetDate(),
		"errors": s.errors.ErrorStats(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"buffer_size": s.sink.Size(),
	})
}

// ParseEvents splits a request body into events. The body may be one
// JSON object, an array of objects, or newline-delimited objects. Every
// element must be an object; the whole body is rejected otherwise.
func ParseEvents(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty request body")
	}

	var events []json.RawMessage

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(trimmed))

		for {
			var ev json.RawMessage

			err := dec.Decode(&ev)
			if errors.Is(err, io.EOF) {
				break
			}

			if err != nil {
				return nil, fmt.Errorf("invalid JSON at event %d: %w", len(events)+1, err)
			}

			events = append(events, ev)
		}
	}

	if len(events) == 0 {
		return nil, errors.New("no events in request body")
	}

	for i, ev := range events {
		ev = bytes.TrimSpace(ev)
		if len(ev) == 0 || ev[0] != '{' {
			return nil, fmt.Errorf("event %d is not a JSON object", i+1)
		}

		events[i] = ev
	}

	return events, nil
}
