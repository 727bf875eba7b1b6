package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

// PushgatewayConfig configures the Prometheus Pushgateway destination.
type PushgatewayConfig struct {
	// Enabled turns the destination on.
	Enabled bool `yaml:"enabled"`

	// URL is the Pushgateway base URL.
	URL string `yaml:"url"`

	// Job is the job label of pushed groups. Defaults to "butler_sos".
	Job string `yaml:"job"`

	// Grouping adds extra grouping labels.
	Grouping map[string]string `yaml:"grouping"`

	// Timeout bounds a single push. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// ApplyDefaults fills zero values with defaults.
func (c *PushgatewayConfig) ApplyDefaults() {
	if c.Job == "" {
		c.Job = "butler_sos"
	}

	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *PushgatewayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.URL == "" {
		return errors.New("pushgateway url is required when enabled")
	}

	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return fmt.Errorf("invalid pushgateway url %q: %w", c.URL, err)
	}

	return nil
}

// PushgatewayWriter pushes each batch as gauges to a Pushgateway. Every
// point field becomes the gauge <measurement>_<field> labelled by the
// point tags.
type PushgatewayWriter struct {
	log logrus.FieldLogger
	cfg PushgatewayConfig
}

var _ Destination = (*PushgatewayWriter)(nil)

// NewPushgatewayWriter creates a Pushgateway writer.
func NewPushgatewayWriter(
	log logrus.FieldLogger,
	cfg PushgatewayConfig,
) *PushgatewayWriter {
	cfg.ApplyDefaults()

	return &PushgatewayWriter{
		log: log.WithField("component", "pushgateway"),
		cfg: cfg,
	}
}

// Name implements Destination.
func (w *PushgatewayWriter) Name() string { return "PROMETHEUS_PUSH" }

// ServerName implements Destination.
func (w *PushgatewayWriter) ServerName() string {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return ""
	}

	return u.Host
}

// Enabled implements Destination.
func (w *PushgatewayWriter) Enabled() bool { return w.cfg.Enabled }

// Start implements Destination. Pushes are connectionless.
func (w *PushgatewayWriter) Start(_ context.Context) error { return nil }

// Stop implements Destination.
func (w *PushgatewayWriter) Stop() error { return nil }

// WritePoints pushes the batch with POST, which replaces only metrics of
// the same name in the group. Other measurements pushed earlier stay.
func (w *PushgatewayWriter) WritePoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	reg, err := pointsRegistry(points)
	if err != nil {
		return &PointError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	pusher := push.New(w.cfg.URL, w.cfg.Job).Gatherer(reg)

	keys := make([]string, 0, len(w.cfg.Grouping))
	for k := range w.cfg.Grouping {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		pusher = pusher.Grouping(k, w.cfg.Grouping[k])
	}

	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("pushing to pushgateway: %w", err)
	}

	w.log.WithField("points", len(points)).Debug("Pushed points to Pushgateway")

	return nil
}

// pointsRegistry builds a throwaway registry holding one gauge vector per
// measurement field. Later points overwrite earlier ones with the same
// label set.
func pointsRegistry(points []Point) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	vecs := make(map[string]*prometheus.GaugeVec, len(points))
	labelSets := make(map[string][]string, len(points))

	for _, p := range points {
		labels := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			labels = append(labels, sanitizeMetricName(k))
		}

		sort.Strings(labels)

		for field, value := range p.Fields {
			name := sanitizeMetricName(p.Measurement + "_" + field)

			vec, ok := vecs[name]
			if !ok {
				vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
					Name: name,
					Help: fmt.Sprintf("Field %s of %s.", field, p.Measurement),
				}, labels)

				if err := reg.Register(vec); err != nil {
					return nil, fmt.Errorf("registering %s: %w", name, err)
				}

				vecs[name] = vec
				labelSets[name] = labels
			}

			values := prometheus.Labels{}
			for k, v := range p.Tags {
				values[sanitizeMetricName(k)] = v
			}

			if len(values) != len(labelSets[name]) {
				return nil, fmt.Errorf(
					"point %s has inconsistent tag keys for %s", p.Measurement, name,
				)
			}

			g, err := vec.GetMetricWith(values)
			if err != nil {
				return nil, fmt.Errorf("labelling %s: %w", name, err)
			}

			g.Set(value)
		}
	}

	return reg, nil
}

// sanitizeMetricName maps s onto the Prometheus name alphabet.
func sanitizeMetricName(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}

			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
