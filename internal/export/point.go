package export

import (
	"context"
	"time"
)

// Point is one time-series sample: a measurement name, string tags and
// numeric fields.
type Point struct {
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags,omitempty"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// NewPoint creates a Point stamped with t.
func NewPoint(measurement string, t time.Time) Point {
	return Point{
		Measurement: measurement,
		Tags:        make(map[string]string, 4),
		Fields:      make(map[string]float64, 4),
		Time:        t,
	}
}

// PointError reports a batch a destination can never accept as built,
// such as points whose tags conflict. Retrying it cannot succeed.
type PointError struct {
	Err error
}

func (e *PointError) Error() string { return "invalid points: " + e.Err.Error() }

func (e *PointError) Unwrap() error { return e.Err }

// Permanent marks the error as not worth retrying.
func (e *PointError) Permanent() bool { return true }

// Destination is a downstream store that accepts metric points.
type Destination interface {
	// Name is the api type under which failures are counted.
	Name() string
	// ServerName identifies the remote host for failure accounting.
	ServerName() string
	// Enabled reports whether the destination is configured for use.
	Enabled() bool
	// Start opens connections.
	Start(ctx context.Context) error
	// Stop flushes and releases resources.
	Stop() error
	// WritePoints writes one batch of points.
	WritePoints(ctx context.Context, points []Point) error
}
