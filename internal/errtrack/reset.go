package errtrack

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/clock"
)

// DailyReporter is the part of the Tracker driven by the midnight job.
type DailyReporter interface {
	LogErrorSummary()
	ResetIfNewDay(now time.Time) bool
}

// MidnightFunc is invoked after each midnight cycle completes.
type MidnightFunc func(now time.Time)

// ResetJob reports and rolls over the error counters at every UTC
// midnight. Each cycle is a one-shot timer that schedules the next one,
// so the schedule follows the UTC calendar rather than a fixed period.
type ResetJob struct {
	log      logrus.FieldLogger
	clock    clock.Clock
	reporter DailyReporter

	mu         sync.Mutex
	timer      clock.Timer
	running    bool
	onMidnight MidnightFunc

	// gen identifies the armed timer. A cycle whose generation is stale
	// must not reschedule.
	gen uint64
}

// NewResetJob creates a job for reporter. A nil reporter is tolerated:
// each cycle then logs a warning and is skipped.
func NewResetJob(
	log logrus.FieldLogger,
	clk clock.Clock,
	reporter DailyReporter,
) *ResetJob {
	if clk == nil {
		clk = clock.New()
	}

	return &ResetJob{
		log:      log.WithField("component", "error_reset"),
		clock:    clk,
		reporter: reporter,
	}
}

// OnMidnight registers a callback run after every cycle, replacing any
// earlier one.
func (j *ResetJob) OnMidnight(fn MidnightFunc) {
	j.mu.Lock()
	j.onMidnight = fn
	j.mu.Unlock()
}

// Start schedules the first cycle. Starting a running job does nothing.
func (j *ResetJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}

	j.running = true
	j.scheduleLocked()
}

// Stop cancels the pending cycle.
func (j *ResetJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.running = false

	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}

func (j *ResetJob) scheduleLocked() {
	now := j.clock.Now()
	next := clock.NextUTCMidnight(now)
	delay := next.Sub(now)

	j.log.WithFields(logrus.Fields{
		"next_reset": next.Format(time.RFC3339),
		"delay_ms":   delay.Milliseconds(),
	}).Info("Scheduled error counter reset for next UTC midnight")

	j.gen++
	gen := j.gen
	j.timer = j.clock.AfterFunc(delay, func() { j.fire(gen) })
}

func (j *ResetJob) fire(gen uint64) {
	j.mu.Lock()
	if !j.running || gen != j.gen {
		j.mu.Unlock()

		return
	}

	onMidnight := j.onMidnight
	j.mu.Unlock()

	now := j.clock.Now()

	j.log.WithField("date", clock.UTCDate(now)).
		Info("UTC midnight reached, resetting error counters")

	if j.reporter == nil {
		j.log.Warn("Error tracker not available, skipping this reset cycle")
	} else {
		j.reporter.LogErrorSummary()
		j.reporter.ResetIfNewDay(now)
	}

	if onMidnight != nil {
		onMidnight(now)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running && gen == j.gen {
		j.scheduleLocked()
	}
}
