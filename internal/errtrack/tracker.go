// Package errtrack counts delivery failures per upstream API and
// destination server for the current UTC day.
package errtrack

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/clock"
)

// NoServerContext groups failures whose server is unknown.
const NoServerContext = "_no_server_context"

// ErrorCount is one populated counter.
type ErrorCount struct {
	APIType    string `json:"api_type"`
	ServerName string `json:"server_name"`
	Count      int    `json:"count"`
}

// APIErrorStats aggregates the counters of a single API type.
type APIErrorStats struct {
	Total   int            `json:"total"`
	Servers map[string]int `json:"servers"`
}

type counterKey struct {
	apiType    string
	serverName string
}

// Tracker holds the day-scoped error counter table. The table is cleared
// the first time it is touched on a new UTC calendar day.
type Tracker struct {
	log   logrus.FieldLogger
	clock clock.Clock

	mu            sync.Mutex
	lastResetDate string
	counts        map[counterKey]int
}

// New creates an empty Tracker. lastResetDate starts unset, so the first
// increment performs the initial reset.
func New(log logrus.FieldLogger, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}

	return &Tracker{
		log:    log.WithField("component", "error_tracker"),
		clock:  clk,
		counts: make(map[counterKey]int, 16),
	}
}

// IncrementError records one failure for (apiType, serverName). An empty
// serverName is accepted and reported under NoServerContext.
func (t *Tracker) IncrementError(apiType, serverName string) {
	if strings.TrimSpace(apiType) == "" {
		t.log.WithFields(logrus.Fields{
			"api_type":    apiType,
			"server_name": serverName,
		}).Error("Invalid error counter key: api type must be a non-empty string")

		return
	}

	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.resetLocked(now)
	t.counts[counterKey{apiType: apiType, serverName: serverName}]++
}

// ResetIfNewDay clears the table if now falls on a different UTC day than
// the last reset. Only one caller performs a given day's rollover.
func (t *Tracker) ResetIfNewDay(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.resetLocked(now)
}

func (t *Tracker) resetLocked(now time.Time) bool {
	// YYYY-MM-DD orders lexically, so a caller holding a stale timestamp
	// from before midnight cannot roll the table back to the previous day.
	today := clock.UTCDate(now)
	if today <= t.lastResetDate {
		return false
	}

	previous := t.lastResetDate
	cleared := len(t.counts)

	t.counts = make(map[counterKey]int, 16)
	t.lastResetDate = today

	t.log.WithFields(logrus.Fields{
		"previous_date":    previous,
		"current_date":     today,
		"cleared_counters": cleared,
	}).Info("Reset daily error counters")

	return true
}

// LastResetDate returns the UTC date of the last reset, or "" if the
// tracker has never been reset.
func (t *Tracker) LastResetDate() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastResetDate
}

// ErrorCounts returns a snapshot of every populated counter, sorted by
// API type then server name.
func (t *Tracker) ErrorCounts() []ErrorCount {
	_, counts := t.snapshot()

	return counts
}

// snapshot copies the tracked day and its counters under one lock, so the
// date always labels the counts it was read with.
func (t *Tracker) snapshot() (string, []ErrorCount) {
	t.mu.Lock()
	date := t.lastResetDate
	out := make([]ErrorCount, 0, len(t.counts))

	for k, v := range t.counts {
		out = append(out, ErrorCount{
			APIType:    k.apiType,
			ServerName: k.serverName,
			Count:      v,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].APIType != out[j].APIType {
			return out[i].APIType < out[j].APIType
		}

		return out[i].ServerName < out[j].ServerName
	})

	return date, out
}

// ErrorStats aggregates the counters per API type.
func (t *Tracker) ErrorStats() map[string]APIErrorStats {
	return aggregate(t.ErrorCounts())
}

func aggregate(counts []ErrorCount) map[string]APIErrorStats {
	stats := make(map[string]APIErrorStats)

	for _, c := range counts {
		s, ok := stats[c.APIType]
		if !ok {
			s = APIErrorStats{Servers: make(map[string]int)}
		}

		server := c.ServerName
		if server == "" {
			server = NoServerContext
		}

		s.Total += c.Count
		s.Servers[server] += c.Count
		stats[c.APIType] = s
	}

	return stats
}

// LogErrorSummary writes one info line with per-API totals for the
// tracked day. Nothing is logged when no errors were recorded.
func (t *Tracker) LogErrorSummary() {
	date, counts := t.snapshot()

	stats := aggregate(counts)
	if len(stats) == 0 {
		return
	}

	apiTypes := make([]string, 0, len(stats))
	for apiType := range stats {
		apiTypes = append(apiTypes, apiType)
	}

	sort.Strings(apiTypes)

	fields := logrus.Fields{
		"date": date,
	}

	total := 0
	parts := make([]string, 0, len(apiTypes))

	for _, apiType := range apiTypes {
		s := stats[apiType]
		total += s.Total
		fields["errors_"+strings.ToLower(apiType)] = s.Total
		parts = append(parts, apiType+"="+strconv.Itoa(s.Total))
	}

	fields["total_errors"] = total

	t.log.WithFields(fields).Infof(
		"Error summary for UTC day %s: %s",
		date,
		strings.Join(parts, ", "),
	)
}
