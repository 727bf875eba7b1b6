package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Timers fire synchronously, in
// deadline order, from within Add or Set.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
	delays []time.Duration
}

var _ Clock = (*Mock)(nil)

// NewMock creates a Mock clock set to now.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

type mockTimer struct {
	mock     *Mock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}

	t.stopped = true
	t.mock.removeLocked(t)

	return true
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// AfterFunc registers fn to run once the mock time reaches now+d.
func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{
		mock:     m,
		deadline: m.now.Add(d),
		fn:       fn,
	}

	m.timers = append(m.timers, t)
	m.delays = append(m.delays, d)

	return t
}

// Add advances the clock by d, firing every timer that comes due.
func (m *Mock) Add(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t, firing every timer that comes due. Timers
// scheduled by a firing callback are also fired if they are due.
func (m *Mock) Set(t time.Time) {
	for {
		m.mu.Lock()

		sort.SliceStable(m.timers, func(i, j int) bool {
			return m.timers[i].deadline.Before(m.timers[j].deadline)
		})

		if len(m.timers) == 0 || m.timers[0].deadline.After(t) {
			m.now = t
			m.mu.Unlock()

			return
		}

		next := m.timers[0]
		m.timers = m.timers[1:]
		next.fired = true

		if next.deadline.After(m.now) {
			m.now = next.deadline
		}

		m.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.timers)
}

// Delays returns the durations passed to AfterFunc, in call order.
func (m *Mock) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)

	return out
}

func (m *Mock) removeLocked(t *mockTimer) {
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)

			return
		}
	}
}
