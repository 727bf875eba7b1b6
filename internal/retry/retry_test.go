package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls []Context
}

func (f *fakeRecorder) IncrementError(apiType, serverName string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Context{APIType: apiType, ServerName: serverName})
}

func (f *fakeRecorder) Calls() []Context {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Context(nil), f.calls...)
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Jitter:      0,
		MaxDelay:    5 * time.Millisecond,
	}
}

var wctx = Context{APIType: "INFLUXDB_V2_WRITE", ServerName: "influx.local"}

func TestWriteWithRetry_SucceedsFirstTry(t *testing.T) {
	log, hook := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(3), rec)

	calls := 0
	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.Calls())
	assert.Empty(t, hook.AllEntries())
}

func TestWriteWithRetry_RecoversBeforeExhaustion(t *testing.T) {
	log, hook := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(4), rec)

	calls := 0
	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("connection refused")
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Empty(t, rec.Calls())

	warns := 0
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level)

		if e.Level == logrus.WarnLevel {
			warns++
		}
	}

	assert.Equal(t, 2, warns)
}

func TestWriteWithRetry_ExhaustsAndCountsOnce(t *testing.T) {
	log, hook := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(3), rec)

	boom := errors.New("timeout")
	calls := 0

	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++

		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []Context{wctx}, rec.Calls())

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "INFLUXDB_V2_WRITE", last.Data["api_type"])
	assert.Equal(t, 3, last.Data["attempts"])
}

func TestWriteWithRetry_SingleAttemptPolicy(t *testing.T) {
	log, _ := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(1), rec)

	calls := 0
	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++

		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.Calls(), 1)
}

func TestWriteWithRetry_DisabledIsNoOp(t *testing.T) {
	log, _ := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(3), rec, WithEnabled(func() bool { return false }))

	calls := 0
	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++

		return errors.New("unreachable")
	})

	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Empty(t, rec.Calls())
	assert.False(t, w.Enabled())
}

func TestWriteWithRetry_EnabledCheckedPerRequest(t *testing.T) {
	log, _ := test.NewNullLogger()

	enabled := false
	w := NewWriter(log, fastPolicy(2), nil, WithEnabled(func() bool { return enabled }))

	calls := 0
	action := func(context.Context) error {
		calls++

		return nil
	}

	require.NoError(t, w.WriteWithRetry(context.Background(), wctx, action))
	assert.Zero(t, calls)

	enabled = true

	require.NoError(t, w.WriteWithRetry(context.Background(), wctx, action))
	assert.Equal(t, 1, calls)
}

func TestWriteWithRetry_PermanentStopsEarly(t *testing.T) {
	log, _ := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(5), rec)

	rejected := errors.New("400 bad request")
	calls := 0

	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++

		return Permanent(rejected)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, rejected)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.Calls(), 1)
}

func TestWriteWithRetry_CancelledContextStops(t *testing.T) {
	log, _ := test.NewNullLogger()
	rec := &fakeRecorder{}

	policy := fastPolicy(10)
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour

	w := NewWriter(log, policy, rec)

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)

	go func() {
		done <- w.WriteWithRetry(ctx, wctx, func(context.Context) error {
			calls++

			return errors.New("fail")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not stop on cancellation")
	}

	assert.Equal(t, 1, calls)
	assert.Len(t, rec.Calls(), 1)
}

func TestDo_ReturnsValue(t *testing.T) {
	log, _ := test.NewNullLogger()
	w := NewWriter(log, fastPolicy(3), nil)

	calls := 0
	v, err := Do(context.Background(), w, wctx, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}

		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDo_DisabledReturnsErrDisabled(t *testing.T) {
	log, _ := test.NewNullLogger()
	w := NewWriter(log, fastPolicy(3), nil, WithEnabled(func() bool { return false }))

	_, err := Do(context.Background(), w, wctx, func(context.Context) (string, error) {
		return "x", nil
	})

	assert.ErrorIs(t, err, ErrDisabled)
}

func TestWriteWithRetry_RecordsHealthMetrics(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := export.NewHealthMetrics(log, export.HealthConfig{})
	w := NewWriter(log, fastPolicy(2), nil, WithHealthMetrics(h))

	_ = w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		return errors.New("fail")
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(
		h.WriteAttempts.WithLabelValues("INFLUXDB_V2_WRITE", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		h.WriteFailures.WithLabelValues("INFLUXDB_V2_WRITE", "influx.local")))
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{name: "default", mutate: func(*Policy) {}},
		{name: "zero attempts", mutate: func(p *Policy) { p.MaxAttempts = 0 }, wantErr: true},
		{name: "multiplier below one", mutate: func(p *Policy) { p.Multiplier = 0.5 }, wantErr: true},
		{name: "jitter above one", mutate: func(p *Policy) { p.Jitter = 1.5 }, wantErr: true},
		{name: "negative base", mutate: func(p *Policy) { p.BaseDelay = -time.Second }, wantErr: true},
		{
			name:    "max below base",
			mutate:  func(p *Policy) { p.MaxDelay = 10 * time.Millisecond },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)

			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_ApplyDefaults(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	p.ApplyDefaults()

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
}

func TestPolicy_BackOffGrowsAndCaps(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0,
		MaxDelay:    300 * time.Millisecond,
	}

	b := p.newBackOff()

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
}

func TestWriteWithRetry_PointErrorIsPermanent(t *testing.T) {
	log, _ := test.NewNullLogger()
	rec := &fakeRecorder{}
	w := NewWriter(log, fastPolicy(5), rec)

	calls := 0

	err := w.WriteWithRetry(context.Background(), wctx, func(context.Context) error {
		calls++

		return fmt.Errorf("pushing: %w", &export.PointError{Err: errors.New("inconsistent tag keys")})
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.Calls(), 1)
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.True(t, IsPermanent(Permanent(errors.New("bad request"))))
	assert.True(t, IsPermanent(&export.PointError{Err: errors.New("bad tags")}))
}
