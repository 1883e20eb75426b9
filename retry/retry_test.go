package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Backoff: time.Millisecond, Multiplier: 2.0}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	permErr := Permanent(errors.New("insufficient balance"))
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return permErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
	assert.True(t, IsPermanent(err))
}

func TestDoStopsOnAmbiguous(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return Ambiguous(errors.New("timeout, outcome unknown"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "ambiguous errors require reconciliation, not a blind retry")
	assert.True(t, IsAmbiguous(err))
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	lastErr := errors.New("still down")
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return Transient(lastErr)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, lastErr)
}

func TestDoRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	p := Policy{MaxAttempts: 10, Backoff: time.Hour}
	err := p.Do(ctx, func() error {
		calls++
		cancel()
		return Transient(errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancel must abort the backoff wait")
}

func TestDoVal(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastPolicy(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient(errors.New("flaky"))
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"plain error defaults to transient", errors.New("boom"), ClassTransient},
		{"wrapped transient", Transient(errors.New("net")), ClassTransient},
		{"wrapped permanent", Permanent(errors.New("bad params")), ClassPermanent},
		{"wrapped ambiguous", Ambiguous(errors.New("timeout")), ClassAmbiguous},
		{"context canceled", context.Canceled, ClassPermanent},
		{"deeply wrapped", Transient(Permanent(errors.New("inner"))), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestDelayGrowth(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, Multiplier: 2.0, MaxBackoff: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.delay(0))
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 300*time.Millisecond, p.delay(2), "delay is capped at MaxBackoff")
	assert.Equal(t, 300*time.Millisecond, p.delay(3))
}

func TestNilErrorWrappers(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Ambiguous(nil))
}
