package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
)

func recordingPolicy(delays *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
}

func TestRetryExhaustsOnServerErrors(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingPolicy(&delays).Do(context.Background(), zap.NewNop(), "pay", func(context.Context) error {
		calls++
		return payerr.FromStatus(500, "")
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls, "one call plus three retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestRetryAbortsOnClientError(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingPolicy(&delays).Do(context.Background(), nil, "pay", func(context.Context) error {
		calls++
		return payerr.FromStatus(400, "")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingPolicy(&delays).Do(context.Background(), nil, "pay", func(context.Context) error {
		calls++
		if calls == 1 {
			return payerr.FromStatus(429, "")
		}
		if calls == 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestRetryStopsWhenContextCanceled(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }
	calls := 0
	err := p.Do(context.Background(), nil, "pay", func(context.Context) error {
		calls++
		return payerr.FromStatus(502, "")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
