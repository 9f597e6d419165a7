package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for code, want := range map[int]bool{
		200: false,
		400: false,
		401: false,
		404: false,
		408: true,
		429: true,
		500: true,
		502: true,
		503: true,
		504: true,
	} {
		assert.Equal(t, want, IsRetryableHTTPStatus(code), "status %d", code)
	}
}

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 700 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 700*time.Millisecond, b.Delay(3))
	assert.Equal(t, 700*time.Millisecond, b.Delay(50))
}

func TestBackoffSleepStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Backoff{Base: time.Second, Cap: time.Second}.Sleep(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.NoError(t, Backoff{Base: time.Millisecond, Cap: time.Millisecond}.Sleep(context.Background(), 2))
}
