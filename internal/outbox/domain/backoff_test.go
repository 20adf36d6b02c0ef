package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoublesUpToCeiling(t *testing.T) {
	b := Backoff{Base: 1 * time.Second, Ceiling: 60 * time.Second}

	tests := []struct {
		name     string
		attempts int32
		expected time.Duration
	}{
		{name: "no attempts", attempts: 0, expected: 1 * time.Second},
		{name: "first retry", attempts: 1, expected: 2 * time.Second},
		{name: "second retry", attempts: 2, expected: 4 * time.Second},
		{name: "fifth retry", attempts: 5, expected: 32 * time.Second},
		{name: "hits ceiling", attempts: 6, expected: 60 * time.Second},
		{name: "stays at ceiling", attempts: 7, expected: 60 * time.Second},
		{name: "far past ceiling", attempts: 100, expected: 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, b.Delay(tt.attempts))
		})
	}
}

func TestBackoffDelayWithLargerBase(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Ceiling: 60 * time.Second}

	require.Equal(t, 2*time.Second, b.Delay(0))
	require.Equal(t, 4*time.Second, b.Delay(1))
	require.Equal(t, 16*time.Second, b.Delay(3))
	require.Equal(t, 60*time.Second, b.Delay(5))
}

func TestBackoffDelayCeilingEqualsBase(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Ceiling: 30 * time.Second}

	require.Equal(t, 30*time.Second, b.Delay(0))
	require.Equal(t, 30*time.Second, b.Delay(1))
	require.Equal(t, 30*time.Second, b.Delay(50))
}

func TestBackoffDelayNegativeAttempts(t *testing.T) {
	b := Backoff{Base: 1 * time.Second, Ceiling: 60 * time.Second}

	require.Equal(t, 1*time.Second, b.Delay(-3))
}

func TestBackoffDelayDoesNotOverflow(t *testing.T) {
	b := Backoff{Base: 1 * time.Second, Ceiling: 1<<63 - 1}

	require.Equal(t, b.Ceiling, b.Delay(80))
}
