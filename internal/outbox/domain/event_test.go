package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"PENDING", "PROCESSING", "PUBLISHED"} {
		s, err := ParseStatus(valid)
		require.NoError(t, err)
		require.Equal(t, valid, s.String())
	}

	_, err := ParseStatus("SHIPPED")
	require.ErrorIs(t, err, ErrUnknownStatus)

	_, err = ParseStatus("pending")
	require.ErrorIs(t, err, ErrUnknownStatus)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{name: "lease pending event", from: StatusPending, to: StatusProcessing, allowed: true},
		{name: "confirm publish", from: StatusProcessing, to: StatusPublished, allowed: true},
		{name: "failed publish returns to pending", from: StatusProcessing, to: StatusPending, allowed: true},
		{name: "pending cannot publish directly", from: StatusPending, to: StatusPublished, allowed: false},
		{name: "published is terminal for pending", from: StatusPublished, to: StatusPending, allowed: false},
		{name: "published is terminal for processing", from: StatusPublished, to: StatusProcessing, allowed: false},
		{name: "published is terminal for itself", from: StatusPublished, to: StatusPublished, allowed: false},
		{name: "pending to pending is not a transition", from: StatusPending, to: StatusPending, allowed: false},
		{name: "processing to processing is not a transition", from: StatusProcessing, to: StatusProcessing, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}
