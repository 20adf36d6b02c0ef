package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery state of a staged event. The set is closed:
// rows only ever hold one of the three values below.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusPublished:
		return Status(s), nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s Status) String() string {
	return string(s)
}

// CanTransitionTo reports whether moving to next is a legal transition.
// Legal moves: PENDING -> PROCESSING (lease), PROCESSING -> PUBLISHED
// (confirmed publish), PROCESSING -> PENDING (failed publish). Renewing
// the lease of an expired PROCESSING row keeps the status unchanged and
// is not a transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPublished || next == StatusPending
	}

	return false
}

type StagedEvent struct {
	ID            int64           `db:"id"`
	EventType     string          `db:"event_type"`
	AggregateID   string          `db:"aggregate_id"`
	Payload       json.RawMessage `db:"payload"`
	Status        Status          `db:"status"`
	Attempts      int32           `db:"attempts"`
	NextAttemptAt time.Time       `db:"next_attempt_at"`
	LastError     *string         `db:"last_error"`
	CreatedAt     time.Time       `db:"created_at"`
	PublishedAt   *time.Time      `db:"published_at"`
}
