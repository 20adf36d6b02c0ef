package domain

import "errors"

var (
	ErrUnknownStatus     = errors.New("unknown outbox status")
	ErrIllegalTransition = errors.New("illegal outbox status transition")
)
