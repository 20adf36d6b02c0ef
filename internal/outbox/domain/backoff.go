package domain

import "time"

// Backoff computes how long a failed event stays ineligible before the
// next publish attempt. The delay doubles with every recorded attempt
// and never exceeds Ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Delay returns min(Ceiling, Base * 2^attempts).
func (b Backoff) Delay(attempts int32) time.Duration {
	d := b.Base
	for i := int32(0); i < attempts; i++ {
		d *= 2
		if d >= b.Ceiling || d <= 0 {
			return b.Ceiling
		}
	}

	if d > b.Ceiling {
		return b.Ceiling
	}

	return d
}
