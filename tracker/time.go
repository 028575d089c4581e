package tracker

import "time"

// TimeProvider abstracts the clock so record timestamps are testable
// with a fixed time source.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// realTimeProvider uses the system clock.
type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// defaultTimeProvider is used when no custom provider is injected.
var defaultTimeProvider TimeProvider = realTimeProvider{}
