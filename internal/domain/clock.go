package domain

import "time"

// Clock abstracts time for testability. Services and the job queue take a
// Clock so tests can drive timers and delay arithmetic deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system time in UTC
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now().UTC()
}
