package ratelimit

import "time"

// Clock abstracts time.Now so rate limiters (and other time-driven components)
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
