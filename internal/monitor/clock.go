package monitor

import "time"

// Clock abstracts wall-clock access so TTL caching and baseline aging can be
// driven by a fake in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
