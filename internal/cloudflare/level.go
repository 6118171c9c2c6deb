// Package cloudflare implements the zone security-level client used to
// toggle Under Attack Mode. All calls retry transient failures through a
// single backoff policy and are bounded by a request timeout.
package cloudflare

import "fmt"

// Level is a Cloudflare zone security level.
type Level string

const (
	LevelEssentiallyOff Level = "essentially_off"
	LevelLow            Level = "low"
	LevelMedium         Level = "medium"
	LevelHigh           Level = "high"
	LevelUnderAttack    Level = "under_attack"
)

// Valid reports whether l is one of the levels the API accepts.
func (l Level) Valid() bool {
	switch l {
	case LevelEssentiallyOff, LevelLow, LevelMedium, LevelHigh, LevelUnderAttack:
		return true
	}
	return false
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("invalid security level %q", s)
	}
	return l, nil
}
