// Package system provides the wall clock used by the bypass timer, the observer,
// and the control service.
package system

import "time"

// Clock reads time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Until reports how long until t, never negative.
func (c Clock) Until(t time.Time) time.Duration {
	if d := t.Sub(c.Now()); d > 0 {
		return d
	}
	return 0
}
