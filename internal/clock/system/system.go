// Package system provides the wall clock used for run names and checkpoint timestamps.
package system

import "time"

// Clock implements crawler.Clock using time.Now in the local zone, so run
// directory names match the operator's wall clock.
type Clock struct {
	loc *time.Location
}

// New creates a Clock in the local time zone.
func New() *Clock {
	return &Clock{loc: time.Local}
}

// NewInLocation creates a Clock pinned to loc.
func NewInLocation(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now()
	}
	return time.Now().In(c.loc)
}
