package repnet

import "time"

// A TimeProvider tells the current time,
// connections and drivers never call time.Now directly
type TimeProvider interface {
	Now() time.Time
}

// RealClock is the system clock
type RealClock struct{}

// Now returns time.Now()
func (RealClock) Now() time.Time { return time.Now() }
