package repnet

import (
	"math"
	"time"
)

// Uptime reports how long the Registry has existed
func (r *Registry) Uptime() time.Duration {
	return r.clock.Now().Sub(r.started)
}

// UptimeSeconds reports the uptime in whole seconds
func (r *Registry) UptimeSeconds() float64 {
	return math.Floor(r.Uptime().Seconds())
}
