package plc

import "time"

// RegisterSnapshot is a point-in-time read of the status registers.
type RegisterSnapshot struct {
	Fault       Tristate  `json:"fault"`
	PreviousCar Tristate  `json:"previousCar"`
	Ready       Tristate  `json:"ready"`
	Position    Tristate  `json:"position"`
	AutoStatus  Tristate  `json:"autoStatus"`
	Counters    Counters  `json:"counters"`
	CapturedAt  time.Time `json:"capturedAt"`
	Online      bool      `json:"online"`
}

// Stale reports whether the snapshot is older than maxAge at now. A zero
// snapshot is always stale.
func (s RegisterSnapshot) Stale(now time.Time, maxAge time.Duration) bool {
	if s.CapturedAt.IsZero() {
		return true
	}
	return now.Sub(s.CapturedAt) > maxAge
}
