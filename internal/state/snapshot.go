package state

import (
	"time"

	"github.com/aixgo-dev/stagecraft/pkg/scenario"
)

// Snapshot is an immutable copy of the state vector. It implements expr.Env
// so conditions and guards can be evaluated against it off the session
// goroutine.
type Snapshot struct {
	sc      *scenario.Scenario
	values  []float64
	updated []time.Time

	Phase     int
	PhaseName string
	Ended     bool
	Outcome   string
	Ticks     uint64
	At        time.Time
}

// Number returns the named numeric value. Unknown names read as zero.
func (s Snapshot) Number(name string) float64 {
	v, _ := s.Value(name)
	return v
}

// Bool returns the named boolean value.
func (s Snapshot) Bool(name string) bool {
	v, _ := s.Value(name)
	return v != 0
}

// Value returns the raw value of the named variable.
func (s Snapshot) Value(name string) (float64, bool) {
	if s.sc == nil {
		return 0, false
	}
	i, ok := s.sc.VarIndex(name)
	if !ok {
		return 0, false
	}
	return s.values[i], true
}

// UpdatedAt returns when the named variable last changed.
func (s Snapshot) UpdatedAt(name string) time.Time {
	if s.sc == nil {
		return time.Time{}
	}
	i, ok := s.sc.VarIndex(name)
	if !ok {
		return time.Time{}
	}
	return s.updated[i]
}

// Values returns the state vector keyed by name. Booleans are 0 or 1.
func (s Snapshot) Values() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	if s.sc == nil {
		return out
	}
	for _, v := range s.sc.Variables {
		out[v.Name] = s.values[v.Index]
	}
	return out
}

// Scenario returns the scenario the snapshot was taken from.
func (s Snapshot) Scenario() *scenario.Scenario { return s.sc }
