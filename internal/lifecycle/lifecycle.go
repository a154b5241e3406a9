// Package lifecycle holds the run state shared by the capture daemon and the
// stream consumer: Starting, Running, Draining, Stopped.
package lifecycle

import "sync/atomic"

// State is a position in the daemon lifecycle.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tracker holds a State that one goroutine advances and others read. The
// zero value is Starting.
type Tracker struct {
	v        atomic.Int32
	OnChange func(from, to State)
}

// Load returns the current state.
func (t *Tracker) Load() State { return State(t.v.Load()) }

// Advance moves to s. States only move forward; an attempt to go back is
// ignored and reported as false.
func (t *Tracker) Advance(s State) bool {
	for {
		cur := t.v.Load()
		if State(cur) >= s {
			return false
		}
		if t.v.CompareAndSwap(cur, int32(s)) {
			if t.OnChange != nil {
				t.OnChange(State(cur), s)
			}
			return true
		}
	}
}
