package monitor

import "fmt"

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Backoff
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

type ConnEvent int

const (
	EvStart ConnEvent = iota
	EvDialed
	EvDialFailed
	EvDropped
	EvBackoffElapsed
	EvStop
)

func (e ConnEvent) String() string {
	return [...]string{"start", "dialed", "dial-failed", "dropped", "backoff-elapsed", "stop"}[e]
}

// transition is the connection state machine. It returns false for events
// that are not valid in the current state.
func transition(s ConnState, e ConnEvent) (ConnState, bool) {
	if e == EvStop {
		return Disconnected, true
	}
	switch s {
	case Disconnected:
		if e == EvStart {
			return Connecting, true
		}
	case Connecting:
		switch e {
		case EvDialed:
			return Connected, true
		case EvDialFailed:
			return Backoff, true
		}
	case Connected:
		if e == EvDropped {
			return Backoff, true
		}
	case Backoff:
		if e == EvBackoffElapsed {
			return Connecting, true
		}
	}
	return s, false
}

// connFSM tracks one source's connection and its consecutive failures,
// which drive the backoff and reset after a successful connect.
type connFSM struct {
	state    ConnState
	failures int
}

func (f *connFSM) fire(e ConnEvent) error {
	next, ok := transition(f.state, e)
	if !ok {
		return fmt.Errorf("invalid event %s in state %s", e, f.state)
	}
	switch e {
	case EvDialed:
		f.failures = 0
	case EvDialFailed, EvDropped:
		f.failures++
	}
	f.state = next
	return nil
}
