package roster

import "github.com/partyroster/be/pkg/repositories/party"

// State is the lifecycle state of a party.
//
//	Open <-> Closed        reversible, roster operations unaffected
//	Open|Closed -> Expired terminal
type State int

const (
	StateOpen State = iota
	StateClosed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateExpired:
		return "expired"
	default:
		return "open"
	}
}

// StateOf derives the lifecycle state from the stored flags.
func StateOf(p *party.Party) State {
	switch {
	case p.Expired:
		return StateExpired
	case p.Closed:
		return StateClosed
	default:
		return StateOpen
	}
}

// Mutable reports whether roster and field mutations are accepted.
// Closed parties stay mutable; only new joins are gated on Closed, and
// that gate belongs to the caller.
func (s State) Mutable() bool { return s != StateExpired }

// AcceptsJoins reports whether the presentation layer should offer joining.
func (s State) AcceptsJoins() bool { return s == StateOpen }
