package silas

import "fmt"

// Taint is a provenance tag carried with every message, tool output, and
// response. The lattice is ordered owner < auth < external; joining two
// taints takes the maximum, so anything touched by external content is
// stamped external on the way out.
type Taint int

const (
	// TaintOwner marks content originating from the owner connection.
	TaintOwner Taint = iota
	// TaintAuth marks content from an authenticated, non-owner source.
	TaintAuth
	// TaintExternal marks content from untrusted external sources
	// (web results, unauthenticated senders, unknown tools).
	TaintExternal
)

// String returns the taint name.
func (t Taint) String() string {
	switch t {
	case TaintOwner:
		return "owner"
	case TaintAuth:
		return "auth"
	case TaintExternal:
		return "external"
	default:
		return fmt.Sprintf("taint(%d)", int(t))
	}
}

// ParseTaint converts a taint name to its level. Unknown names map to
// TaintExternal: when provenance is unclear, assume the worst.
func ParseTaint(s string) Taint {
	switch s {
	case "owner":
		return TaintOwner
	case "auth":
		return TaintAuth
	default:
		return TaintExternal
	}
}

// Join returns the lattice join (maximum) of two taints.
func (t Taint) Join(other Taint) Taint {
	if other > t {
		return other
	}
	return t
}

// Exceeds reports whether t is strictly above the given ceiling.
func (t Taint) Exceeds(ceiling Taint) bool { return t > ceiling }

// TaintTracker accumulates the join of every taint observed during a turn.
// One tracker belongs to exactly one turn processor; it is reset at the top
// of each turn and never shared across connections.
type TaintTracker struct {
	current Taint
}

// NewTaintTracker returns a tracker reset to TaintOwner.
func NewTaintTracker() *TaintTracker {
	return &TaintTracker{current: TaintOwner}
}

// Reset clears the tracker back to TaintOwner for a new turn.
func (tt *TaintTracker) Reset() { tt.current = TaintOwner }

// Record joins the observed taint into the running accumulation.
func (tt *TaintTracker) Record(t Taint) { tt.current = tt.current.Join(t) }

// Current returns the join of all taints recorded since the last Reset.
func (tt *TaintTracker) Current() Taint { return tt.current }
