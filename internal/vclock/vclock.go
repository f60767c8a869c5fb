// Package vclock implements a per-node logical clock used to causally order
// MemberState snapshots exchanged between nodes during gossip.
package vclock

// Ordering is the result of comparing two VectorClocks.
type Ordering int

const (
	Equal Ordering = iota
	Less
	Greater
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Less:
		return "less"
	case Greater:
		return "greater"
	default:
		return "concurrent"
	}
}

// Clock is a mapping from NodeId to a monotonically increasing counter.
// A nil Clock reads as an empty clock; Increment needs a non-nil Clock
// (from New or Clone).
type Clock map[string]uint64

// New returns an empty Clock.
func New() Clock {
	return Clock{}
}

// Clone returns a deep copy of c. Consumers outside the Service Shell must
// never hold a reference into a live Clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Increment bumps the counter for self and returns the updated clock. The
// receiver is mutated in place; callers that need the old value should Clone
// first.
func (c Clock) Increment(self string) Clock {
	c[self]++
	return c
}

// Equals reports whether a and b have identical counters for every NodeId
// referenced by either clock.
func Equals(a, b Clock) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v {
			return false
		}
	}
	return true
}

// Compare returns the causal relationship of a to b.
//
//   - Equal: every counter matches.
//   - Less: every counter in a is <= the corresponding counter in b, and at
//     least one is strictly smaller.
//   - Greater: the symmetric case.
//   - Concurrent: neither dominates the other.
func Compare(a, b Clock) Ordering {
	if Equals(a, b) {
		return Equal
	}

	aLess, bLess := false, false
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if a[k] < b[k] {
			aLess = true
		}
		if a[k] > b[k] {
			bLess = true
		}
	}

	switch {
	case aLess && !bLess:
		return Less
	case bLess && !aLess:
		return Greater
	default:
		return Concurrent
	}
}

// Merge returns the pointwise maximum of a and b. Neither input is mutated.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}
