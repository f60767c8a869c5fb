// Package state defines MemberState, the unit of durability and gossip
// exchange: a VectorClock paired with a Ring and the node's initial
// configuration arguments.
package state

import (
	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/vclock"
)

// MemberState is the atomic unit of durability and of gossip exchange.
type MemberState struct {
	Clock vclock.Clock
	Ring  ring.Ring
	Args  map[string]string
}

// Empty returns an empty MemberState, the starting point for a node with no
// restored snapshot.
func Empty() MemberState {
	return MemberState{Clock: vclock.New(), Ring: ring.Ring{}}
}

// Clone returns a deep copy of s so a consumer outside the Service Shell
// never holds a reference into live state.
func (s MemberState) Clone() MemberState {
	args := make(map[string]string, len(s.Args))
	for k, v := range s.Args {
		args[k] = v
	}
	return MemberState{
		Clock: s.Clock.Clone(),
		Ring:  s.Ring.Clone(),
		Args:  args,
	}
}

// Equal reports whether a and b have the same Clock and the same Ring, up to
// Ring ordering. This is the equality used to group peer replies in
// states().
func Equal(a, b MemberState) bool {
	return vclock.Equals(a.Clock, b.Clock) && ring.Equal(a.Ring, b.Ring)
}

// Merge combines remote and local into a single MemberState: the merged
// clock is the pointwise max of both clocks, the merged ring is the
// deterministic merge_rings result.
func Merge(remote, local MemberState) MemberState {
	return MemberState{
		Clock: vclock.Merge(remote.Clock, local.Clock),
		Ring:  ring.Merge(remote.Ring, local.Ring),
		Args:  local.Args,
	}
}
