// Package errs defines the sentinel error kinds surfaced by the membership
// service, wrapped with the offending details via %w so
// callers can still errors.Is against the base sentinel.
package errs

import "fmt"

var (
	// ErrNodeExistsAtPosition is node_exists_at_position_<N>: the same
	// NodeId already occupies the requested Position.
	ErrNodeExistsAtPosition = fmt.Errorf("node already exists at position")
	// ErrPositionExists is position_exists_<N>: a different NodeId already
	// occupies the requested Position.
	ErrPositionExists = fmt.Errorf("position already occupied by another node")
	// ErrUnknownJoinType is unknown_join_type.
	ErrUnknownJoinType = fmt.Errorf("unknown join type")
	// ErrBadMemStateFile is bad_mem_state_file: a snapshot file exists but
	// could not be parsed.
	ErrBadMemStateFile = fmt.Errorf("bad membership state file")
	// ErrMemStateFileNotFound is mem_state_file_not_found: no snapshot file
	// is present in the data directory.
	ErrMemStateFileNotFound = fmt.Errorf("membership state file not found")
	// ErrNotReset is returned by reset() outside of test mode.
	ErrNotReset = fmt.Errorf("not_reset")
	// ErrNoGossipTargets is returned internally (never to a caller) when no
	// up peer is available to gossip with.
	ErrNoGossipTargets = fmt.Errorf("no gossip targets available")
)

// NodeExistsAtPosition builds node_exists_at_position_<N>.
func NodeExistsAtPosition(position int) error {
	return fmt.Errorf("node_exists_at_position_%d: %w", position, ErrNodeExistsAtPosition)
}

// PositionExists builds position_exists_<N>.
func PositionExists(position int) error {
	return fmt.Errorf("position_exists_%d: %w", position, ErrPositionExists)
}

// BadStateMatch builds the bad_state_match(self, mismatching) log payload
// used by automatic rejoin. It is never surfaced to a
// caller; rejoin handles it by resetting to empty state.
type BadStateMatch struct {
	Self        string
	Mismatching []string
}

func (e *BadStateMatch) Error() string {
	return fmt.Sprintf("bad_state_match(%s, %v)", e.Self, e.Mismatching)
}
