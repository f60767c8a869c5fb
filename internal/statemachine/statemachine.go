// Package statemachine implements the join/replace/leave protocol that
// mutates a node's MemberState. It has no knowledge of
// transport, persistence, or gossip scheduling: it takes a MemberState,
// returns the next MemberState plus the events the mutation produced, and
// lets the caller (internal/service) decide what to do with both.
package statemachine

import (
	"github.com/mcastellin/membership/internal/errs"
	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/state"
)

// JoinType enumerates the four join operations the Service Shell accepts.
type JoinType string

const (
	JoinInit    JoinType = "init"
	JoinJoin    JoinType = "join"
	JoinReplace JoinType = "replace"
	JoinLeave   JoinType = "leave"
)

// EventType mirrors the membership_events topic's Type field.
type EventType string

const (
	EventNodeJoin  EventType = "node_join"
	EventNodeLeave EventType = "node_leave"
)

// Event is a membership_events payload produced by a local Ring mutation.
type Event struct {
	Type   EventType
	NodeId string
}

// ReplacePayload is the payload shape for a JoinReplace request.
type ReplacePayload struct {
	OldNodeId string
	NewOpts   ring.Options
}

// LeavePayload is the payload shape for a JoinLeave request.
type LeavePayload struct {
	NodeId string
}

// Result is the outcome of a successful mutation: the resulting state and
// the events it produced, in emission order.
type Result struct {
	State  state.MemberState
	Events []Event
}

// IntJoin appends newEntries to base's Ring (after validating each
// Position), sorts the Ring, and increments the clock at self. It is the
// common path shared by init, join, and the tail of replace.
func IntJoin(self string, base state.MemberState, newEntries ring.Ring) (Result, error) {
	next := base.Clone()
	events := make([]Event, 0, len(newEntries))

	for _, entry := range newEntries {
		switch next.Ring.CheckPos(entry.Position, entry.NodeId) {
		case ring.PosNodeExists:
			return Result{}, errs.NodeExistsAtPosition(entry.Position)
		case ring.PosOccupied:
			return Result{}, errs.PositionExists(entry.Position)
		}
		events = append(events, Event{Type: EventNodeJoin, NodeId: entry.NodeId})
	}

	next.Ring = append(next.Ring, newEntries...).Sorted()
	next.Clock = next.Clock.Increment(self)

	return Result{State: next, Events: events}, nil
}

// Join dispatches a join request to the appropriate handler. baseState is
// the MemberState the mutation is applied on top of: for JoinInit and
// JoinLeave this is always the local state; for JoinJoin and JoinReplace the
// caller (internal/service) has already resolved it via the pingNode RPC (or
// substituted the local state in test mode) before calling in here.
func Join(self string, joinType JoinType, baseState state.MemberState, payload any) (Result, error) {
	switch joinType {
	case JoinInit:
		entries, _ := payload.(ring.Ring)
		return IntJoin(self, baseState, entries)

	case JoinJoin:
		entries, _ := payload.(ring.Ring)
		return IntJoin(self, baseState, entries)

	case JoinReplace:
		rp, _ := payload.(ReplacePayload)
		return replace(self, baseState, rp)

	case JoinLeave:
		lp, _ := payload.(LeavePayload)
		return leave(baseState, lp)

	default:
		return Result{}, errs.ErrUnknownJoinType
	}
}

// replace locates the NodeEntry for rp.OldNodeId in baseState's Ring and
// substitutes it with an entry for self at the same Position and the new
// Options, emitting node_leave(OldNodeId). The substitution itself does not
// touch the clock; IntJoin below bumps it and carries the result through
// the usual persist-and-gossip path.
func replace(self string, baseState state.MemberState, rp ReplacePayload) (Result, error) {
	next := baseState.Clone()

	idx := next.Ring.IndexOf(rp.OldNodeId)
	if idx < 0 {
		// The old node isn't a member any more; nothing to replace. Replace
		// always targets a currently-live Ring entry fetched moments
		// earlier via pingNode.
		return IntJoin(self, next, ring.Ring{})
	}

	oldPosition := next.Ring[idx].Position
	next.Ring[idx] = ring.NodeEntry{Position: oldPosition, NodeId: self, Options: rp.NewOpts}

	events := []Event{{Type: EventNodeLeave, NodeId: rp.OldNodeId}}

	joined, err := IntJoin(self, next, ring.Ring{})
	if err != nil {
		return Result{}, err
	}
	joined.Events = append(events, joined.Events...)
	return joined, nil
}

// leave emits node_leave for the departing NodeId and returns ok without
// mutating the Ring. The Ring entry itself is left in place; nothing else
// in this package removes it.
func leave(baseState state.MemberState, lp LeavePayload) (Result, error) {
	return Result{
		State:  baseState.Clone(),
		Events: []Event{{Type: EventNodeLeave, NodeId: lp.NodeId}},
	}, nil
}
