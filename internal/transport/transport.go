// Package transport implements the Transport Adapter: a small capability interface for point-to-point RPC between
// instances of the same service, liveness (up/down) notification, and an
// up-set query. This is the only component the Service Shell depends on for
// reaching another node.
package transport

import (
	"context"
)

// LivenessType distinguishes the two notifications the adapter delivers.
type LivenessType int

const (
	NodeUp LivenessType = iota
	NodeDown
)

// LivenessEvent is delivered to Service Shell subscribers on an up/down
// transition.
type LivenessEvent struct {
	Type   LivenessType
	NodeId string
}

// GossipMethod is the RPC method name local join requests must never be
// routed through.
const GossipMethod = "Gossip"

// StateMethod is the RPC method name peers use to fetch a full MemberState.
const StateMethod = "State"

// Adapter is the capability set the Service Shell and Gossip Engine use to
// reach other nodes. Implementations: RPCTransport (production, net/rpc) and
// FakeTransport (test mode, in-memory).
type Adapter interface {
	// CallPeer performs a synchronous RPC of method against nodeId,
	// encoding args and decoding into reply, bounded by ctx's deadline.
	CallPeer(ctx context.Context, nodeId string, method string, args any, reply any) error
	// CastPeer performs a fire-and-forget RPC of method against nodeId.
	CastPeer(nodeId string, method string, args any)
	// Ping forces liveness detection of nodeId.
	Ping(ctx context.Context, nodeId string) error
	// Subscribe returns a channel of liveness transitions.
	Subscribe() <-chan LivenessEvent
	// UpSet returns the NodeIds currently believed reachable.
	UpSet() map[string]struct{}
}
