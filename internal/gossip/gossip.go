// Package gossip implements the Gossip Engine: peer selection, the
// synchronous (call-mode) and asynchronous (cast-mode) gossip triggers, and
// inbound gossip conflict resolution. The engine holds no MemberState of
// its own — the Service Shell owns that — it only decides what a mutation
// or an inbound exchange should do.
package gossip

import (
	"context"
	"time"

	"github.com/mcastellin/membership/internal/errs"
	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/state"
	"github.com/mcastellin/membership/internal/transport"
	"github.com/mcastellin/membership/internal/vclock"
	"go.uber.org/zap"
)

// callTimeout bounds a single synchronous gossip round: a short, bounded
// wait for a single peer to reply before giving up.
const callTimeout = 2 * time.Second

// NewEngine creates a Gossip Engine bound to adapter for the node identified
// by self.
func NewEngine(self string, adapter transport.Adapter, logger *zap.Logger, testMode bool) *Engine {
	return &Engine{self: self, transport: adapter, logger: logger, testMode: testMode}
}

// Engine is the Gossip Engine.
type Engine struct {
	self      string
	transport transport.Adapter
	logger    *zap.Logger
	testMode  bool
}

// NextUpNode implements next_up_node: treating r's
// NodeIds as a circular sequence, return the first one after self that is
// both present in the up-set and not self. Returns
// errs.ErrNoGossipTargets if none qualifies, or immediately if r is empty.
func (e *Engine) NextUpNode(r ring.Ring) (string, error) {
	if len(r) == 0 {
		return "", errs.ErrNoGossipTargets
	}

	ids := r.Sorted().NodeIds()
	upSet := e.transport.UpSet()

	selfIdx := -1
	for i, id := range ids {
		if id == e.self {
			selfIdx = i
			break
		}
	}
	start := selfIdx + 1 // -1+1 == 0 when self isn't in the ring
	for i := 0; i < len(ids); i++ {
		candidate := ids[(start+i)%len(ids)]
		if candidate == e.self {
			continue
		}
		if _, up := upSet[candidate]; up {
			return candidate, nil
		}
	}
	return "", errs.ErrNoGossipTargets
}

// CallGossip ships localState to target and waits for the reply
// (call-mode). It is a no-op returning immediately in test mode.
func (e *Engine) CallGossip(target string, localState state.MemberState) (*state.MemberState, error) {
	if e.testMode {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var reply transport.GossipReply
	args := &transport.GossipArgs{Sender: e.self, State: localState}
	if err := e.transport.CallPeer(ctx, target, transport.GossipMethod, args, &reply); err != nil {
		return nil, err
	}
	return reply.NewState, nil
}

// CastGossip fires localState at target without waiting for a reply
// (cast-mode, triggered on nodeup). No-op in test mode.
func (e *Engine) CastGossip(target string, localState state.MemberState) {
	if e.testMode {
		return
	}
	args := &transport.GossipArgs{Sender: e.self, State: localState}
	e.transport.CastPeer(target, transport.GossipMethod, args)
}

// InboundOutcome is the result of HandleInbound: what to reply with, and
// whether (and to what) the local state should be adopted.
type InboundOutcome struct {
	Reply         transport.GossipResult
	Adopt         bool
	NewLocalState state.MemberState
}

// HandleInbound decides how to respond to an inbound gossip exchange by
// comparing clocks. senderKnown is false when the gossip arrived as a cast
// (fire-and-forget, no reply channel) — in that case adoption of a greater
// or concurrent remote state happens silently, with no reply computed.
func HandleInbound(remote, local state.MemberState, senderKnown bool) InboundOutcome {
	switch vclock.Compare(remote.Clock, local.Clock) {
	case vclock.Equal:
		return InboundOutcome{}

	case vclock.Less:
		localCopy := local.Clone()
		return InboundOutcome{Reply: transport.GossipResult{NewState: &localCopy}}

	case vclock.Greater:
		out := InboundOutcome{Adopt: true, NewLocalState: remote.Clone()}
		// Reply ok (zero value) when the sender is known; a cast has no
		// reply channel to use anyway.
		return out

	default: // Concurrent
		merged := state.Merge(remote, local)
		out := InboundOutcome{Adopt: true, NewLocalState: merged}
		if senderKnown {
			mergedCopy := merged.Clone()
			out.Reply = transport.GossipResult{NewState: &mergedCopy}
		}
		return out
	}
}
