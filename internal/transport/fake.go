package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcastellin/membership/internal/state"
)

// FakeRegistry is a process-wide directory of FakeTransport instances keyed
// by NodeId, used in test mode to exercise join/gossip/merge scenarios
// without sockets.
type FakeRegistry struct {
	mu    sync.RWMutex
	peers map[string]*FakeTransport
}

// NewFakeRegistry creates an empty registry shared by every FakeTransport
// created from it.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{peers: map[string]*FakeTransport{}}
}

func (r *FakeRegistry) register(nodeId string, t *FakeTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[nodeId] = t
}

func (r *FakeRegistry) lookup(nodeId string) (*FakeTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.peers[nodeId]
	return t, ok
}

// NewFakeTransport creates a FakeTransport for selfId, registering it into
// reg. In test mode the Service Shell substitutes local state for RPC-based
// state fetches and treats gossip as a no-op, so
// FakeTransport mainly exists to support integration-style tests that do
// want to exercise the wire format between two in-process Services.
func NewFakeTransport(selfId string, reg *FakeRegistry, stateFn StateProvider, gossipFn GossipHandler) *FakeTransport {
	t := &FakeTransport{
		selfId:   selfId,
		reg:      reg,
		stateFn:  stateFn,
		gossipFn: gossipFn,
		up:       map[string]struct{}{},
		liveness: make(chan LivenessEvent, 64),
	}
	reg.register(selfId, t)
	return t
}

// FakeTransport is the in-memory Transport Adapter used by tests.
type FakeTransport struct {
	selfId   string
	reg      *FakeRegistry
	stateFn  StateProvider
	gossipFn GossipHandler

	mu sync.RWMutex
	up map[string]struct{}

	liveness chan LivenessEvent
}

// SetUp marks nodeId as reachable, or removes it from the up-set if up is
// false, emitting the matching liveness transition.
func (t *FakeTransport) SetUp(nodeId string, up bool) {
	t.mu.Lock()
	_, wasUp := t.up[nodeId]
	if up {
		t.up[nodeId] = struct{}{}
	} else {
		delete(t.up, nodeId)
	}
	t.mu.Unlock()

	if up && !wasUp {
		t.emit(LivenessEvent{Type: NodeUp, NodeId: nodeId})
	} else if !up && wasUp {
		t.emit(LivenessEvent{Type: NodeDown, NodeId: nodeId})
	}
}

func (t *FakeTransport) emit(evt LivenessEvent) {
	select {
	case t.liveness <- evt:
	default:
	}
}

// CallPeer looks up nodeId in the shared registry and invokes its handler
// directly, mimicking an RPC call without touching the network.
func (t *FakeTransport) CallPeer(ctx context.Context, nodeId string, method string, args any, reply any) error {
	peer, ok := t.reg.lookup(nodeId)
	if !ok {
		return fmt.Errorf("fake transport: unknown peer %s", nodeId)
	}

	switch method {
	case StateMethod:
		r := reply.(*StateReply)
		r.State = peer.stateFn()
		return nil
	case GossipMethod:
		a := args.(*GossipArgs)
		r := reply.(*GossipReply)
		result, err := peer.gossipFn(a.Sender, a.State)
		if err != nil {
			return err
		}
		r.NewState = result.NewState
		return nil
	default:
		return fmt.Errorf("fake transport: unknown method %s", method)
	}
}

// CastPeer invokes the peer's handler in a goroutine, ignoring the result.
func (t *FakeTransport) CastPeer(nodeId string, method string, args any) {
	go func() {
		var reply GossipReply
		_ = t.CallPeer(context.Background(), nodeId, method, args, &reply)
	}()
}

// Ping marks nodeId up in the local up-set.
func (t *FakeTransport) Ping(ctx context.Context, nodeId string) error {
	if _, ok := t.reg.lookup(nodeId); !ok {
		return fmt.Errorf("fake transport: unknown peer %s", nodeId)
	}
	t.SetUp(nodeId, true)
	return nil
}

// Subscribe returns the liveness transition channel.
func (t *FakeTransport) Subscribe() <-chan LivenessEvent {
	return t.liveness
}

// UpSet returns the NodeIds this fake transport currently considers
// reachable.
func (t *FakeTransport) UpSet() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]struct{}, len(t.up))
	for id := range t.up {
		out[id] = struct{}{}
	}
	return out
}
