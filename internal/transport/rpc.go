package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/mcastellin/membership/internal/state"
	"go.uber.org/zap"
)

// net/rpc's default gob codec needs every concrete type that can appear
// behind a ring.Options value (map[string]any) registered up front. "hints"
// is the only recognised key today, carrying a []string.
func init() {
	gob.Register([]string{})
}

const (
	// rpcServiceName is the name the membership RPC receiver is registered
	// under, mirroring gossip/pkg/gossiper.go's gossipReceiverRPC constant.
	rpcServiceName = "MembershipRPC"

	// taintedThreshold is the number of consecutive missed heartbeats after
	// which a peer is considered down, directly grounded on
	// gossip/pkg/statemachine.go's taintedThreshold.
	taintedThreshold = 3

	heartBeatInterval = time.Second
	upSetCacheTTL     = 500 * time.Millisecond
)

// StateProvider returns the local node's current MemberState, used to
// answer the "state" RPC.
type StateProvider func() state.MemberState

// GossipResult is the RPC-level gossip reply: either a plain ok (NewState
// nil) or {new_state, MemberState}.
type GossipResult struct {
	NewState *state.MemberState
}

// GossipHandler processes an inbound gossip exchange from sender carrying
// remote, returning the reply to send back.
type GossipHandler func(sender string, remote state.MemberState) (GossipResult, error)

// NewRPCTransport creates a production Transport Adapter. NodeId doubles as
// the net/rpc dial address, following gossip/pkg/statemachine.go's NodeAddr
// convention (a node's identity and its network address are the same
// string), so there is no separate addressing scheme to maintain.
func NewRPCTransport(bindAddr string, logger *zap.Logger, stateFn StateProvider, gossipFn GossipHandler) *RPCTransport {
	t := &RPCTransport{
		bindAddr: bindAddr,
		logger:   logger,
		stateFn:  stateFn,
		gossipFn: gossipFn,
		peers:    map[string]*peerHealth{},
		liveness: make(chan LivenessEvent, 64),
		closing:  make(chan chan error),
	}
	engine := rpc.NewServer()
	engine.RegisterName(rpcServiceName, &rpcReceiver{t: t})
	t.engine = engine
	return t
}

// RPCTransport is the production Transport Adapter: a net/rpc client/server
// pair per node, grounded in gossip/pkg/gossiper.go's serveLoop (split
// accept/serve select). Every peer call is a fresh dial-and-close
// (CallPeer), since net/rpc connections aren't safe to share across the
// concurrent callers here without their own pooling layer.
type RPCTransport struct {
	bindAddr string
	logger   *zap.Logger
	stateFn  StateProvider
	gossipFn GossipHandler

	engine *rpc.Server

	mu    sync.RWMutex
	peers map[string]*peerHealth

	liveness chan LivenessEvent

	upsetMu     sync.Mutex
	upsetCached map[string]struct{}
	upsetExpiry time.Time

	closing chan chan error
}

// peerHealth tracks a watched peer's heartbeat status, generalized from
// gossip/pkg/statemachine.go's HeartBeatState{Generation, Version, Tainted}.
type peerHealth struct {
	tainted uint64
}

func (h *peerHealth) active() bool {
	return h.tainted < taintedThreshold
}

// Serve starts the RPC listener and the heartbeat loop in the background.
func (t *RPCTransport) Serve() error {
	l, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.bindAddr, err)
	}

	go t.serveLoop(l)
	go t.heartBeatLoop()
	return nil
}

// Shutdown stops the RPC listener and heartbeat loop, waiting for
// acknowledgement, mirroring gossip/pkg/gossiper.go's Shutdown handshake.
func (t *RPCTransport) Shutdown() error {
	// serveLoop and heartBeatLoop each take one request off t.closing.
	for i := 0; i < 2; i++ {
		errCh := make(chan error)
		t.closing <- errCh
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func (t *RPCTransport) serveLoop(l net.Listener) {
	defer l.Close()

	serving := make(chan net.Conn, 1)
	accepting := make(chan struct{}, 1)
	accepting <- struct{}{}
	for {
		select {
		case <-accepting:
			go func() {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				serving <- conn
			}()

		case conn, ok := <-serving:
			if !ok {
				return
			}
			go t.engine.ServeConn(conn)
			accepting <- struct{}{}

		case errCh := <-t.closing:
			errCh <- nil
			return
		}
	}
}

// Watch registers nodeId for heartbeat-based liveness tracking. Called by
// the Service Shell whenever the Ring gains a new peer.
func (t *RPCTransport) Watch(nodeId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[nodeId]; !ok {
		t.peers[nodeId] = &peerHealth{}
	}
}

func (t *RPCTransport) heartBeatLoop() {
	ticker := time.NewTicker(heartBeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.beatAll()
		case errCh := <-t.closing:
			errCh <- nil
			return
		}
	}
}

func (t *RPCTransport) beatAll() {
	t.mu.RLock()
	nodeIds := make([]string, 0, len(t.peers))
	for id := range t.peers {
		nodeIds = append(nodeIds, id)
	}
	t.mu.RUnlock()

	for _, id := range nodeIds {
		ctx, cancel := context.WithTimeout(context.Background(), heartBeatInterval)
		err := t.Ping(ctx, id)
		cancel()
		t.recordHeartBeat(id, err == nil)
	}
}

func (t *RPCTransport) recordHeartBeat(nodeId string, ok bool) {
	t.mu.Lock()
	h, exists := t.peers[nodeId]
	if !exists {
		t.mu.Unlock()
		return
	}
	wasUp := h.active()
	if ok {
		h.tainted = 0
	} else {
		h.tainted++
	}
	isUp := h.active()
	t.mu.Unlock()

	if wasUp == isUp {
		return
	}

	t.invalidateUpSet()
	if isUp {
		t.emitLiveness(LivenessEvent{Type: NodeUp, NodeId: nodeId})
	} else {
		t.emitLiveness(LivenessEvent{Type: NodeDown, NodeId: nodeId})
	}
}

func (t *RPCTransport) emitLiveness(evt LivenessEvent) {
	select {
	case t.liveness <- evt:
	default:
		t.logger.Warn("liveness channel full, dropping event", zap.String("node", evt.NodeId))
	}
}

// CallPeer dials nodeId and performs a synchronous RPC, bounded by ctx.
func (t *RPCTransport) CallPeer(ctx context.Context, nodeId string, method string, args any, reply any) error {
	client, err := rpc.Dial("tcp", nodeId)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", nodeId, err)
	}
	defer client.Close()

	call := client.Go(fmt.Sprintf("%s.%s", rpcServiceName, method), args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return fmt.Errorf("calling %s.%s on %s: %w", rpcServiceName, method, nodeId, ctx.Err())
	}
}

// CastPeer performs a fire-and-forget RPC against nodeId.
func (t *RPCTransport) CastPeer(nodeId string, method string, args any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var reply struct{}
		if err := t.CallPeer(ctx, nodeId, method, args, &reply); err != nil {
			t.logger.Warn("cast failed", zap.String("node", nodeId), zap.String("method", method), zap.Error(err))
		}
	}()
}

// Ping forces liveness detection of nodeId by issuing a state RPC and
// discarding the reply.
func (t *RPCTransport) Ping(ctx context.Context, nodeId string) error {
	var reply StateReply
	return t.CallPeer(ctx, nodeId, StateMethod, &StateArgs{}, &reply)
}

// Subscribe returns the liveness transition channel.
func (t *RPCTransport) Subscribe() <-chan LivenessEvent {
	return t.liveness
}

// UpSet returns the NodeIds currently considered reachable, fronted by a
// short-TTL memoized value invalidated on every liveness transition. The
// up-set has exactly one cacheable shape (there's nothing to key it by), so
// this is a single cached value guarded by a mutex rather than a general
// keyed cache.
func (t *RPCTransport) UpSet() map[string]struct{} {
	t.upsetMu.Lock()
	defer t.upsetMu.Unlock()

	if t.upsetCached != nil && time.Now().Before(t.upsetExpiry) {
		return t.upsetCached
	}

	out := t.computeUpSet()
	t.upsetCached = out
	t.upsetExpiry = time.Now().Add(upSetCacheTTL)
	return out
}

func (t *RPCTransport) invalidateUpSet() {
	t.upsetMu.Lock()
	defer t.upsetMu.Unlock()
	t.upsetCached = nil
}

func (t *RPCTransport) computeUpSet() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]struct{}, len(t.peers))
	for id, h := range t.peers {
		if h.active() {
			out[id] = struct{}{}
		}
	}
	return out
}

// StateArgs is the "state" RPC request (no fields: the caller wants the full
// current MemberState).
type StateArgs struct{}

// StateReply is the "state" RPC response.
type StateReply struct {
	State state.MemberState
}

// GossipArgs is the "{gossip, MemberState}" RPC request.
type GossipArgs struct {
	Sender string
	State  state.MemberState
}

// GossipReply is the "{gossip, MemberState}" RPC response.
type GossipReply struct {
	NewState *state.MemberState
}

// rpcReceiver is the net/rpc-registered type exposing the two peer-facing
// methods. join is deliberately absent: it is local-only.
type rpcReceiver struct {
	t *RPCTransport
}

func (r *rpcReceiver) State(args *StateArgs, reply *StateReply) error {
	reply.State = r.t.stateFn()
	return nil
}

func (r *rpcReceiver) Gossip(args *GossipArgs, reply *GossipReply) error {
	result, err := r.t.gossipFn(args.Sender, args.State)
	if err != nil {
		return err
	}
	reply.NewState = result.NewState
	return nil
}
