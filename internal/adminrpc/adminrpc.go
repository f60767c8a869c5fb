// Package adminrpc exposes the Service Shell's local-only operations
// (join, clock, state, states, nodes, fullnodes, start_gossip, reset,
// snapshots) over net/rpc, so the membershipd CLI can drive a running node
// from a separate process the same way remote-procedure-call/plugin/rpc.go's
// Client drives a plugin. These methods are deliberately absent from
// internal/transport's peer-facing Adapter: join only ever makes sense
// against the local node, and the rest of this set has no business being
// reachable from another node.
package adminrpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"

	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/service"
	"github.com/mcastellin/membership/internal/state"
	"github.com/mcastellin/membership/internal/statemachine"
	"github.com/mcastellin/membership/internal/vclock"
)

// serviceName is the net/rpc registration name for the admin surface.
const serviceName = "MembershipAdmin"

// JoinArgs is the wire form of service.JoinInput.
type JoinArgs struct {
	Type     statemachine.JoinType
	Entries  ring.Ring
	Replace  statemachine.ReplacePayload
	Leave    statemachine.LeavePayload
	PingNode string
}

// JoinReply carries the resulting MemberState. A join error is not part of
// the reply: net/rpc returns the handler's error message to the client as
// the call's error string.
type JoinReply struct {
	State state.MemberState
}

type ClockArgs struct{}
type ClockReply struct{ Clock vclock.Clock }

type StateArgs struct{}
type StateReply struct{ State state.MemberState }

type StatesArgs struct{}
type StatesReply struct {
	Groups         []service.StateGroup
	BadNodes       []string
	NonMemberNodes []string
}

type NodesArgs struct{}
type NodesReply struct{ NodeIds []string }

type FullNodesArgs struct{}
type FullNodesReply struct{ Entries ring.Ring }

type GossipArgs struct{}
type GossipReply struct{}

type ResetArgs struct{}
type ResetReply struct{}

type SnapshotsArgs struct{}
type SnapshotsReply struct{ Names []string }

// NewServer wraps svc behind a net/rpc server; Serve starts listening.
func NewServer(svc *service.Service) *Server {
	s := &Server{svc: svc, closing: make(chan chan error)}
	engine := rpc.NewServer()
	engine.RegisterName(serviceName, &receiver{svc: svc})
	s.engine = engine
	return s
}

// Server is the admin-facing net/rpc listener, grounded in
// internal/transport's RPCTransport.serveLoop split accept/serve shape.
type Server struct {
	svc     *service.Service
	engine  *rpc.Server
	closing chan chan error
}

// Serve starts accepting admin connections on bindAddr in the background.
func (s *Server) Serve(bindAddr string) error {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", bindAddr, err)
	}
	go s.serveLoop(l)
	return nil
}

// Shutdown stops accepting admin connections.
func (s *Server) Shutdown() error {
	errCh := make(chan error)
	s.closing <- errCh
	return <-errCh
}

func (s *Server) serveLoop(l net.Listener) {
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
			go s.engine.ServeConn(conn)
			accepting <- struct{}{}

		case errCh := <-s.closing:
			errCh <- nil
			return
		}
	}
}

type receiver struct {
	svc *service.Service
}

func (r *receiver) Join(args *JoinArgs, reply *JoinReply) error {
	st, err := r.svc.Join(service.JoinInput{
		Type:     args.Type,
		Entries:  args.Entries,
		Replace:  args.Replace,
		Leave:    args.Leave,
		PingNode: args.PingNode,
	})
	if err != nil {
		return err
	}
	reply.State = st
	return nil
}

func (r *receiver) Clock(args *ClockArgs, reply *ClockReply) error {
	reply.Clock = r.svc.Clock()
	return nil
}

func (r *receiver) State(args *StateArgs, reply *StateReply) error {
	reply.State = r.svc.State()
	return nil
}

func (r *receiver) States(args *StatesArgs, reply *StatesReply) error {
	result := r.svc.States()
	reply.Groups = result.Groups
	reply.BadNodes = result.BadNodes
	reply.NonMemberNodes = result.NonMemberNodes
	return nil
}

func (r *receiver) Nodes(args *NodesArgs, reply *NodesReply) error {
	reply.NodeIds = r.svc.Nodes()
	return nil
}

func (r *receiver) FullNodes(args *FullNodesArgs, reply *FullNodesReply) error {
	reply.Entries = r.svc.FullNodes()
	return nil
}

func (r *receiver) Gossip(args *GossipArgs, reply *GossipReply) error {
	return r.svc.StartGossip()
}

func (r *receiver) Reset(args *ResetArgs, reply *ResetReply) error {
	return r.svc.Reset()
}

func (r *receiver) Snapshots(args *SnapshotsArgs, reply *SnapshotsReply) error {
	names, err := r.svc.Snapshots()
	if err != nil {
		return err
	}
	reply.Names = names
	return nil
}

// Client dials a running membershipd's admin port. It is a thin,
// lazy-dial-per-call wrapper: the CLI process is short-lived, so there is no
// long-lived connection to amortize a dial against. This is the same
// dial-per-call shape internal/transport.RPCTransport's CallPeer uses.
type Client struct {
	addr string
}

// NewClient creates a Client bound to a running membershipd's admin address.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	client, err := rpc.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing admin port %s: %w", c.addr, err)
	}
	defer client.Close()

	call := client.Go(fmt.Sprintf("%s.%s", serviceName, method), args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return fmt.Errorf("calling %s.%s on %s: %w", serviceName, method, c.addr, ctx.Err())
	}
}

func (c *Client) Join(ctx context.Context, in JoinArgs) (state.MemberState, error) {
	var reply JoinReply
	err := c.call(ctx, "Join", &in, &reply)
	return reply.State, err
}

func (c *Client) Clock(ctx context.Context) (vclock.Clock, error) {
	var reply ClockReply
	err := c.call(ctx, "Clock", &ClockArgs{}, &reply)
	return reply.Clock, err
}

func (c *Client) State(ctx context.Context) (state.MemberState, error) {
	var reply StateReply
	err := c.call(ctx, "State", &StateArgs{}, &reply)
	return reply.State, err
}

func (c *Client) States(ctx context.Context) (StatesReply, error) {
	var reply StatesReply
	err := c.call(ctx, "States", &StatesArgs{}, &reply)
	return reply, err
}

func (c *Client) Nodes(ctx context.Context) ([]string, error) {
	var reply NodesReply
	err := c.call(ctx, "Nodes", &NodesArgs{}, &reply)
	return reply.NodeIds, err
}

func (c *Client) FullNodes(ctx context.Context) (ring.Ring, error) {
	var reply FullNodesReply
	err := c.call(ctx, "FullNodes", &FullNodesArgs{}, &reply)
	return reply.Entries, err
}

func (c *Client) Gossip(ctx context.Context) error {
	var reply GossipReply
	return c.call(ctx, "Gossip", &GossipArgs{}, &reply)
}

func (c *Client) Reset(ctx context.Context) error {
	var reply ResetReply
	return c.call(ctx, "Reset", &ResetArgs{}, &reply)
}

func (c *Client) Snapshots(ctx context.Context) ([]string, error) {
	var reply SnapshotsReply
	err := c.call(ctx, "Snapshots", &SnapshotsArgs{}, &reply)
	return reply.Names, err
}
