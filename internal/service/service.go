// Package service implements the Service Shell: the single-writer request
// loop that serialises every local operation, inbound gossip, and liveness
// notification on one node. It is the only component that owns a mutable
// MemberState; every other component receives copies.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcastellin/membership/internal/errs"
	"github.com/mcastellin/membership/internal/events"
	"github.com/mcastellin/membership/internal/gossip"
	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/state"
	"github.com/mcastellin/membership/internal/statemachine"
	"github.com/mcastellin/membership/internal/store"
	"github.com/mcastellin/membership/internal/transport"
	"github.com/mcastellin/membership/internal/vclock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// mailboxBufferSize bounds the Service Shell's ordered request mailbox.
	mailboxBufferSize = 256

	// statesTimeout bounds each per-peer call made by States().
	statesTimeout = 5 * time.Second

	// pingTimeout bounds a single pingNode state fetch during join/replace.
	pingTimeout = 5 * time.Second
)

// JoinInput is the join() operation's request payload. Exactly one of
// Entries, Replace, Leave is meaningful, selected by Type.
type JoinInput struct {
	Type     statemachine.JoinType
	Entries  ring.Ring
	Replace  statemachine.ReplacePayload
	Leave    statemachine.LeavePayload
	PingNode string
}

// StateGroup is one bucket of states() output: every NodeId listed reported
// an equal MemberState.
type StateGroup struct {
	State   state.MemberState
	NodeIds []string
}

// StatesResult is states()'s full reply.
type StatesResult struct {
	Groups         []StateGroup
	BadNodes       []string
	NonMemberNodes []string
}

// Deps bundles the collaborators a Service is constructed with.
type Deps struct {
	Self      string
	TestMode  bool
	Logger    *zap.Logger
	Store     *store.FileStore
	Transport transport.Adapter
	Events    *events.Bus
	Engine    *gossip.Engine
}

// New creates a Service Shell. Call Start to begin processing the mailbox.
func New(deps Deps) *Service {
	return &Service{
		self:      deps.Self,
		testMode:  deps.TestMode,
		logger:    deps.Logger,
		store:     deps.Store,
		transport: deps.Transport,
		events:    deps.Events,
		engine:    deps.Engine,
		current:   state.Empty(),
		mailbox:   make(chan mailboxMsg, mailboxBufferSize),
		shutdown:  make(chan chan error),
	}
}

// Service is the Membership Service Shell: one goroutine owns `current` and
// every transition runs through the mailbox, mirroring
// distributed-queue/pkg/queue/queue.go's worker Run/Stop pattern generalized
// from a single request kind to the full set of join, gossip, and liveness
// operations a node handles.
type Service struct {
	self     string
	testMode bool
	logger   *zap.Logger

	store     *store.FileStore
	transport transport.Adapter
	events    *events.Bus
	engine    *gossip.Engine

	current state.MemberState

	mailbox  chan mailboxMsg
	shutdown chan chan error
}

// mailboxMsg is the sum type of everything the Service Shell's loop can
// receive: synchronous calls (carrying a reply channel) and asynchronous
// casts/system messages (none).
type mailboxMsg interface{ isMailboxMsg() }

type joinMsg struct {
	in      JoinInput
	replyCh chan joinReply
}
type joinReply struct {
	state state.MemberState
	err   error
}

type clockMsg struct{ replyCh chan vclock.Clock }
type stateMsg struct{ replyCh chan state.MemberState }
type statesMsg struct{ replyCh chan StatesResult }
type nodesMsg struct{ replyCh chan []string }
type fullnodesMsg struct{ replyCh chan ring.Ring }
type startGossipMsg struct{ replyCh chan error }
type resetMsg struct{ replyCh chan error }

type inboundGossipMsg struct {
	sender      string
	remote      state.MemberState
	senderKnown bool
	replyCh     chan transport.GossipResult
}

type nodeUpMsg struct{ nodeId string }
type nodeDownMsg struct{ nodeId string }

func (joinMsg) isMailboxMsg()          {}
func (clockMsg) isMailboxMsg()         {}
func (stateMsg) isMailboxMsg()         {}
func (statesMsg) isMailboxMsg()        {}
func (nodesMsg) isMailboxMsg()         {}
func (fullnodesMsg) isMailboxMsg()     {}
func (startGossipMsg) isMailboxMsg()   {}
func (resetMsg) isMailboxMsg()         {}
func (inboundGossipMsg) isMailboxMsg() {}
func (nodeUpMsg) isMailboxMsg()        {}
func (nodeDownMsg) isMailboxMsg()      {}

// Start loads the newest snapshot, attempts automatic rejoin if one was
// restored, begins the liveness subscription loop, and starts the mailbox
// loop itself. The StateProvider/GossipHandler callbacks are bound to the
// transport by whoever constructs it, not here.
func (s *Service) Start() error {
	loaded, err := s.store.Load()
	if err != nil {
		s.logger.Info("no prior membership state found, starting empty", zap.Error(err))
		s.current = state.Empty()
	} else {
		s.current = loaded
		s.rejoin()
	}

	go s.liveEventLoop()
	go s.loop()
	return nil
}

// Stop terminates the mailbox loop.
func (s *Service) Stop() error {
	errCh := make(chan error)
	s.shutdown <- errCh
	return <-errCh
}

// StateProvider returns a transport.StateProvider bound to this Service,
// for use by an RPC transport's "state" method.
func (s *Service) StateProvider() transport.StateProvider {
	return s.State
}

// GossipHandler returns a transport.GossipHandler bound to this Service, for
// use by an RPC transport's "gossip" method. Inbound gossip from an RPC call
// always has a known sender (there is a live client waiting for a reply).
func (s *Service) GossipHandler() transport.GossipHandler {
	return func(sender string, remote state.MemberState) (transport.GossipResult, error) {
		return s.handleInboundGossip(sender, remote, true)
	}
}

func (s *Service) loop() {
	for {
		select {
		case msg := <-s.mailbox:
			s.dispatch(msg)

		case errCh := <-s.shutdown:
			errCh <- nil
			return
		}
	}
}

func (s *Service) dispatch(msg mailboxMsg) {
	switch m := msg.(type) {
	case joinMsg:
		st, err := s.handleJoin(m.in)
		m.replyCh <- joinReply{state: st, err: err}

	case clockMsg:
		m.replyCh <- s.current.Clock.Clone()

	case stateMsg:
		m.replyCh <- s.current.Clone()

	case statesMsg:
		m.replyCh <- s.handleStates()

	case nodesMsg:
		m.replyCh <- s.current.Ring.NodeIds()

	case fullnodesMsg:
		m.replyCh <- s.current.Ring.Clone()

	case startGossipMsg:
		err := s.gossipRound()
		if errors.Is(err, errs.ErrNoGossipTargets) {
			err = nil
		}
		m.replyCh <- err

	case resetMsg:
		if !s.testMode {
			m.replyCh <- errs.ErrNotReset
			return
		}
		s.current = state.Empty()
		m.replyCh <- nil

	case inboundGossipMsg:
		m.replyCh <- s.applyInbound(m.sender, m.remote, m.senderKnown)

	case nodeUpMsg:
		s.handleNodeUp(m.nodeId)

	case nodeDownMsg:
		s.handleNodeDown(m.nodeId)

	default:
		s.logger.Info("ignoring unknown mailbox message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// --- Public operations -------------------------------------------

// Join dispatches a join/replace/leave request to the Service Shell.
func (s *Service) Join(in JoinInput) (state.MemberState, error) {
	reply := make(chan joinReply, 1)
	s.mailbox <- joinMsg{in: in, replyCh: reply}
	r := <-reply
	return r.state, r.err
}

// Clock returns the current VectorClock.
func (s *Service) Clock() vclock.Clock {
	reply := make(chan vclock.Clock, 1)
	s.mailbox <- clockMsg{replyCh: reply}
	return <-reply
}

// State returns the full current MemberState.
func (s *Service) State() state.MemberState {
	reply := make(chan state.MemberState, 1)
	s.mailbox <- stateMsg{replyCh: reply}
	return <-reply
}

// States queries every Ring member's state() and groups the results.
func (s *Service) States() StatesResult {
	reply := make(chan StatesResult, 1)
	s.mailbox <- statesMsg{replyCh: reply}
	return <-reply
}

// Nodes returns the Ring's NodeIds, ordered by Position.
func (s *Service) Nodes() []string {
	reply := make(chan []string, 1)
	s.mailbox <- nodesMsg{replyCh: reply}
	return <-reply
}

// FullNodes returns the Ring's full NodeEntry list, ordered by Position.
func (s *Service) FullNodes() ring.Ring {
	reply := make(chan ring.Ring, 1)
	s.mailbox <- fullnodesMsg{replyCh: reply}
	return <-reply
}

// StartGossip triggers a single synchronous gossip round.
func (s *Service) StartGossip() error {
	reply := make(chan error, 1)
	s.mailbox <- startGossipMsg{replyCh: reply}
	return <-reply
}

// Reset clears local state. Only succeeds in test mode.
func (s *Service) Reset() error {
	reply := make(chan error, 1)
	s.mailbox <- resetMsg{replyCh: reply}
	return <-reply
}

// Snapshots lists every persisted snapshot filename, newest first. Reads
// the data directory directly rather than going through the mailbox: it
// never touches `current`, so it has nothing to serialise against.
func (s *Service) Snapshots() ([]string, error) {
	return s.store.Snapshots()
}

// --- join/replace/leave resolution --------------------------------

func (s *Service) handleJoin(in JoinInput) (state.MemberState, error) {
	switch in.Type {
	case statemachine.JoinInit:
		for _, e := range in.Entries {
			s.pingBestEffort(e.NodeId)
		}
		result, err := statemachine.IntJoin(s.self, s.current, in.Entries)
		if err != nil {
			return state.MemberState{}, err
		}
		return s.commit(result), nil

	case statemachine.JoinJoin:
		base, err := s.resolveBase(in.PingNode)
		if err != nil {
			return state.MemberState{}, err
		}
		result, err := statemachine.IntJoin(s.self, base, in.Entries)
		if err != nil {
			return state.MemberState{}, err
		}
		return s.commit(result), nil

	case statemachine.JoinReplace:
		base, err := s.resolveBase(in.PingNode)
		if err != nil {
			return state.MemberState{}, err
		}
		result, err := statemachine.Join(s.self, statemachine.JoinReplace, base, in.Replace)
		if err != nil {
			return state.MemberState{}, err
		}
		return s.commit(result), nil

	case statemachine.JoinLeave:
		result, err := statemachine.Join(s.self, statemachine.JoinLeave, s.current, in.Leave)
		if err != nil {
			return state.MemberState{}, err
		}
		s.current = result.State
		s.publishEvents(result.Events)
		return s.current.Clone(), nil

	default:
		return state.MemberState{}, errs.ErrUnknownJoinType
	}
}

// resolveBase fetches pingNode's MemberState via RPC to use as the starting
// point for join/replace, or returns the local state directly in test mode
// or when no pingNode was given.
func (s *Service) resolveBase(pingNode string) (state.MemberState, error) {
	if s.testMode || pingNode == "" {
		return s.current.Clone(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	var reply transport.StateReply
	if err := s.transport.CallPeer(ctx, pingNode, transport.StateMethod, &transport.StateArgs{}, &reply); err != nil {
		return state.MemberState{}, fmt.Errorf("fetching state from ping node %s: %w", pingNode, err)
	}
	return reply.State, nil
}

// commit installs result.State as the current MemberState, persists the
// snapshot, publishes the mutation's events, watches any newly-seen peers
// for liveness, and triggers a synchronous gossip round. Persistence and
// gossip failures are logged, never returned: a join that has already
// validated successfully must not fail on downstream effects.
func (s *Service) commit(result statemachine.Result) state.MemberState {
	s.current = result.State
	s.publishEvents(result.Events)

	if watcher, ok := s.transport.(interface{ Watch(string) }); ok {
		for _, id := range s.current.Ring.NodeIds() {
			if id != s.self {
				watcher.Watch(id)
			}
		}
	}

	if !s.testMode {
		if err := s.store.Write(s.current); err != nil {
			s.logger.Error("persisting snapshot failed", zap.Error(err))
		}
	}

	if err := s.gossipRound(); err != nil {
		s.logger.Warn("gossip round after mutation did not complete", zap.Error(err))
	}

	return s.current.Clone()
}

func (s *Service) publishEvents(evts []statemachine.Event) {
	for _, e := range evts {
		s.events.Publish(events.Event{Type: events.Type(e.Type), NodeId: e.NodeId})
	}
}

func (s *Service) pingBestEffort(nodeId string) {
	if s.testMode || nodeId == s.self {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := s.transport.Ping(ctx, nodeId); err != nil {
		s.logger.Info("ping during init did not reach node", zap.String("node", nodeId), zap.Error(err))
	}
}

// --- gossip -------------------------------------------------------

// gossipRound performs a single synchronous (call-mode) gossip round. A
// missing gossip target or a failed round is reported to the caller but
// never treated as a service-level failure.
func (s *Service) gossipRound() error {
	if s.testMode || len(s.current.Ring) == 0 {
		return nil
	}

	target, err := s.engine.NextUpNode(s.current.Ring)
	if err != nil {
		return err
	}

	newState, err := s.engine.CallGossip(target, s.current.Clone())
	if err != nil {
		return fmt.Errorf("gossip round with %s: %w", target, err)
	}
	if newState != nil {
		s.adopt(*newState)
	}
	return nil
}

// applyInbound runs HandleInbound against the current state, applies
// adoption when called for, and returns the reply to send back. This always
// executes on the mailbox loop goroutine (dispatch calls it for every
// inboundGossipMsg, which handleInboundGossip enqueues), preserving
// single-writer ordering.
func (s *Service) applyInbound(sender string, remote state.MemberState, senderKnown bool) transport.GossipResult {
	outcome := gossip.HandleInbound(remote, s.current, senderKnown)
	if outcome.Adopt {
		s.adopt(outcome.NewLocalState)
	}
	return outcome.Reply
}

// adopt installs newState as current, persists it, and gossips onward. This
// is the only path that installs a new MemberState outside of commit.
func (s *Service) adopt(newState state.MemberState) {
	s.current = newState

	if !s.testMode {
		if err := s.store.Write(s.current); err != nil {
			s.logger.Error("persisting adopted snapshot failed", zap.Error(err))
		}
	}
	if err := s.gossipRound(); err != nil {
		s.logger.Warn("onward gossip after adoption did not complete", zap.Error(err))
	}
}

// handleInboundGossip is called by GossipHandler (from an RPC goroutine) to
// route an inbound gossip exchange through the mailbox.
func (s *Service) handleInboundGossip(sender string, remote state.MemberState, senderKnown bool) (transport.GossipResult, error) {
	reply := make(chan transport.GossipResult, 1)
	s.mailbox <- inboundGossipMsg{sender: sender, remote: remote, senderKnown: senderKnown, replyCh: reply}
	return <-reply, nil
}

// --- liveness ------------------------------------------------------

func (s *Service) liveEventLoop() {
	for evt := range s.transport.Subscribe() {
		switch evt.Type {
		case transport.NodeUp:
			s.mailbox <- nodeUpMsg{nodeId: evt.NodeId}
		case transport.NodeDown:
			s.mailbox <- nodeDownMsg{nodeId: evt.NodeId}
		}
	}
}

func (s *Service) handleNodeUp(nodeId string) {
	if s.current.Ring.Contains(nodeId) {
		s.events.Publish(events.Event{Type: events.NodeUp, NodeId: nodeId})
	}
	if !s.testMode {
		s.engine.CastGossip(nodeId, s.current.Clone())
	}
}

func (s *Service) handleNodeDown(nodeId string) {
	s.events.Publish(events.Event{Type: events.NodeDown, NodeId: nodeId})
}

// --- states() ------------------------------------------------------

func (s *Service) handleStates() StatesResult {
	ringIds := s.current.Ring.NodeIds()

	type fetched struct {
		id  string
		st  state.MemberState
		err error
	}

	results := make(chan fetched, len(ringIds))
	var wg sync.WaitGroup

	for _, id := range ringIds {
		if id == s.self {
			results <- fetched{id: id, st: s.current.Clone()}
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), statesTimeout)
			defer cancel()
			var reply transport.StateReply
			err := s.transport.CallPeer(ctx, id, transport.StateMethod, &transport.StateArgs{}, &reply)
			results <- fetched{id: id, st: reply.State, err: err}
		}(id)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var groups []StateGroup
	var badNodes []string
	var aggErr error

	for r := range results {
		if r.err != nil {
			badNodes = append(badNodes, r.id)
			aggErr = multierr.Append(aggErr, fmt.Errorf("node %s: %w", r.id, r.err))
			continue
		}
		placed := false
		for i := range groups {
			if state.Equal(groups[i].State, r.st) {
				groups[i].NodeIds = append(groups[i].NodeIds, r.id)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, StateGroup{State: r.st, NodeIds: []string{r.id}})
		}
	}
	if aggErr != nil {
		s.logger.Info("states() had unreachable peers", zap.Error(aggErr))
	}

	upSet := s.transport.UpSet()
	var nonMembers []string
	for id := range upSet {
		if !s.current.Ring.Contains(id) {
			nonMembers = append(nonMembers, id)
		}
	}

	return StatesResult{Groups: groups, BadNodes: badNodes, NonMemberNodes: nonMembers}
}

// --- automatic rejoin ----------------------------------------------

// rejoin runs when a restored snapshot was loaded at startup: ping and fetch
// state from every Ring member; if every reachable peer's clock matches
// ours, keep the restored state; otherwise reset to empty and expect a human
// to re-run join.
func (s *Service) rejoin() {
	ids := s.current.Ring.NodeIds()
	var mismatching []string
	var unreachable []string

	for _, id := range ids {
		if id == s.self {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		pingErr := s.transport.Ping(ctx, id)
		cancel()
		if pingErr != nil {
			unreachable = append(unreachable, id)
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), pingTimeout)
		var reply transport.StateReply
		callErr := s.transport.CallPeer(ctx, id, transport.StateMethod, &transport.StateArgs{}, &reply)
		cancel()
		if callErr != nil {
			unreachable = append(unreachable, id)
			continue
		}

		if !vclock.Equals(s.current.Clock, reply.State.Clock) {
			mismatching = append(mismatching, id)
		}
	}

	if len(unreachable) > 0 {
		s.logger.Info("rejoin could not reach all ring members", zap.Strings("unreachable", unreachable))
	}

	if len(mismatching) > 0 {
		s.logger.Warn("rejoin found disagreeing peers, resetting to empty state",
			zap.Error(&errs.BadStateMatch{Self: s.self, Mismatching: mismatching}))
		s.current = state.Empty()
		return
	}

	s.logger.Info("rejoin confirmed agreement with all reachable ring members")
}
