package transport

import (
	"context"
	"testing"
	"time"

	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/state"
)

func TestFakeTransportCallPeerState(t *testing.T) {
	reg := NewFakeRegistry()
	want := state.MemberState{Clock: map[string]uint64{"n1": 1}, Ring: ring.Ring{{Position: 1, NodeId: "n1"}}}

	NewFakeTransport("n1", reg, func() state.MemberState { return want }, nil)
	caller := NewFakeTransport("n2", reg, func() state.MemberState { return state.Empty() }, nil)

	var reply StateReply
	if err := caller.CallPeer(context.Background(), "n1", StateMethod, &StateArgs{}, &reply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.Equal(reply.State, want) {
		t.Fatalf("expected %v, got %v", want, reply.State)
	}
}

func TestFakeTransportCallPeerUnknown(t *testing.T) {
	reg := NewFakeRegistry()
	caller := NewFakeTransport("n2", reg, func() state.MemberState { return state.Empty() }, nil)

	var reply StateReply
	err := caller.CallPeer(context.Background(), "ghost", StateMethod, &StateArgs{}, &reply)
	if err == nil {
		t.Fatal("expected error calling unknown peer")
	}
}

func TestFakeTransportLivenessTransitions(t *testing.T) {
	reg := NewFakeRegistry()
	tr := NewFakeTransport("n1", reg, func() state.MemberState { return state.Empty() }, nil)

	tr.SetUp("n2", true)
	select {
	case evt := <-tr.Subscribe():
		if evt.Type != NodeUp || evt.NodeId != "n2" {
			t.Fatalf("unexpected event: %v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for nodeup")
	}

	if _, ok := tr.UpSet()["n2"]; !ok {
		t.Fatalf("expected n2 in up-set")
	}

	tr.SetUp("n2", false)
	select {
	case evt := <-tr.Subscribe():
		if evt.Type != NodeDown || evt.NodeId != "n2" {
			t.Fatalf("unexpected event: %v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for nodedown")
	}

	if _, ok := tr.UpSet()["n2"]; ok {
		t.Fatalf("expected n2 removed from up-set")
	}
}

func TestFakeTransportGossip(t *testing.T) {
	reg := NewFakeRegistry()
	gossipCalls := 0
	NewFakeTransport("n1", reg, func() state.MemberState { return state.Empty() },
		func(sender string, remote state.MemberState) (GossipResult, error) {
			gossipCalls++
			return GossipResult{}, nil
		})
	caller := NewFakeTransport("n2", reg, func() state.MemberState { return state.Empty() }, nil)

	var reply GossipReply
	err := caller.CallPeer(context.Background(), "n1", GossipMethod,
		&GossipArgs{Sender: "n2", State: state.Empty()}, &reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gossipCalls != 1 {
		t.Fatalf("expected gossip handler to run once, ran %d times", gossipCalls)
	}
}
