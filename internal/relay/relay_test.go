package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/servermint/relay/internal/events"
)

func TestStats(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	connectAgent(t, r, "alice")
	connectDesktop(t, r, "alice")
	r.IssueToken("bob")

	got := r.Stats()
	if got.Connections != 2 || got.Tokens != 2 || got.Nodes != 2 {
		t.Errorf("Stats = %+v, want 2 connections, 2 tokens, 2 nodes", got)
	}
}

func TestIssueTokenEmitsEvent(t *testing.T) {
	rec := &recorder{}
	r, _ := newTestRelay(t, Options{Emitter: rec})

	if _, err := r.IssueToken(""); err == nil {
		t.Error("expected error for empty user")
	}
	if _, err := r.IssueToken("alice"); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if rec.Count(events.KindTokenIssued) != 1 {
		t.Errorf("token_issued events = %d, want 1", rec.Count(events.KindTokenIssued))
	}
}

// TestPruneDisabledByDefault verifies nodes are kept forever without NodeIdleTTL.
func TestPruneDisabledByDefault(t *testing.T) {
	r, clock := newTestRelay(t, Options{})

	r.IssueToken("alice")
	clock.Advance(48 * time.Hour)

	if pruned := r.Prune(); len(pruned) != 0 {
		t.Errorf("Prune = %v, want none", pruned)
	}
	if r.Stats().Nodes != 1 {
		t.Errorf("Nodes = %d, want 1", r.Stats().Nodes)
	}
}

// TestPruneIdleNodes verifies only nodes with no agent, no live token and no
// recent activity are removed.
func TestPruneIdleNodes(t *testing.T) {
	rec := &recorder{}
	r, clock := newTestRelay(t, Options{NodeIdleTTL: 2 * time.Hour, Emitter: rec})

	idle, _ := r.IssueToken("alice")
	_, _, connected := connectAgent(t, r, "alice")
	leftID, _, left := connectAgent(t, r, "alice")
	clock.Advance(90 * time.Minute)
	r.Disconnect(leftID)
	clock.Advance(90 * time.Minute)
	live, _ := r.IssueToken("alice")

	pruned := r.Prune()
	if len(pruned) != 1 || pruned[0] != idle.NodeID {
		t.Fatalf("Prune = %v, want [%s]", pruned, idle.NodeID)
	}
	nodes := r.dir.NodesOf("alice")
	want := map[string]bool{connected.NodeID: true, left.NodeID: true, live.NodeID: true}
	if len(nodes) != len(want) {
		t.Fatalf("NodesOf(alice) = %v", nodes)
	}
	for _, n := range nodes {
		if !want[n] {
			t.Errorf("unexpected node %s", n)
		}
	}
	if rec.Count(events.KindNodePruned) != 1 {
		t.Errorf("node_pruned events = %d, want 1", rec.Count(events.KindNodePruned))
	}

	// A desktop authenticating now no longer sees the pruned node.
	_, desk := connectDesktop(t, r, "alice")
	var list NodeListData
	if err := json.Unmarshal(desk.Last(t).Data, &list); err != nil {
		t.Fatalf("decode NodeList: %v", err)
	}
	for _, n := range list.Nodes {
		if n == idle.NodeID {
			t.Errorf("pruned node %s still listed", n)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _ := newTestRelay(t, Options{SweepInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
