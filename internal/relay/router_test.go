package relay

import (
	"bytes"
	"testing"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/events"
)

// TestAliceScenario walks the full pairing flow: token, agent, desktop,
// command and reply.
func TestAliceScenario(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	tok, err := r.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	agent := &fakeTransport{}
	agentID := r.Connect(agent)
	if err := r.HandleFrame(agentID, authAgentFrame(t, tok.Value)); err != nil {
		t.Fatalf("agent authenticate failed: %v", err)
	}

	desk := &fakeTransport{}
	deskID := r.Connect(desk)
	if err := r.HandleFrame(deskID, authDesktopFrame(t, "alice")); err != nil {
		t.Fatalf("desktop authenticate failed: %v", err)
	}
	if got := string(desk.Frames()[0]); got != string(NodeListFrame([]string{tok.NodeID})) {
		t.Errorf("NodeList = %s", got)
	}

	request := []byte(`{"type":"RequestServerList","targetNodeId":"` + tok.NodeID + `"}`)
	if err := r.HandleFrame(deskID, request); err != nil {
		t.Fatalf("forward request failed: %v", err)
	}
	agentFrames := agent.Frames()
	if len(agentFrames) != 1 || !bytes.Equal(agentFrames[0], request) {
		t.Fatalf("agent frames = %q, want exactly %s", agentFrames, request)
	}

	reply := []byte(`{"type":"ServerList","data":{"servers":[{"id":"s1","name":"survival"}]}}`)
	if err := r.HandleFrame(agentID, reply); err != nil {
		t.Fatalf("forward reply failed: %v", err)
	}
	deskFrames := desk.Frames()
	if len(deskFrames) != 2 || !bytes.Equal(deskFrames[1], reply) {
		t.Fatalf("desktop frames = %q, want NodeList then %s", deskFrames, reply)
	}
}

// TestAgentFanOut verifies agent frames reach every desktop of the user,
// byte-identical, and nobody else.
func TestAgentFanOut(t *testing.T) {
	rec := &recorder{}
	r, _ := newTestRelay(t, Options{Emitter: rec})

	agentID, _, _ := connectAgent(t, r, "alice")
	_, otherAgent, _ := connectAgent(t, r, "alice")
	_, d1 := connectDesktop(t, r, "alice")
	_, d2 := connectDesktop(t, r, "alice")
	_, bob := connectDesktop(t, r, "bob")
	unknown := &fakeTransport{}
	r.Connect(unknown)
	for _, tr := range []*fakeTransport{otherAgent, d1, d2, bob} {
		tr.Reset()
	}

	frame := []byte(`{"type":"NodeInfo", "data":{"cpu":0.5,"os":"linux"}}`)
	if err := r.HandleFrame(agentID, frame); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	for i, tr := range []*fakeTransport{d1, d2} {
		frames := tr.Frames()
		if len(frames) != 1 || !bytes.Equal(frames[0], frame) {
			t.Errorf("desktop %d frames = %q", i, frames)
		}
	}
	for name, tr := range map[string]*fakeTransport{"bob": bob, "other agent": otherAgent, "unknown": unknown} {
		if n := len(tr.Frames()); n != 0 {
			t.Errorf("%s received %d frames", name, n)
		}
	}
	if rec.Count(events.KindFrameForwarded) != 1 {
		t.Errorf("frame_forwarded events = %d, want 1", rec.Count(events.KindFrameForwarded))
	}
}

// TestAgentFanOutNoDesktops verifies zero recipients is not an error.
func TestAgentFanOutNoDesktops(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	agentID, agent, _ := connectAgent(t, r, "alice")
	if err := r.HandleFrame(agentID, []byte(`{"type":"CommandResult","data":{}}`)); err != nil {
		t.Errorf("HandleFrame failed: %v", err)
	}
	if len(agent.Frames()) != 0 {
		t.Errorf("agent received a reply")
	}
}

// TestTargetedForwarding verifies client frames reach only the target agent.
func TestTargetedForwarding(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	_, target, tok := connectAgent(t, r, "alice")
	_, bystander, _ := connectAgent(t, r, "alice")
	deskID, desk := connectDesktop(t, r, "alice")
	_, other := connectDesktop(t, r, "alice")
	for _, tr := range []*fakeTransport{target, bystander, desk, other} {
		tr.Reset()
	}

	frame := []byte(`{"type":"SendCommand","data":{"command":"say hi"},"targetNodeId":"` + tok.NodeID + `"}`)
	if err := r.HandleFrame(deskID, frame); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	if frames := target.Frames(); len(frames) != 1 || !bytes.Equal(frames[0], frame) {
		t.Errorf("target frames = %q", frames)
	}
	for name, tr := range map[string]*fakeTransport{"bystander": bystander, "sender": desk, "other desktop": other} {
		if n := len(tr.Frames()); n != 0 {
			t.Errorf("%s received %d frames", name, n)
		}
	}
}

func TestTargetNotConnected(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	_, agent, _ := connectAgent(t, r, "alice")
	deskID, desk := connectDesktop(t, r, "alice")
	_, other := connectDesktop(t, r, "alice")
	for _, tr := range []*fakeTransport{agent, desk, other} {
		tr.Reset()
	}

	err := r.HandleFrame(deskID, []byte(`{"type":"StopServer","data":{},"targetNodeId":"node-gone"}`))
	if !apperrors.IsCode(err, apperrors.CodeRouteTargetNotConnected) {
		t.Errorf("error = %v, want route.target_not_connected", err)
	}
	d := errorData(t, desk.Last(t))
	if d.Code != apperrors.CodeRouteTargetNotConnected || d.Message != "Target node node-gone not connected" {
		t.Errorf("unexpected error frame: %+v", d)
	}
	if len(agent.Frames()) != 0 || len(other.Frames()) != 0 {
		t.Error("routing failure touched other connections")
	}
}

// TestRouterRejections covers every rejection path and its wire message.
func TestRouterRejections(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	agentID, agent, tok := connectAgent(t, r, "alice")
	deskID, desk := connectDesktop(t, r, "alice")
	unknown := &fakeTransport{}
	unknownID := r.Connect(unknown)

	tests := []struct {
		name     string
		id       string
		tr       *fakeTransport
		frame    string
		wantCode string
		wantMsg  string
	}{
		{"not json", unknownID, unknown, `not json`, apperrors.CodeInvalidMessage, "Invalid message format"},
		{"missing type", deskID, desk, `{"data":{}}`, apperrors.CodeInvalidMessage, "Invalid message format"},
		{"authenticate without data", unknownID, unknown, `{"type":"Authenticate"}`, apperrors.CodeInvalidMessage, "Invalid message format"},
		{"unknown type from agent", agentID, agent, `{"type":"Reboot","data":{}}`, apperrors.CodeRouteUnknownType, "Unknown message type"},
		{"unknown type from desktop", deskID, desk, `{"type":"Reboot","data":{}}`, apperrors.CodeRouteUnknownType, "Unknown message type"},
		{"unknown type from unknown", unknownID, unknown, `{"type":"Reboot","data":{}}`, apperrors.CodeRouteUnknownType, "Unknown message type"},
		{"relay type from client", deskID, desk, `{"type":"NodeList","data":{"nodes":[]}}`, apperrors.CodeRouteUnknownType, "Unknown message type"},
		{"agent type from desktop", deskID, desk, `{"type":"ServerStatus","data":{}}`, apperrors.CodeAuthNotAgent, "Not authenticated as agent"},
		{"agent type from unknown", unknownID, unknown, `{"type":"NodeInfo","data":{}}`, apperrors.CodeAuthNotAgent, "Not authenticated as agent"},
		{"client type from agent", agentID, agent, `{"type":"StartServer","data":{},"targetNodeId":"` + tok.NodeID + `"}`, apperrors.CodeAuthNotDesktop, "Not authenticated as desktop client"},
		{"client type from unknown", unknownID, unknown, `{"type":"RequestLogs","data":{}}`, apperrors.CodeAuthNotDesktop, "Not authenticated as desktop client"},
		{"missing target", deskID, desk, `{"type":"CreateServer","data":{"name":"x"}}`, apperrors.CodeRouteMissingTarget, "Missing target node ID"},
		{"empty target", deskID, desk, `{"type":"CreateServer","data":{},"targetNodeId":""}`, apperrors.CodeRouteMissingTarget, "Missing target node ID"},
		{"no credentials", unknownID, unknown, `{"type":"Authenticate","data":{}}`, apperrors.CodeAuthInvalid, "Invalid authentication"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, tr := range []*fakeTransport{agent, desk, unknown} {
				tr.Reset()
			}

			err := r.HandleFrame(tt.id, []byte(tt.frame))
			if !apperrors.IsCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}

			frames := tt.tr.Frames()
			if len(frames) != 1 {
				t.Fatalf("sender received %d frames, want 1", len(frames))
			}
			d := errorData(t, decode(t, frames[0]))
			if d.Code != tt.wantCode || d.Message != tt.wantMsg {
				t.Errorf("error frame = %+v, want %s %q", d, tt.wantCode, tt.wantMsg)
			}
			for _, tr := range []*fakeTransport{agent, desk, unknown} {
				if tr != tt.tr && len(tr.Frames()) != 0 {
					t.Error("rejection touched another connection")
				}
			}
		})
	}

	if conn, _ := r.Connection(unknownID); conn.Role != RoleUnknown {
		t.Errorf("unknown connection role changed to %s", conn.Role)
	}
}

// TestAuthenticateFallsBackToDesktop verifies an invalid token with a userId
// authenticates as a desktop.
func TestAuthenticateFallsBackToDesktop(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	tr := &fakeTransport{}
	id := r.Connect(tr)
	frame := []byte(`{"type":"Authenticate","data":{"token":"sm-bogus","userId":"alice"}}`)
	if err := r.HandleFrame(id, frame); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	if conn, _ := r.Connection(id); conn.Role != RoleDesktop || conn.UserID != "alice" {
		t.Errorf("unexpected binding: %+v", conn)
	}
	if got := tr.Last(t); got.Type != MessageTypeNodeList {
		t.Errorf("got %s, want NodeList", got.Type)
	}
}

// TestAuthenticateTokenWins verifies a valid token takes precedence over userId.
func TestAuthenticateTokenWins(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	tok, _ := r.IssueToken("alice")
	tr := &fakeTransport{}
	id := r.Connect(tr)
	frame := []byte(`{"type":"Authenticate","data":{"token":"` + tok.Value + `","userId":"mallory"}}`)
	if err := r.HandleFrame(id, frame); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	if conn, _ := r.Connection(id); conn.Role != RoleAgent || conn.UserID != "alice" {
		t.Errorf("unexpected binding: %+v", conn)
	}
}

func TestHandleFrameUnknownConnection(t *testing.T) {
	r, _ := newTestRelay(t, Options{})

	if err := r.HandleFrame("missing", []byte(`{"type":"NodeInfo"}`)); err != ErrUnknownConnection {
		t.Errorf("error = %v, want ErrUnknownConnection", err)
	}
}
