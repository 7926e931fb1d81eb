package relay

import (
	"encoding/json"
	"testing"
)

// TestClassify verifies every known type lands in exactly one category.
func TestClassify(t *testing.T) {
	tests := []struct {
		typ  MessageType
		want Category
	}{
		{MessageTypeAuthenticate, CategoryAuthenticate},
		{MessageTypeNodeInfo, CategoryAgent},
		{MessageTypeServerList, CategoryAgent},
		{MessageTypeServerStatus, CategoryAgent},
		{MessageTypeServerLogs, CategoryAgent},
		{MessageTypeCommandResult, CategoryAgent},
		{MessageTypeError, CategoryAgent},
		{MessageTypeCreateServer, CategoryClient},
		{MessageTypeStartServer, CategoryClient},
		{MessageTypeStopServer, CategoryClient},
		{MessageTypeSendCommand, CategoryClient},
		{MessageTypeRequestLogs, CategoryClient},
		{MessageTypeRequestServerList, CategoryClient},
		{MessageTypeRequestNodeInfo, CategoryClient},
		{MessageTypeNodeList, CategoryUnknown},
		{MessageTypeAgentConnected, CategoryUnknown},
		{MessageTypeAgentDisconnected, CategoryUnknown},
		{"requestserverlist", CategoryUnknown},
		{"", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := Classify(tt.typ); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.typ, got, tt.want)
			}
		})
	}
}

func TestRoleString(t *testing.T) {
	if RoleUnknown.String() != "unknown" || RoleAgent.String() != "agent" || RoleDesktop.String() != "desktop" {
		t.Errorf("unexpected role names: %s %s %s", RoleUnknown, RoleAgent, RoleDesktop)
	}
}

// TestNodeListFrameEmpty verifies an empty list encodes as [] rather than null.
func TestNodeListFrameEmpty(t *testing.T) {
	got := string(NodeListFrame(nil))
	want := `{"type":"NodeList","data":{"nodes":[]}}`
	if got != want {
		t.Errorf("NodeListFrame(nil) = %s, want %s", got, want)
	}
}

func TestRelayFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  string
	}{
		{"node list", NodeListFrame([]string{"node-a", "node-b"}), `{"type":"NodeList","data":{"nodes":["node-a","node-b"]}}`},
		{"connected", AgentConnectedFrame("node-a"), `{"type":"AgentConnected","data":{"nodeId":"node-a"}}`},
		{"disconnected", AgentDisconnectedFrame("node-a"), `{"type":"AgentDisconnected","data":{"nodeId":"node-a"}}`},
		{"error", ErrorFrame("route.unknown_type", "Unknown message type"), `{"type":"Error","data":{"message":"Unknown message type","code":"route.unknown_type"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(tt.frame); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			if !json.Valid(tt.frame) {
				t.Errorf("frame is not valid JSON")
			}
		})
	}
}
