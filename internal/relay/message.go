// Package relay implements the pairing relay between desktop clients and
// remote agents: pairing tokens, node ownership, the connection registry,
// and the message router that forwards frames between sockets.
//
// The package knows nothing about WebSockets. Sockets are represented by a
// Transport, and every inbound frame is handed to Relay.HandleFrame by the
// transport's read loop.
package relay

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of frame sent over a socket.
type MessageType string

const (
	// MessageTypeAuthenticate is sent by agents ({token}) and desktops ({userId}).
	MessageTypeAuthenticate MessageType = "Authenticate"

	// Relay-originated frames sent to desktops.
	MessageTypeNodeList          MessageType = "NodeList"
	MessageTypeAgentConnected    MessageType = "AgentConnected"
	MessageTypeAgentDisconnected MessageType = "AgentDisconnected"

	// Agent-origin frames, forwarded verbatim to the owner's desktops.
	MessageTypeNodeInfo      MessageType = "NodeInfo"
	MessageTypeServerList    MessageType = "ServerList"
	MessageTypeServerStatus  MessageType = "ServerStatus"
	MessageTypeServerLogs    MessageType = "ServerLogs"
	MessageTypeCommandResult MessageType = "CommandResult"

	// MessageTypeError is both an agent-origin report and the relay's own
	// error reply.
	MessageTypeError MessageType = "Error"

	// Client-origin frames, forwarded to the agent bound to targetNodeId.
	MessageTypeCreateServer      MessageType = "CreateServer"
	MessageTypeStartServer       MessageType = "StartServer"
	MessageTypeStopServer        MessageType = "StopServer"
	MessageTypeSendCommand       MessageType = "SendCommand"
	MessageTypeRequestLogs       MessageType = "RequestLogs"
	MessageTypeRequestServerList MessageType = "RequestServerList"
	MessageTypeRequestNodeInfo   MessageType = "RequestNodeInfo"
)

// Category is the routing class of an inbound frame.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryAuthenticate
	CategoryAgent
	CategoryClient
)

// String returns the category name used in logs and metrics labels.
func (c Category) String() string {
	switch c {
	case CategoryAuthenticate:
		return "authenticate"
	case CategoryAgent:
		return "agent"
	case CategoryClient:
		return "client"
	default:
		return "unknown"
	}
}

// Classify maps an inbound message type to exactly one routing category.
// Relay-originated types (NodeList, AgentConnected, AgentDisconnected) are
// never accepted from a socket and classify as unknown.
func Classify(t MessageType) Category {
	switch t {
	case MessageTypeAuthenticate:
		return CategoryAuthenticate
	case MessageTypeNodeInfo,
		MessageTypeServerList,
		MessageTypeServerStatus,
		MessageTypeServerLogs,
		MessageTypeCommandResult,
		MessageTypeError:
		return CategoryAgent
	case MessageTypeCreateServer,
		MessageTypeStartServer,
		MessageTypeStopServer,
		MessageTypeSendCommand,
		MessageTypeRequestLogs,
		MessageTypeRequestServerList,
		MessageTypeRequestNodeInfo:
		return CategoryClient
	default:
		return CategoryUnknown
	}
}

// Role is the identity a connection has taken. It changes at most once,
// from RoleUnknown to RoleAgent or RoleDesktop.
type Role int

const (
	RoleUnknown Role = iota
	RoleAgent
	RoleDesktop
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleDesktop:
		return "desktop"
	default:
		return "unknown"
	}
}

// Envelope is the shape every inbound frame must have.
// Data stays raw: payloads of remote-control operations are opaque to the relay.
type Envelope struct {
	Type         MessageType     `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	TargetNodeID string          `json:"targetNodeId,omitempty"`
}

// AuthenticateData is the payload of an Authenticate frame.
// Agents send Token; desktops send UserID.
type AuthenticateData struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// NodeListData is the payload of a NodeList frame.
type NodeListData struct {
	Nodes []string `json:"nodes"`
}

// NodeEventData is the payload of AgentConnected and AgentDisconnected frames.
type NodeEventData struct {
	NodeID string `json:"nodeId"`
}

// ErrorData is the payload of an Error frame sent by the relay.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// outbound is a relay-originated frame.
type outbound struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data"`
}

func encodeFrame(t MessageType, data interface{}) []byte {
	b, err := json.Marshal(outbound{Type: t, Data: data})
	if err != nil {
		// Only fixed relay payload types are encoded here.
		panic(fmt.Sprintf("relay: encode %s frame: %v", t, err))
	}
	return b
}

// NodeListFrame builds a NodeList frame. A nil slice is sent as [].
func NodeListFrame(nodes []string) []byte {
	if nodes == nil {
		nodes = []string{}
	}
	return encodeFrame(MessageTypeNodeList, NodeListData{Nodes: nodes})
}

// AgentConnectedFrame builds an AgentConnected frame.
func AgentConnectedFrame(nodeID string) []byte {
	return encodeFrame(MessageTypeAgentConnected, NodeEventData{NodeID: nodeID})
}

// AgentDisconnectedFrame builds an AgentDisconnected frame.
func AgentDisconnectedFrame(nodeID string) []byte {
	return encodeFrame(MessageTypeAgentDisconnected, NodeEventData{NodeID: nodeID})
}

// ErrorFrame builds an Error frame.
func ErrorFrame(code, message string) []byte {
	return encodeFrame(MessageTypeError, ErrorData{Message: message, Code: code})
}
