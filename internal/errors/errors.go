// Package errors provides standardized error codes for the relay.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (relay, auth, route, token, input, server)
//   - error: The specific error type within that domain
//
// Codes are stable and travel to desktop and agent clients inside Error frames,
// next to a human-readable message.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Relay domain - frame decoding
	CodeInvalidMessage = "relay.invalid_message" // Non-JSON or schema-invalid frame

	// Auth domain - socket authentication and role checks
	CodeAuthInvalid              = "auth.invalid"               // Unknown/expired token and no userId
	CodeAuthAlreadyAuthenticated = "auth.already_authenticated" // Connection already has a role
	CodeAuthNotAgent             = "auth.not_agent"             // Agent-origin frame from a non-agent
	CodeAuthNotDesktop           = "auth.not_desktop"           // Client-origin frame from a non-desktop

	// Route domain - forwarding failures
	CodeRouteMissingTarget      = "route.missing_target"       // Client frame without targetNodeId
	CodeRouteTargetNotConnected = "route.target_not_connected" // No agent bound to targetNodeId
	CodeRouteUnknownType        = "route.unknown_type"         // Type outside every known set

	// Token domain - control-plane token issuance
	CodeTokenInvalidRequest = "token.invalid_request" // Malformed POST /api/token body
	CodeTokenRateLimited    = "token.rate_limited"    // Too many token requests
	CodeTokenIssueFailed    = "token.issue_failed"    // Token could not be generated
	CodeTokenCapacity       = "token.capacity"        // Every token slot holds a live token

	// Input domain - inbound frame throttling
	CodeInputRateLimited = "input.rate_limited" // Too many frames per second on one socket

	// Server domain - transport errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerSendFailed     = "server.send_failed"     // Outbound buffer full or socket closing
	CodeServerConnectionLost = "server.connection_lost" // Connection unexpectedly closed

	// Storage domain - audit log
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown = "error.unknown" // Unknown error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "route.unknown_type")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to Error frames.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// The constructors below carry the exact wire messages the relay has always
// sent, so existing desktop and agent builds keep matching on them.

// InvalidMessage creates a "relay.invalid_message" error.
func InvalidMessage(cause error) *CodedError {
	return Wrap(CodeInvalidMessage, "Invalid message format", cause)
}

// InvalidAuthentication creates an "auth.invalid" error.
func InvalidAuthentication() *CodedError {
	return New(CodeAuthInvalid, "Invalid authentication")
}

// AlreadyAuthenticated creates an "auth.already_authenticated" error.
func AlreadyAuthenticated(role string) *CodedError {
	return New(CodeAuthAlreadyAuthenticated, fmt.Sprintf("Already authenticated as %s", role))
}

// NotAgent creates an "auth.not_agent" error.
func NotAgent() *CodedError {
	return New(CodeAuthNotAgent, "Not authenticated as agent")
}

// NotDesktop creates an "auth.not_desktop" error.
func NotDesktop() *CodedError {
	return New(CodeAuthNotDesktop, "Not authenticated as desktop client")
}

// MissingTarget creates a "route.missing_target" error.
func MissingTarget() *CodedError {
	return New(CodeRouteMissingTarget, "Missing target node ID")
}

// TargetNotConnected creates a "route.target_not_connected" error.
func TargetNotConnected(nodeID string) *CodedError {
	return New(CodeRouteTargetNotConnected, fmt.Sprintf("Target node %s not connected", nodeID))
}

// UnknownType creates a "route.unknown_type" error.
func UnknownType() *CodedError {
	return New(CodeRouteUnknownType, "Unknown message type")
}

// InputRateLimited creates an "input.rate_limited" error.
func InputRateLimited() *CodedError {
	return New(CodeInputRateLimited, "Too many messages, slow down")
}

// SendFailed creates a "server.send_failed" error.
func SendFailed(connectionID string, cause error) *CodedError {
	return Wrap(CodeServerSendFailed, fmt.Sprintf("send to %s failed", connectionID), cause)
}
