package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/events"
)

// ErrUnknownConnection is returned for operations on an unregistered connection.
var ErrUnknownConnection = errors.New("unknown connection")

// Transport is the outbound side of one socket.
//
// Send must be safe for concurrent use, must not block, and must not call
// back into the relay. The registry invokes it while holding its lock.
type Transport interface {
	Send(frame []byte) error
}

// Connection is a snapshot of one registered socket.
type Connection struct {
	ID              string
	Role            Role
	UserID          string
	NodeID          string
	AuthenticatedAt time.Time
}

type conn struct {
	Connection
	seq       uint64
	transport Transport
}

// RoleCounts is the number of connections per role.
type RoleCounts struct {
	Unknown  int `json:"unknown"`
	Agents   int `json:"agents"`
	Desktops int `json:"desktops"`
}

// Registry tracks live sockets, their roles and their bindings.
//
// All mutations happen under one lock. The registry never holds its lock while
// calling into the TokenService or the Directory.
type Registry struct {
	tokens  *TokenService
	dir     *Directory
	emitter events.Emitter

	mu       sync.RWMutex
	conns    map[string]*conn
	desktops map[string]map[string]*conn // userID -> connID -> desktop
	routes   map[string]*conn            // nodeID -> agent receiving client frames
	authSeq  uint64

	// TimeNow is the registry clock. Tests replace it.
	TimeNow func() time.Time
}

// NewRegistry creates an empty registry. A nil emitter discards events.
func NewRegistry(tokens *TokenService, dir *Directory, emitter events.Emitter) *Registry {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Registry{
		tokens:   tokens,
		dir:      dir,
		emitter:  emitter,
		conns:    make(map[string]*conn),
		desktops: make(map[string]map[string]*conn),
		routes:   make(map[string]*conn),
		TimeNow:  time.Now,
	}
}

// Register adds a connection in role unknown and returns its ID.
func (r *Registry) Register(t Transport) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.conns[id] = &conn{
		Connection: Connection{ID: id, Role: RoleUnknown},
		transport:  t,
	}
	r.mu.Unlock()

	r.emitter.Emit(events.Event{Kind: events.KindConnectionOpened, ConnectionID: id})
	return id
}

// Authenticate applies the Authenticate frame rules: a valid token makes the
// connection an agent, otherwise a non-empty userID makes it a desktop.
func (r *Registry) Authenticate(id string, creds AuthenticateData) error {
	if creds.UserID == "" {
		return r.AuthenticateAgent(id, creds.Token)
	}
	if creds.Token != "" {
		if tok, ok := r.tokens.Lookup(creds.Token); ok {
			return r.bindAgent(id, tok)
		}
	}
	return r.AuthenticateDesktop(id, creds.UserID)
}

// AuthenticateAgent binds the connection to the node and user of token.
// On failure the connection receives an Error frame and keeps its role.
func (r *Registry) AuthenticateAgent(id, token string) error {
	tok, ok := r.tokens.Lookup(token)
	if !ok {
		return r.authFailed(id, apperrors.InvalidAuthentication())
	}
	return r.bindAgent(id, tok)
}

func (r *Registry) bindAgent(id string, tok Token) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if c.Role != RoleUnknown {
		role := c.Role
		r.mu.Unlock()
		return r.authFailed(id, apperrors.AlreadyAuthenticated(role.String()))
	}

	r.authSeq++
	c.seq = r.authSeq
	c.Role = RoleAgent
	c.UserID = tok.UserID
	c.NodeID = tok.NodeID
	c.AuthenticatedAt = r.TimeNow()
	if prev, ok := r.routes[tok.NodeID]; ok {
		slog.Warn("node already has a connected agent, routing to newest",
			"node_id", tok.NodeID, "previous", prev.ID, "connection_id", id)
	}
	r.routes[tok.NodeID] = c

	recipients := r.sendToDesktopsLocked(tok.UserID, AgentConnectedFrame(tok.NodeID))
	r.mu.Unlock()

	// Re-recording heals a node pruned while its token was still live.
	r.dir.RecordOwnership(tok.NodeID, tok.UserID)

	slog.Info("agent authenticated", "connection_id", id, "node_id", tok.NodeID,
		"user_id", tok.UserID, "desktops_notified", recipients)
	r.emitter.Emit(events.Event{
		Kind:         events.KindAgentAuthenticated,
		ConnectionID: id,
		UserID:       tok.UserID,
		NodeID:       tok.NodeID,
		Recipients:   recipients,
	})
	return nil
}

// AuthenticateDesktop binds the connection to userID and replies with the
// user's current NodeList.
func (r *Registry) AuthenticateDesktop(id, userID string) error {
	if userID == "" {
		return r.authFailed(id, apperrors.InvalidAuthentication())
	}

	nodes := r.dir.NodesOf(userID)

	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if c.Role != RoleUnknown {
		role := c.Role
		r.mu.Unlock()
		return r.authFailed(id, apperrors.AlreadyAuthenticated(role.String()))
	}

	c.Role = RoleDesktop
	c.UserID = userID
	c.AuthenticatedAt = r.TimeNow()
	set, ok := r.desktops[userID]
	if !ok {
		set = make(map[string]*conn)
		r.desktops[userID] = set
	}
	set[id] = c
	r.sendLocked(c, NodeListFrame(nodes))
	r.mu.Unlock()

	slog.Info("desktop authenticated", "connection_id", id, "user_id", userID, "nodes", len(nodes))
	r.emitter.Emit(events.Event{
		Kind:         events.KindDesktopAuthenticated,
		ConnectionID: id,
		UserID:       userID,
		Recipients:   len(nodes),
	})
	return nil
}

// Unregister removes the connection. Removing an agent notifies every desktop
// of its user with AgentDisconnected, followed by AgentConnected when another
// agent for the same node is still routable. Unknown IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)

	recipients := 0
	switch c.Role {
	case RoleAgent:
		if r.routes[c.NodeID] == c {
			r.rerouteLocked(c.NodeID)
		}
		recipients = r.sendToDesktopsLocked(c.UserID, AgentDisconnectedFrame(c.NodeID))
		if next, ok := r.routes[c.NodeID]; ok {
			r.sendToDesktopsLocked(next.UserID, AgentConnectedFrame(c.NodeID))
		}
	case RoleDesktop:
		if set := r.desktops[c.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.desktops, c.UserID)
			}
		}
	}
	snapshot := c.Connection
	r.mu.Unlock()

	ev := events.Event{
		ConnectionID: id,
		UserID:       snapshot.UserID,
		NodeID:       snapshot.NodeID,
		Recipients:   recipients,
	}
	switch snapshot.Role {
	case RoleAgent:
		r.dir.Touch(snapshot.NodeID)
		slog.Info("agent disconnected", "connection_id", id, "node_id", snapshot.NodeID,
			"user_id", snapshot.UserID, "desktops_notified", recipients)
		ev.Kind = events.KindAgentDisconnected
	case RoleDesktop:
		slog.Info("desktop disconnected", "connection_id", id, "user_id", snapshot.UserID)
		ev.Kind = events.KindDesktopDisconnected
	default:
		slog.Debug("connection closed before authenticating", "connection_id", id)
		ev.Kind = events.KindConnectionClosed
	}
	r.emitter.Emit(ev)
}

// rerouteLocked points nodeID at the most recently authenticated agent still
// connected for it, or removes the route.
func (r *Registry) rerouteLocked(nodeID string) {
	var next *conn
	for _, c := range r.conns {
		if c.Role != RoleAgent || c.NodeID != nodeID {
			continue
		}
		if next == nil || c.seq > next.seq {
			next = c
		}
	}
	if next == nil {
		delete(r.routes, nodeID)
		return
	}
	r.routes[nodeID] = next
}

// Get returns a snapshot of the connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return c.Connection, true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByRole returns the number of live connections per role.
func (r *Registry) CountByRole() RoleCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rc RoleCounts
	for _, c := range r.conns {
		switch c.Role {
		case RoleAgent:
			rc.Agents++
		case RoleDesktop:
			rc.Desktops++
		default:
			rc.Unknown++
		}
	}
	return rc
}

// ConnectedNodes returns the set of nodes with at least one connected agent.
func (r *Registry) ConnectedNodes() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make(map[string]bool, len(r.routes))
	for nodeID := range r.routes {
		nodes[nodeID] = true
	}
	return nodes
}

// ForwardFromAgent sends frame to every desktop of the agent's user and
// returns the number of recipients.
func (r *Registry) ForwardFromAgent(id string, frame []byte) (Connection, int, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.RUnlock()
		return Connection{}, 0, ErrUnknownConnection
	}
	if c.Role != RoleAgent {
		r.mu.RUnlock()
		return c.Connection, 0, apperrors.NotAgent()
	}
	n := r.sendToDesktopsLocked(c.UserID, frame)
	snapshot := c.Connection
	r.mu.RUnlock()

	r.dir.Touch(snapshot.NodeID)
	return snapshot, n, nil
}

// ForwardToNode sends frame from a desktop to the agent routed for nodeID.
func (r *Registry) ForwardToNode(id, nodeID string, frame []byte) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrUnknownConnection
	}
	if c.Role != RoleDesktop {
		return c.Connection, apperrors.NotDesktop()
	}
	if nodeID == "" {
		return c.Connection, apperrors.MissingTarget()
	}
	agent, ok := r.routes[nodeID]
	if !ok {
		return c.Connection, apperrors.TargetNotConnected(nodeID)
	}
	r.sendLocked(agent, frame)
	return c.Connection, nil
}

// Reply sends an Error frame describing err to the connection.
func (r *Registry) Reply(id string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.conns[id]; ok {
		r.sendLocked(c, ErrorFrame(code, message))
	}
}

func (r *Registry) authFailed(id string, err *apperrors.CodedError) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.RUnlock()
		return ErrUnknownConnection
	}
	r.sendLocked(c, ErrorFrame(err.Code, err.Message))
	r.mu.RUnlock()

	slog.Debug("authentication rejected", "connection_id", id, "code", err.Code)
	r.emitter.Emit(events.Event{
		Kind:         events.KindAuthFailed,
		ConnectionID: id,
		MessageType:  string(MessageTypeAuthenticate),
		Code:         err.Code,
	})
	return err
}

// sendToDesktopsLocked requires r.mu held (read or write).
func (r *Registry) sendToDesktopsLocked(userID string, frame []byte) int {
	n := 0
	for _, d := range r.desktops[userID] {
		if r.sendLocked(d, frame) {
			n++
		}
	}
	return n
}

func (r *Registry) sendLocked(c *conn, frame []byte) bool {
	if c.transport == nil {
		return false
	}
	if err := c.transport.Send(frame); err != nil {
		slog.Warn("dropping frame", "connection_id", c.ID, "role", c.Role.String(), "err", err)
		return false
	}
	return true
}
