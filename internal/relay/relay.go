package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/servermint/relay/internal/events"
)

// Options configures a Relay. Zero values select defaults.
type Options struct {
	// MaxTokens bounds outstanding tokens (DefaultMaxTokens when zero).
	MaxTokens int
	// TokenTTL overrides TokenTTL. Only tests set it.
	TokenTTL time.Duration
	// SweepInterval is how often expired tokens are reclaimed (1m when zero).
	SweepInterval time.Duration
	// NodeIdleTTL prunes nodes with no agent activity for this long.
	// Zero keeps every node for the life of the process.
	NodeIdleTTL time.Duration
	// Emitter receives lifecycle events.
	Emitter events.Emitter
}

// Stats is a point-in-time view of relay state.
type Stats struct {
	Connections int        `json:"connections"`
	Roles       RoleCounts `json:"roles"`
	Tokens      int        `json:"tokens"`
	Nodes       int        `json:"nodes"`
}

// Relay wires the token service, ownership directory, registry and router.
type Relay struct {
	tokens   *TokenService
	dir      *Directory
	registry *Registry
	router   *Router
	emitter  events.Emitter
	opts     Options
}

// New creates a relay with empty state.
func New(opts Options) (*Relay, error) {
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	dir := NewDirectory()
	tokens, err := NewTokenService(dir, opts.MaxTokens, opts.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("create token service: %w", err)
	}
	reg := NewRegistry(tokens, dir, opts.Emitter)

	return &Relay{
		tokens:   tokens,
		dir:      dir,
		registry: reg,
		router:   NewRouter(reg, opts.Emitter),
		emitter:  opts.Emitter,
		opts:     opts,
	}, nil
}

// SetClock replaces the clock of every component.
func (r *Relay) SetClock(now func() time.Time) {
	r.tokens.TimeNow = now
	r.dir.TimeNow = now
	r.registry.TimeNow = now
}

// IssueToken issues a pairing token for userID.
func (r *Relay) IssueToken(userID string) (Token, error) {
	tok, err := r.tokens.Issue(userID)
	if err != nil {
		return Token{}, err
	}
	slog.Info("token issued", "user_id", userID, "node_id", tok.NodeID)
	r.emitter.Emit(events.Event{
		Kind:   events.KindTokenIssued,
		UserID: userID,
		NodeID: tok.NodeID,
	})
	return tok, nil
}

// Connect registers a new socket and returns its connection ID.
func (r *Relay) Connect(t Transport) string {
	return r.registry.Register(t)
}

// Disconnect unregisters a socket.
func (r *Relay) Disconnect(id string) {
	r.registry.Unregister(id)
}

// HandleFrame routes one inbound frame from connection id.
func (r *Relay) HandleFrame(id string, frame []byte) error {
	return r.router.HandleFrame(id, frame)
}

// Reply sends an Error frame describing err to connection id.
func (r *Relay) Reply(id string, err error) {
	r.registry.Reply(id, err)
}

// Connection returns a snapshot of connection id.
func (r *Relay) Connection(id string) (Connection, bool) {
	return r.registry.Get(id)
}

// Stats returns current counts.
func (r *Relay) Stats() Stats {
	return Stats{
		Connections: r.registry.Count(),
		Roles:       r.registry.CountByRole(),
		Tokens:      r.tokens.Len(),
		Nodes:       r.dir.Len(),
	}
}

// Prune removes idle nodes that have neither a connected agent nor a live
// token. It is a no-op when NodeIdleTTL is zero.
func (r *Relay) Prune() []string {
	if r.opts.NodeIdleTTL <= 0 {
		return nil
	}

	keep := r.registry.ConnectedNodes()
	for nodeID := range r.tokens.NodeIDs() {
		keep[nodeID] = true
	}
	cutoff := r.dir.TimeNow().Add(-r.opts.NodeIdleTTL)
	pruned := r.dir.Prune(cutoff, keep)

	for _, nodeID := range pruned {
		r.emitter.Emit(events.Event{Kind: events.KindNodePruned, NodeID: nodeID})
	}
	if len(pruned) > 0 {
		slog.Info("pruned idle nodes", "count", len(pruned))
	}
	return pruned
}

// Run performs periodic maintenance until ctx is cancelled: expired tokens
// are swept and, when enabled, idle nodes are pruned.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.tokens.Sweep(); n > 0 {
				slog.Debug("swept expired tokens", "count", n)
			}
			r.Prune()
		}
	}
}
