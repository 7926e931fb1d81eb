package relay

import (
	"errors"
	"log/slog"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/events"
)

// Router dispatches inbound frames by message category.
type Router struct {
	reg     *Registry
	emitter events.Emitter
}

// NewRouter creates a router over reg. A nil emitter discards events.
func NewRouter(reg *Registry, emitter events.Emitter) *Router {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Router{reg: reg, emitter: emitter}
}

// HandleFrame processes one frame received on connection id. Failures are
// reported to the sender as Error frames; the returned error is for logging.
func (rt *Router) HandleFrame(id string, frame []byte) error {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return rt.reject(id, "", CategoryUnknown, apperrors.InvalidMessage(err))
	}

	category := Classify(env.Type)
	switch category {
	case CategoryAuthenticate:
		creds, err := decodeAuthenticate(env)
		if err != nil {
			return rt.reject(id, env.Type, category, apperrors.InvalidMessage(err))
		}
		// The registry replies to authentication failures itself.
		return rt.reg.Authenticate(id, creds)

	case CategoryAgent:
		sender, n, err := rt.reg.ForwardFromAgent(id, frame)
		if err != nil {
			return rt.reject(id, env.Type, category, err)
		}
		rt.forwarded(sender, env, category, n)
		return nil

	case CategoryClient:
		sender, err := rt.reg.ForwardToNode(id, env.TargetNodeID, frame)
		if err != nil {
			return rt.reject(id, env.Type, category, err)
		}
		rt.forwarded(sender, env, category, 1)
		return nil

	default:
		return rt.reject(id, env.Type, category, apperrors.UnknownType())
	}
}

func (rt *Router) forwarded(sender Connection, env Envelope, category Category, recipients int) {
	nodeID := sender.NodeID
	if category == CategoryClient {
		nodeID = env.TargetNodeID
	}
	slog.Debug("frame forwarded", "connection_id", sender.ID, "type", env.Type,
		"node_id", nodeID, "recipients", recipients)
	rt.emitter.Emit(events.Event{
		Kind:         events.KindFrameForwarded,
		ConnectionID: sender.ID,
		UserID:       sender.UserID,
		NodeID:       nodeID,
		MessageType:  string(env.Type),
		Category:     category.String(),
		Recipients:   recipients,
	})
}

func (rt *Router) reject(id string, t MessageType, category Category, err error) error {
	if errors.Is(err, ErrUnknownConnection) {
		return err
	}
	rt.reg.Reply(id, err)

	code := apperrors.GetCode(err)
	slog.Debug("frame rejected", "connection_id", id, "type", t, "code", code, "err", err)
	rt.emitter.Emit(events.Event{
		Kind:         events.KindFrameRejected,
		ConnectionID: id,
		MessageType:  string(t),
		Category:     category.String(),
		Code:         code,
	})
	return err
}
