package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client is one WebSocket connection. It implements relay.Transport.
// Each client has its own write goroutine so a slow socket never blocks the
// relay or other sockets.
type Client struct {
	conn *websocket.Conn

	// send holds outbound frames. writePump drains it.
	send chan []byte

	// done is closed to signal the client should shut down.
	done chan struct{}

	// sendOnce guards close(done); Stop and readPump may both close.
	sendOnce sync.Once

	server *Server

	// id is the relay connection ID, set before either pump starts.
	id string

	remoteAddr string

	// inputLimiter throttles inbound frames.
	inputLimiter *rate.Limiter
}

// Send queues a frame for delivery. It never blocks: a closing client or a
// full buffer returns an error and the frame is dropped.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return apperrors.SendFailed(c.id, errClientClosed)
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return apperrors.SendFailed(c.id, errSendBufferFull)
	}
}

// closeSend signals the client to shut down exactly once.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued frames to the socket and pings it periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("websocket write failed", "connection_id", c.id, "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump hands every inbound frame to the relay until the socket closes,
// then unregisters the connection.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		c.closeSend()
		c.server.relay.Disconnect(c.id)

		slog.Info("client disconnected", "connection_id", c.id, "remaining", c.server.ClientCount())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "connection_id", c.id,
					"code", apperrors.CodeServerConnectionLost, "err", err)
			}
			return
		}

		if !c.inputLimiter.Allow() {
			c.throttled()
			continue
		}

		if err := c.server.relay.HandleFrame(c.id, data); err != nil {
			slog.Debug("frame not routed", "connection_id", c.id, "err", err)
		}
	}
}

func (c *Client) throttled() {
	rejection := apperrors.InputRateLimited()
	c.server.relay.Reply(c.id, rejection)

	c.server.mu.RLock()
	emitter := c.server.emitter
	c.server.mu.RUnlock()

	emitter.Emit(events.Event{
		Kind:         events.KindFrameRejected,
		ConnectionID: c.id,
		Code:         rejection.Code,
	})
}
