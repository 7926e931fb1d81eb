// Command wsclient is a debug client for the relay. It authenticates as an
// agent (-token) or a desktop (-user), prints every frame it receives and
// sends each stdin line as a raw frame. Dropped connections are retried
// with exponential backoff and re-authenticated.
//
// Usage:
//
//	go run ./cmd/wsclient -user alice ws://127.0.0.1:8080/ws
//	go run ./cmd/wsclient -token sm-... ws://127.0.0.1:8080/ws
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

func main() {
	token := flag.String("token", "", "Authenticate as an agent with this token")
	user := flag.String("user", "", "Authenticate as a desktop for this user")
	maxWait := flag.Duration("max-retry", 5*time.Minute, "Give up reconnecting after this long (0 = forever)")
	flag.Parse()

	url := "ws://127.0.0.1:8080/ws"
	if flag.NArg() > 0 {
		url = flag.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &client{
		url:     url,
		auth:    authFrame(*token, *user),
		out:     os.Stdout,
		maxWait: *maxWait,
		lines:   readLines(os.Stdin),
	}
	if err := c.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "wsclient: %v\n", err)
		os.Exit(1)
	}
}

// authFrame builds the Authenticate frame. A token takes precedence, the
// same way the relay resolves it.
func authFrame(token, user string) []byte {
	if token == "" && user == "" {
		return nil
	}
	data := map[string]string{}
	if token != "" {
		data["token"] = token
	}
	if user != "" {
		data["userId"] = user
	}
	frame, _ := json.Marshal(map[string]interface{}{"type": "Authenticate", "data": data})
	return frame
}

func readLines(r io.Reader) <-chan []byte {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if line := scanner.Bytes(); len(line) > 0 {
				lines <- append([]byte(nil), line...)
			}
		}
	}()
	return lines
}

type client struct {
	url     string
	auth    []byte
	out     io.Writer
	maxWait time.Duration
	lines   <-chan []byte

	received atomic.Int64
}

// run keeps a session alive until ctx ends or reconnecting gives up.
func (c *client) run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		err = c.session(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			fmt.Fprintf(c.out, "Total messages received: %d\n", c.received.Load())
			return ctx.Err()
		}
		fmt.Fprintf(c.out, "Connection lost: %v\n", err)
	}
}

func (c *client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.maxWait
	return backoff.WithContext(b, ctx)
}

func (c *client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		return err
	}
	notify := func(err error, wait time.Duration) {
		fmt.Fprintf(c.out, "Connect failed (%v), retrying in %s\n", err, wait.Round(time.Millisecond))
	}

	fmt.Fprintf(c.out, "Connecting to %s...\n", c.url)
	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("giving up on %s: %w", c.url, err)
	}
	fmt.Fprintln(c.out, "Connected.")
	return conn, nil
}

// session authenticates, then pumps frames both ways until the socket fails.
func (c *client) session(ctx context.Context, conn *websocket.Conn) error {
	if c.auth != nil {
		if err := write(conn, c.auth); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			n := c.received.Add(1)
			fmt.Fprintf(c.out, "[%d] %s\n", n, describe(data))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			select {
			case <-readErr:
			case <-time.After(time.Second):
			}
			return ctx.Err()
		case err := <-readErr:
			return err
		case line, ok := <-c.lines:
			if !ok {
				c.lines = nil
				continue
			}
			if err := write(conn, line); err != nil {
				return err
			}
		}
	}
}

func write(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// describe renders a frame as "type=X" plus its payload.
func describe(data []byte) string {
	var env struct {
		Type         string          `json:"type"`
		Data         json.RawMessage `json:"data"`
		TargetNodeID string          `json:"targetNodeId"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return "raw " + string(data)
	}
	s := "type=" + env.Type
	if env.TargetNodeID != "" {
		s += " target=" + env.TargetNodeID
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		s += " data=" + string(env.Data)
	}
	return s
}
