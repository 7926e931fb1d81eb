package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/servermint/relay/internal/events"
)

// fakeTransport records every frame sent to it.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("buffer full")
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) Reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func (f *fakeTransport) Last(t *testing.T) decodedFrame {
	t.Helper()
	frames := f.Frames()
	if len(frames) == 0 {
		t.Fatal("expected at least one frame, got none")
	}
	return decode(t, frames[len(frames)-1])
}

// frameTypes returns the types of every frame f received, in order.
func frameTypes(t *testing.T, f *fakeTransport) []MessageType {
	t.Helper()
	var types []MessageType
	for _, frame := range f.Frames() {
		types = append(types, decode(t, frame).Type)
	}
	return types
}

type decodedFrame struct {
	Type         MessageType     `json:"type"`
	Data         json.RawMessage `json:"data"`
	TargetNodeID string          `json:"targetNodeId"`
}

func decode(t *testing.T, frame []byte) decodedFrame {
	t.Helper()
	var f decodedFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		t.Fatalf("decode frame %q: %v", frame, err)
	}
	return f
}

func errorData(t *testing.T, f decodedFrame) ErrorData {
	t.Helper()
	if f.Type != MessageTypeError {
		t.Fatalf("expected Error frame, got %s", f.Type)
	}
	var d ErrorData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	return d
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestRelay(t *testing.T, opts Options) (*Relay, *fakeClock) {
	t.Helper()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clock := newFakeClock()
	r.SetClock(clock.Now)
	return r, clock
}

func mustFrame(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func authAgentFrame(t *testing.T, token string) []byte {
	return mustFrame(t, map[string]interface{}{
		"type": "Authenticate",
		"data": map[string]string{"token": token},
	})
}

func authDesktopFrame(t *testing.T, userID string) []byte {
	return mustFrame(t, map[string]interface{}{
		"type": "Authenticate",
		"data": map[string]string{"userId": userID},
	})
}

// connectAgent issues a token for userID and authenticates a new agent with it.
func connectAgent(t *testing.T, r *Relay, userID string) (string, *fakeTransport, Token) {
	t.Helper()
	tok, err := r.IssueToken(userID)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	tr := &fakeTransport{}
	id := r.Connect(tr)
	if err := r.HandleFrame(id, authAgentFrame(t, tok.Value)); err != nil {
		t.Fatalf("agent authenticate failed: %v", err)
	}
	return id, tr, tok
}

func connectDesktop(t *testing.T, r *Relay, userID string) (string, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	id := r.Connect(tr)
	if err := r.HandleFrame(id, authDesktopFrame(t, userID)); err != nil {
		t.Fatalf("desktop authenticate failed: %v", err)
	}
	return id, tr
}
