package relay

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestTokens(t *testing.T, max int) (*TokenService, *Directory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	dir := NewDirectory()
	dir.TimeNow = clock.Now
	svc, err := NewTokenService(dir, max, 0)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}
	svc.TimeNow = clock.Now
	return svc, dir, clock
}

// TestTokenIssueLookup verifies a token resolves to its binding until expiry.
func TestTokenIssueLookup(t *testing.T) {
	svc, dir, clock := newTestTokens(t, 0)

	tok, err := svc.Issue("alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !strings.HasPrefix(tok.Value, "sm-") {
		t.Errorf("token %q missing sm- prefix", tok.Value)
	}
	if !strings.HasPrefix(tok.NodeID, "node-") {
		t.Errorf("node id %q missing node- prefix", tok.NodeID)
	}
	if tok.TTL != TokenTTL {
		t.Errorf("TTL = %v, want %v", tok.TTL, TokenTTL)
	}
	if owner, ok := dir.OwnerOf(tok.NodeID); !ok || owner != "alice" {
		t.Errorf("OwnerOf = %q, %v; want alice, true", owner, ok)
	}

	for _, advance := range []time.Duration{0, 30 * time.Minute, 30 * time.Minute} {
		clock.Advance(advance)
		got, ok := svc.Lookup(tok.Value)
		if !ok {
			t.Fatalf("Lookup failed at +%v", advance)
		}
		if got.NodeID != tok.NodeID || got.UserID != "alice" {
			t.Errorf("Lookup = %+v, want node %s user alice", got, tok.NodeID)
		}
	}

	clock.Advance(time.Nanosecond)
	if _, ok := svc.Lookup(tok.Value); ok {
		t.Error("expected token to be expired after TTL")
	}
	if svc.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", svc.Len())
	}
}

func TestTokenLookupUnknown(t *testing.T) {
	svc, _, _ := newTestTokens(t, 0)

	for _, value := range []string{"", "sm-unknown", "node-1"} {
		if _, ok := svc.Lookup(value); ok {
			t.Errorf("Lookup(%q) succeeded for a never-issued value", value)
		}
	}
}

func TestTokenIssueRequiresUser(t *testing.T) {
	svc, _, _ := newTestTokens(t, 0)
	if _, err := svc.Issue(""); err != ErrEmptyUserID {
		t.Errorf("Issue(\"\") error = %v, want ErrEmptyUserID", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	svc, _, _ := newTestTokens(t, 0)

	seen := make(map[string]bool)
	nodes := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := svc.Issue("alice")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if seen[tok.Value] || nodes[tok.NodeID] {
			t.Fatalf("duplicate token or node id: %+v", tok)
		}
		seen[tok.Value] = true
		nodes[tok.NodeID] = true
	}
	if svc.Len() != 100 {
		t.Errorf("Len = %d, want 100", svc.Len())
	}
}

// TestTokenLookupDoesNotConsume verifies an agent can reconnect with its token.
func TestTokenLookupDoesNotConsume(t *testing.T) {
	svc, _, _ := newTestTokens(t, 0)
	tok, _ := svc.Issue("alice")

	for i := 0; i < 3; i++ {
		if _, ok := svc.Lookup(tok.Value); !ok {
			t.Fatalf("lookup %d failed", i)
		}
	}
}

func TestTokenSweep(t *testing.T) {
	svc, _, clock := newTestTokens(t, 0)

	old, _ := svc.Issue("alice")
	clock.Advance(45 * time.Minute)
	fresh, _ := svc.Issue("bob")
	clock.Advance(16 * time.Minute)

	if n := svc.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := svc.Lookup(old.Value); ok {
		t.Error("old token survived sweep")
	}
	if _, ok := svc.Lookup(fresh.Value); !ok {
		t.Error("fresh token removed by sweep")
	}
}

// TestTokenCapacity verifies a full table refuses new tokens instead of
// evicting live ones, and reclaims expired slots.
func TestTokenCapacity(t *testing.T) {
	svc, _, clock := newTestTokens(t, 2)

	first, _ := svc.Issue("alice")
	second, _ := svc.Issue("alice")

	if _, err := svc.Issue("alice"); !errors.Is(err, ErrTokenCapacity) {
		t.Fatalf("Issue on full table = %v, want ErrTokenCapacity", err)
	}
	for _, tok := range []Token{first, second} {
		got, ok := svc.Lookup(tok.Value)
		if !ok || got.NodeID != tok.NodeID || got.UserID != "alice" {
			t.Errorf("live token %s lost after refused issue", tok.Value)
		}
	}

	clock.Advance(TokenTTL + time.Second)
	third, err := svc.Issue("bob")
	if err != nil {
		t.Fatalf("Issue after expiry failed: %v", err)
	}
	if _, ok := svc.Lookup(third.Value); !ok {
		t.Error("token issued into a reclaimed slot should resolve")
	}
	if n := svc.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestTokenNodeIDs(t *testing.T) {
	svc, _, clock := newTestTokens(t, 0)

	a, _ := svc.Issue("alice")
	clock.Advance(2 * time.Hour)
	b, _ := svc.Issue("alice")

	nodes := svc.NodeIDs()
	if nodes[a.NodeID] {
		t.Error("expired token's node reported")
	}
	if !nodes[b.NodeID] {
		t.Error("live token's node missing")
	}
}

// TestTokenConcurrentLookupAndSweep exercises lookup racing with expiry.
func TestTokenConcurrentLookupAndSweep(t *testing.T) {
	svc, _, clock := newTestTokens(t, 0)

	var toks []Token
	for i := 0; i < 50; i++ {
		tok, _ := svc.Issue("alice")
		toks = append(toks, tok)
	}
	clock.Advance(TokenTTL + time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tok := range toks {
				if _, ok := svc.Lookup(tok.Value); ok {
					t.Errorf("expired token %s resolved", tok.Value)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Sweep()
	}()
	wg.Wait()

	if svc.Len() != 0 {
		t.Errorf("Len = %d, want 0", svc.Len())
	}
}
