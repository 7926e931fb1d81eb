package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// TokenTTL is how long an issued pairing token stays valid.
	TokenTTL = time.Hour

	// DefaultMaxTokens bounds the number of outstanding tokens.
	DefaultMaxTokens = 10000

	tokenPrefix  = "sm-"
	nodeIDPrefix = "node-"
)

var (
	// ErrEmptyUserID is returned when a token is requested without a user.
	ErrEmptyUserID = errors.New("user id is required")

	// ErrTokenCapacity is returned when every token slot holds a live token.
	ErrTokenCapacity = errors.New("too many outstanding tokens")
)

// Token is a pairing credential that binds a future agent to a node and user.
type Token struct {
	Value    string
	NodeID   string
	UserID   string
	IssuedAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns the instant after which the token is no longer accepted.
func (t Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

func (t Token) expired(now time.Time) bool {
	return now.Sub(t.IssuedAt) > t.TTL
}

// TokenService issues pairing tokens and resolves them back to their binding.
//
// Expiry is checked lazily on lookup against the service clock; Sweep only
// reclaims memory. A token is never consumed by a successful lookup, so an
// agent may reconnect with the same token until it expires. Live tokens are
// never evicted: Issue fails with ErrTokenCapacity instead.
type TokenService struct {
	mu     sync.Mutex
	tokens *lru.Cache[string, Token]
	max    int
	dir    *Directory
	ttl    time.Duration

	// TimeNow is the service clock. Tests replace it.
	TimeNow func() time.Time
}

// NewTokenService creates a token service that records ownership in dir.
// maxTokens <= 0 selects DefaultMaxTokens; ttl <= 0 selects TokenTTL.
func NewTokenService(dir *Directory, maxTokens int, ttl time.Duration) (*TokenService, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if ttl <= 0 {
		ttl = TokenTTL
	}
	cache, err := lru.New[string, Token](maxTokens)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &TokenService{
		tokens:  cache,
		max:     maxTokens,
		dir:     dir,
		ttl:     ttl,
		TimeNow: time.Now,
	}, nil
}

// Issue creates a token and a node ID for userID and records the node as
// owned by that user. When every slot is taken, expired tokens are reclaimed
// first; if none are, Issue returns ErrTokenCapacity.
func (s *TokenService) Issue(userID string) (Token, error) {
	if userID == "" {
		return Token{}, ErrEmptyUserID
	}

	value, err := uuid.NewRandom()
	if err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	node, err := uuid.NewRandom()
	if err != nil {
		return Token{}, fmt.Errorf("generate node id: %w", err)
	}

	tok := Token{
		Value:    tokenPrefix + value.String(),
		NodeID:   nodeIDPrefix + node.String(),
		UserID:   userID,
		IssuedAt: s.TimeNow(),
		TTL:      s.ttl,
	}

	s.mu.Lock()
	if s.tokens.Len() >= s.max && s.sweepLocked(tok.IssuedAt) == 0 {
		s.mu.Unlock()
		return Token{}, ErrTokenCapacity
	}
	s.tokens.Add(tok.Value, tok)
	s.mu.Unlock()

	if s.dir != nil {
		s.dir.RecordOwnership(tok.NodeID, tok.UserID)
	}
	return tok, nil
}

// Lookup resolves a token value. Unknown and expired values report false;
// an expired entry is removed in the same critical section.
func (s *TokenService) Lookup(value string) (Token, bool) {
	if value == "" {
		return Token{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens.Peek(value)
	if !ok {
		return Token{}, false
	}
	if tok.expired(s.TimeNow()) {
		s.tokens.Remove(value)
		return Token{}, false
	}
	return tok, true
}

// Sweep removes every expired token and returns how many were removed.
func (s *TokenService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.TimeNow())
}

func (s *TokenService) sweepLocked(now time.Time) int {
	removed := 0
	for _, key := range s.tokens.Keys() {
		tok, ok := s.tokens.Peek(key)
		if ok && tok.expired(now) {
			s.tokens.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of outstanding, unexpired tokens.
func (s *TokenService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.TimeNow()
	n := 0
	for _, key := range s.tokens.Keys() {
		if tok, ok := s.tokens.Peek(key); ok && !tok.expired(now) {
			n++
		}
	}
	return n
}

// NodeIDs returns the nodes referenced by unexpired tokens.
func (s *TokenService) NodeIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.TimeNow()
	nodes := make(map[string]bool)
	for _, key := range s.tokens.Keys() {
		if tok, ok := s.tokens.Peek(key); ok && !tok.expired(now) {
			nodes[tok.NodeID] = true
		}
	}
	return nodes
}
