// Package history keeps a bounded, in-memory chat log for every unordered
// pair of LAN addresses.
package history

import (
	"strings"
	"sync"
)

const DefaultLimit = 100

// PairKey identifies an unordered pair of addresses. Lo sorts before Hi, so
// NewPairKey(a, b) == NewPairKey(b, a).
type PairKey struct {
	Lo, Hi string
}

// NewPairKey returns false when either address is empty.
func NewPairKey(a, b string) (PairKey, bool) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return PairKey{}, false
	}
	if b < a {
		a, b = b, a
	}
	return PairKey{Lo: a, Hi: b}, true
}

// ChatMessage is one stored chat line. Timestamp is milliseconds since the
// Unix epoch.
type ChatMessage struct {
	FromIP    string `json:"fromIP"`
	TargetIP  string `json:"targetIP"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type Store struct {
	limit int

	mu    sync.Mutex
	pairs map[PairKey][]ChatMessage
}

// NewStore returns a store holding at most limit messages per pair. A
// non-positive limit selects DefaultLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		limit: limit,
		pairs: make(map[PairKey][]ChatMessage),
	}
}

func (s *Store) Limit() int { return s.limit }

// Append adds msg to the history of the pair (a, b) and evicts the oldest
// entries beyond the limit. It is a no-op unless both addresses are set.
func (s *Store) Append(a, b string, msg ChatMessage) {
	key, ok := NewPairKey(a, b)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.pairs[key], msg)
	if over := len(msgs) - s.limit; over > 0 {
		// Copy into a fresh slice so evicted entries are not pinned by the
		// backing array.
		trimmed := make([]ChatMessage, s.limit, s.limit+1)
		copy(trimmed, msgs[over:])
		msgs = trimmed
	}
	s.pairs[key] = msgs
}

// Get returns a copy of the pair's history in insertion order. It never
// returns nil.
func (s *Store) Get(a, b string) []ChatMessage {
	key, ok := NewPairKey(a, b)
	if !ok {
		return []ChatMessage{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.pairs[key]
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

func (s *Store) Len(a, b string) int {
	key, ok := NewPairKey(a, b)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs[key])
}

// Pairs returns the number of pairs with at least one stored message.
func (s *Store) Pairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}
