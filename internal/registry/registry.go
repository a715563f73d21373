// Package registry tracks live signaling connections and the identity each
// connection declared for itself.
//
// Identities are self-reported LAN addresses and are not verified. Several
// connections may declare the same address; whether that is allowed is an
// explicit Policy.
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNilConn = errors.New("registry: nil connection")
	// ErrAddressInUse is returned by Register under PolicyReject when another
	// open connection has already declared the same address.
	ErrAddressInUse = errors.New("registry: address already registered by another connection")
)

// Conn is the transport side of a registered peer.
type Conn interface {
	// Send writes one text frame. It must be safe for concurrent use.
	Send(data []byte) error
	// Open reports whether the transport is still writable.
	Open() bool
}

// Policy decides what happens when a second connection declares an address
// that is already registered.
type Policy string

const (
	// PolicyFanOut accepts duplicates; routing then delivers to every
	// connection holding the address.
	PolicyFanOut Policy = "fanout"
	// PolicyReject refuses the later registration.
	PolicyReject Policy = "reject"
)

// Record is the identity a connection declared.
type Record struct {
	SessionID    string
	Address      string
	Ready        bool
	Registered   bool
	RegisteredAt time.Time
}

type Registry struct {
	policy Policy
	newID  func() string
	now    func() time.Time

	mu    sync.Mutex
	conns map[Conn]*Record
}

func New(policy Policy) *Registry {
	if policy == "" {
		policy = PolicyFanOut
	}
	return &Registry{
		policy: policy,
		newID:  uuid.NewString,
		now:    time.Now,
		conns:  make(map[Conn]*Record),
	}
}

func (r *Registry) Policy() Policy { return r.policy }

// Add tracks a freshly opened connection that has not registered yet. It is
// visible to broadcasts but never matches an address lookup.
func (r *Registry) Add(conn Conn) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.conns[conn]; !ok {
		r.conns[conn] = &Record{}
	}
	r.mu.Unlock()
}

// Register stores or overwrites the identity of conn and returns its session
// id. An empty declaredID keeps the previously assigned id, or assigns a new
// one.
func (r *Registry) Register(conn Conn, declaredAddress, declaredID string) (string, error) {
	if conn == nil {
		return "", ErrNilConn
	}
	address := strings.TrimSpace(declaredAddress)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policy == PolicyReject && address != "" {
		for other, rec := range r.conns {
			if other != conn && rec.Registered && rec.Address == address && other.Open() {
				return "", ErrAddressInUse
			}
		}
	}

	rec, ok := r.conns[conn]
	if !ok {
		rec = &Record{}
		r.conns[conn] = rec
	}

	switch {
	case declaredID != "":
		rec.SessionID = declaredID
	case rec.SessionID == "":
		rec.SessionID = r.newID()
	}
	rec.Address = address
	rec.Registered = true
	rec.RegisteredAt = r.now()
	return rec.SessionID, nil
}

// SetReady updates the reserved readiness flag. It reports whether conn is
// tracked.
func (r *Registry) SetReady(conn Conn, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[conn]
	if !ok {
		return false
	}
	rec.Ready = ready
	return true
}

// Lookup returns a copy of the record for conn.
func (r *Registry) Lookup(conn Conn) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[conn]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// LookupByAddress returns every registered connection that declared address.
func (r *Registry) LookupByAddress(address string) []Conn {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conn
	for conn, rec := range r.conns {
		if rec.Registered && rec.Address == address {
			out = append(out, conn)
		}
	}
	return out
}

// Remove forgets conn. Removing an unknown connection is a no-op. It reports
// whether conn was tracked.
func (r *Registry) Remove(conn Conn) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	_, ok := r.conns[conn]
	delete(r.conns, conn)
	r.mu.Unlock()
	return ok
}

// ForEachOpen calls fn for every tracked connection whose transport is
// writable. fn runs without the registry lock held, so it may send.
func (r *Registry) ForEachOpen(fn func(Conn, Record)) {
	type entry struct {
		conn Conn
		rec  Record
	}

	r.mu.Lock()
	entries := make([]entry, 0, len(r.conns))
	for conn, rec := range r.conns {
		entries = append(entries, entry{conn: conn, rec: *rec})
	}
	r.mu.Unlock()

	for _, e := range entries {
		if !e.conn.Open() {
			continue
		}
		fn(e.conn, e.rec)
	}
}

// Conns returns every tracked connection, open or not.
func (r *Registry) Conns() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
