// Package hoptable implements the relay's per-tunnel routing table:
// a concurrent-read/serialized-write map from tunnel id to adjacency state.
package hoptable

import (
	"crypto/rsa"
	"errors"
	"net"
	"sync"
)

// Conn is the minimal connection handle a Hop carries. hoptable doesn't
// dial or write to it; callers (the onion engine) store their own
// connection wrapper here and type-assert it back out.
type Conn interface{}

var ErrNilMutator = errors.New("hoptable: nil mutator")

// State is the lifecycle stage of a Tunnel.
type State int

const (
	StateBuilding State = iota
	StateActive
	StateTearingDown
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing-down"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Hop is a peer the local relay is directly connected to in the context of
// one tunnel. A peer hop carries an address/port; an anonymous hop (learned
// only as "the next hop of a next hop") is known by hostkey alone.
type Hop struct {
	Address net.IP
	Port    uint16
	HostKey *rsa.PublicKey
	Conn    Conn
}

// Tunnel is a single onion route as observed by this relay: at most one
// previous hop (absent if this relay is the initiator) and at most one next
// hop (absent if this relay is the final hop).
type Tunnel struct {
	ID          uint16
	State       State
	PreviousHop *Hop
	NextHop     *Hop
}

// Table is the process-wide tunnelID -> *Tunnel map. Reads take the read
// lock; InsertOrUpdate and Remove take the write lock for the duration of
// the whole mutation, giving read-many/write-one discipline.
type Table struct {
	mu      sync.RWMutex
	tunnels map[uint16]*Tunnel
}

// New returns an empty Table.
func New() *Table {
	return &Table{tunnels: make(map[uint16]*Tunnel)}
}

// Lookup returns the tunnel for id, or ok=false if none is known.
func (t *Table) Lookup(id uint16) (tunnel *Tunnel, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tunnel, ok = t.tunnels[id]
	return tunnel, ok
}

// InsertOrUpdate atomically reads the current tunnel for id (nil if absent)
// and replaces it with whatever mutator returns. mutator must not be nil.
// Returns the resulting tunnel.
func (t *Table) InsertOrUpdate(id uint16, mutator func(current *Tunnel) *Tunnel) *Tunnel {
	if mutator == nil {
		panic(ErrNilMutator)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	updated := mutator(t.tunnels[id])
	if updated == nil {
		delete(t.tunnels, id)
		return nil
	}
	t.tunnels[id] = updated
	return updated
}

// Remove deletes the tunnel for id, if any.
func (t *Table) Remove(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tunnels, id)
}

// Occupied reports whether id is already present in the table. Tunnel id
// generation is left to the caller (the onion engine draws from
// crypto/rand) so the table itself stays free of randomness concerns;
// Occupied only checks the candidate for collision under the read lock.
func (t *Table) Occupied(id uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tunnels[id]
	return ok
}

// Len reports the number of tunnels currently tracked, chiefly for tests
// and diagnostics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tunnels)
}
