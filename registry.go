package circuit

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-xdr/xdr"
)

// Circuit is a finalized, agreed-upon channel among its members.
type Circuit struct {
	ID              string
	Members         NodeIDSet
	Requester       string
	RequesterNodeID NodeID
	CreatedAt       time.Time

	// ExpiresAt is the time after which the circuit is no longer
	// active. Zero means never.
	ExpiresAt time.Time

	// Hash commits to the id and membership of the circuit.
	Hash [32]byte

	deactivated bool
}

// Active tells whether payloads may be routed over c at time now.
func (c Circuit) Active(now time.Time) bool {
	if c.deactivated {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

func (c Circuit) String() string {
	return fmt.Sprintf("%s%s", c.ID, c.Members)
}

// CircuitHash computes the hash of a circuit id and its membership:
// SHA-256 over the XDR encoding of the id followed by the sorted
// member ids.
func CircuitHash(id string, members NodeIDSet) ([32]byte, error) {
	var result [32]byte
	hasher := sha256.New()

	b, err := xdr.Marshal(id)
	if err != nil {
		return result, err
	}
	hasher.Write(b)

	b, err = xdr.Marshal(members.Strings())
	if err != nil {
		return result, err
	}
	hasher.Write(b)

	hasher.Sum(result[:0])
	return result, nil
}

// Registry records the circuits that have been created. Each circuit
// id may be registered at most once. Lookups may run concurrently
// with registration.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Circuit
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		items: make(map[string]Circuit),
		now:   time.Now,
	}
}

// Register adds c. A second registration of the same id fails with
// ErrAlreadyExists and leaves the first one unchanged. If c.Hash is
// zero it is computed.
func (r *Registry) Register(c Circuit) error {
	c.Members = c.Members.Clone()
	if c.Hash == ([32]byte{}) {
		h, err := CircuitHash(c.ID, c.Members)
		if err != nil {
			return err
		}
		c.Hash = h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, c.ID)
	}
	r.items[c.ID] = c
	return nil
}

// Lookup returns the circuit with the given id.
func (r *Registry) Lookup(id string) (Circuit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	return c, ok
}

// Deactivate marks a circuit inactive. It stays registered, so its id
// cannot be reused.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCircuitNotFound, id)
	}
	c.deactivated = true
	r.items[id] = c
	return nil
}

// Remove deletes a circuit. It reports whether the circuit existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	delete(r.items, id)
	return ok
}

// List returns all circuits ordered by id.
func (r *Registry) List() []Circuit {
	r.mu.RLock()
	result := make([]Circuit, 0, len(r.items))
	for _, c := range r.items {
		result = append(result, c)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Active returns the number of circuits currently active.
func (r *Registry) Active() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, c := range r.items {
		if c.Active(now) {
			n++
		}
	}
	return n
}
