package circuit

import (
	"fmt"
	"sync"
	"time"
)

// Payload is a unit of application data addressed to a circuit. It is
// routed and discarded, never stored.
type Payload struct {
	Requester       string
	RequesterNodeID NodeID
	CircuitID       string
	Data            []byte
}

// Consumer is the application endpoint of a circuit.
type Consumer interface {
	Deliver(Payload) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(Payload) error

func (f ConsumerFunc) Deliver(p Payload) error { return f(p) }

// Router delivers payloads to the consumers registered for their
// circuits.
type Router struct {
	reg *Registry
	now func() time.Time

	mu        sync.RWMutex
	consumers map[string]Consumer
}

// NewRouter creates a router over the circuits in reg.
func NewRouter(reg *Registry) *Router {
	return &Router{
		reg:       reg,
		now:       time.Now,
		consumers: make(map[string]Consumer),
	}
}

// Subscribe registers c as the consumer of the given circuit,
// replacing any earlier one.
func (r *Router) Subscribe(circuitID string, c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[circuitID] = c
}

// Unsubscribe removes the consumer of the given circuit.
func (r *Router) Unsubscribe(circuitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, circuitID)
}

// Route hands p to the consumer of its circuit without looking at the
// data. It fails with ErrCircuitNotFound if the circuit has not been
// created, ErrCircuitNotActive if it is inactive or expired,
// ErrNotMember if the sender is not a member and ErrNoConsumer if no
// consumer is subscribed.
func (r *Router) Route(p Payload) error {
	c, ok := r.reg.Lookup(p.CircuitID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCircuitNotFound, p.CircuitID)
	}
	if !c.Active(r.now()) {
		return fmt.Errorf("%w: %s", ErrCircuitNotActive, p.CircuitID)
	}
	if !c.Members.Contains(p.RequesterNodeID) {
		return fmt.Errorf("%w: %s in %s", ErrNotMember, p.RequesterNodeID, p.CircuitID)
	}

	r.mu.RLock()
	consumer, ok := r.consumers[p.CircuitID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConsumer, p.CircuitID)
	}
	return consumer.Deliver(p)
}
