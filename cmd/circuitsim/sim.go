package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/circuit"
	"github.com/bobg/circuit/internal/config"
)

type options struct {
	seed    int64
	delay   time.Duration // upper bound on the random delivery delay
	timeout time.Duration // how long a proposal may take before it is expired
}

// result is the outcome of one simulated proposal.
type result struct {
	Circuit   string
	States    map[circuit.NodeID]circuit.State
	Members   circuit.NodeIDSet
	Expired   bool
	Delivered circuit.NodeIDSet
}

type sim struct {
	cfg    config.SimConfig
	opts   options
	nodes  map[circuit.NodeID]*circuit.Node
	logger zerolog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	received map[string]circuit.NodeIDSet
}

func newSim(cfg config.SimConfig, opts options, logger zerolog.Logger) (*sim, error) {
	policy, err := cfg.Quorum.Policy()
	if err != nil {
		return nil, err
	}
	ready, err := circuit.ParseReadyPolicy(cfg.Quorum.Ready)
	if err != nil {
		return nil, err
	}

	s := &sim{
		cfg:      cfg,
		opts:     opts,
		nodes:    make(map[circuit.NodeID]*circuit.Node),
		logger:   logger,
		rng:      rand.New(rand.NewSource(opts.seed)),
		received: make(map[string]circuit.NodeIDSet),
	}

	var network []circuit.NodeID
	for _, id := range cfg.NodeIDs() {
		network = append(network, circuit.NodeID(id))
	}
	for _, id := range network {
		var node *circuit.Node
		nodeLogger := logger.With().Str("sim_node", string(id)).Logger()
		node = circuit.NewNode(circuit.Identity{Key: "key-" + string(id), NodeID: id}, circuit.Config{
			Network: circuit.NewNodeIDSet(network...),
			Policy:  policy,
			Ready:   ready,
			Logger:  &nodeLogger,
			OnCreated: func(c circuit.Circuit) {
				if !c.Members.Contains(node.ID) {
					return
				}
				node.Router.Subscribe(c.ID, circuit.ConsumerFunc(func(p circuit.Payload) error {
					s.deliver(node.ID, p)
					return nil
				}))
			},
		})
		s.nodes[id] = node
	}
	return s, nil
}

func (s *sim) deliver(to circuit.NodeID, p circuit.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[p.CircuitID] = s.received[p.CircuitID].Add(to)
	s.logger.Info().
		Str("circuit", p.CircuitID).
		Str("from", string(p.RequesterNodeID)).
		Str("to", string(to)).
		Str("data", string(p.Data)).
		Msg("payload delivered")
}

func (s *sim) delivered(circuitID string) circuit.NodeIDSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[circuitID].Clone()
}

func (s *sim) jitter() time.Duration {
	if s.opts.delay <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(s.opts.delay)))
}

// simTransport delivers envelopes between simulated nodes after a
// random delay.
type simTransport struct {
	s    *sim
	from circuit.NodeID
}

func (t simTransport) Broadcast(ctx context.Context, b []byte) error {
	t.s.send(ctx, t.from, t.s.nodes[t.from].Peers(), b)
	return nil
}

func (s *sim) transport(id circuit.NodeID) circuit.Transport {
	return simTransport{s: s, from: id}
}

func (s *sim) send(ctx context.Context, from circuit.NodeID, to circuit.NodeIDSet, b []byte) {
	for _, id := range to {
		if id == from {
			continue
		}
		n := s.nodes[id]
		d := s.jitter()
		go func() {
			if err := sleep(ctx, d); err != nil {
				return
			}
			if err := n.Enqueue(ctx, b); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("to", string(n.ID)).Msg("could not deliver envelope")
			}
		}()
	}
}

// run starts every node, plays the configured proposals one after
// another and returns their outcomes.
func (s *sim) run(ctx context.Context) ([]result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.nodes {
		n := n
		g.Go(func() error {
			return n.Run(gctx, s.transport(n.ID))
		})
	}

	var (
		results []result
		err     error
	)
	for _, p := range s.cfg.Proposals {
		var res result
		res, err = s.propose(gctx, p)
		if err != nil {
			break
		}
		results = append(results, res)
	}

	cancel()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return results, err
}

func (s *sim) propose(ctx context.Context, p config.SimProposal) (result, error) {
	res := result{Circuit: p.Circuit, States: make(map[circuit.NodeID]circuit.State)}
	requester := s.nodes[circuit.NodeID(p.Requester)]

	msg, err := requester.Propose(p.Circuit)
	if err != nil {
		return res, err
	}
	requester.Publish(ctx, s.transport(requester.ID), msg)

	deadline, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var g errgroup.Group
	for _, id := range s.cfg.NodeIDs() {
		nc := s.cfg.Nodes[id]
		if nc.Vote == "" {
			continue
		}
		d, err := circuit.ParseDecision(nc.Vote)
		if err != nil {
			return res, fmt.Errorf("node %s: %w", id, err)
		}
		n := s.nodes[circuit.NodeID(id)]
		g.Go(func() error {
			if err := sleep(deadline, nc.Delay.Duration); err != nil {
				return nil
			}
			err := waitFor(deadline, func() bool {
				_, ok := n.Proposal(p.Circuit)
				return ok
			})
			if err != nil {
				return nil
			}
			out, err := n.Vote(p.Circuit, d)
			n.Publish(deadline, s.transport(n.ID), out...)
			if err != nil {
				if circuit.IsBenign(err) {
					return nil
				}
				return fmt.Errorf("%s voting on %s: %w", n.ID, p.Circuit, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if err := waitFor(deadline, s.settled(p.Circuit)); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		res.Expired = true
		for _, n := range s.nodes {
			if err := n.Expire(p.Circuit); err == nil {
				s.logger.Info().Str("circuit", p.Circuit).Str("node", string(n.ID)).Msg("expired")
			}
		}
	}

	for id, n := range s.nodes {
		if rec, ok := n.Proposal(p.Circuit); ok {
			res.States[id] = rec.State
		}
	}

	c, ok := requester.Registry.Lookup(p.Circuit)
	if !ok {
		return res, nil
	}
	res.Members = c.Members
	for id, n := range s.nodes {
		other, ok := n.Registry.Lookup(p.Circuit)
		if ok && other.Hash != c.Hash {
			return res, fmt.Errorf("circuit %s on %s has members %s, requester has %s", p.Circuit, id, other.Members, c.Members)
		}
	}
	if p.Payload == "" {
		return res, nil
	}

	pm, err := requester.Send(p.Circuit, []byte(p.Payload))
	if err != nil {
		return res, err
	}
	b, err := circuit.Encode(pm)
	if err != nil {
		return res, err
	}
	s.send(ctx, requester.ID, c.Members, b)

	others := c.Members.Remove(requester.ID)
	wctx, wcancel := context.WithTimeout(ctx, s.opts.timeout)
	defer wcancel()
	_ = waitFor(wctx, func() bool {
		return len(s.delivered(p.Circuit)) >= len(others)
	})
	res.Delivered = s.delivered(p.Circuit)
	return res, nil
}

// settled returns a condition that holds once every node has the
// proposal in a terminal state.
func (s *sim) settled(circuitID string) func() bool {
	return func() bool {
		for _, n := range s.nodes {
			rec, ok := n.Proposal(circuitID)
			if !ok || !rec.State.Terminal() {
				return false
			}
		}
		return true
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
