package circuit

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// NodeID is the stable identifier of a network participant.
type NodeID string

// Identity is what a node stamps on the messages it originates: its
// public identity (e.g. a key) and its node id.
type Identity struct {
	Key    string
	NodeID NodeID
}

// Config holds the settings of a Node. The zero value is usable once
// Network is set.
type Config struct {
	// Network is the set of known nodes, including this one.
	Network NodeIDSet

	// Voters picks the voter set of each new proposal. The default is
	// NetworkVoters(Network).
	Voters VoterSetFunc

	Policy QuorumPolicy
	Ready  ReadyPolicy

	// CircuitTTL, if positive, makes circuits expire that long after
	// creation.
	CircuitTTL time.Duration

	// Workers and QueueSize size the inbound queue used by Run.
	Workers   int
	QueueSize int

	// Archive, if set, receives every proposal that reaches a terminal
	// state.
	Archive Archiver

	// OnCreated, if set, is called for every circuit this node
	// registers, before the message that created it is answered.
	OnCreated func(Circuit)

	Logger *zerolog.Logger
}

// Node is a participant in the circuit protocol. Its methods are safe
// for concurrent use; work on one circuit is serialized while distinct
// circuits proceed independently.
type Node struct {
	ID  NodeID
	Key string

	Registry *Registry
	Router   *Router
	Logger   zerolog.Logger

	cfg       Config
	now       func() time.Time
	proposals proposalStore
	queues    []chan cmd
}

// NewNode creates a node with the given identity.
func NewNode(self Identity, cfg Config) *Node {
	if cfg.Voters == nil {
		cfg.Voters = NetworkVoters(cfg.Network)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	reg := NewRegistry()
	n := &Node{
		ID:       self.NodeID,
		Key:      self.Key,
		Registry: reg,
		Router:   NewRouter(reg),
		Logger:   logger.With().Str("node", string(self.NodeID)).Logger(),
		cfg:      cfg,
		now:      time.Now,
	}
	trackRegistry(n.ID, reg)
	n.queues = make([]chan cmd, cfg.Workers)
	for i := range n.queues {
		n.queues[i] = make(chan cmd, cfg.QueueSize)
	}
	return n
}

// Peers returns the network members other than n.
func (n *Node) Peers() NodeIDSet {
	return n.cfg.Network.Remove(n.ID)
}

// Receive decodes an inbound envelope, handles it and returns the
// encoded messages the node emits in response. Every failure is
// logged and counted; none of them affects other circuits.
func (n *Node) Receive(b []byte) ([][]byte, error) {
	msg, err := Decode(b)
	if err != nil {
		n.report(nil, err)
		return nil, err
	}
	out, err := n.Handle(msg)
	if len(out) == 0 {
		return nil, err
	}
	enc, encErr := encodeAll(out)
	if err == nil {
		err = encErr
	}
	return enc, err
}

// Handle processes an inbound protocol message and returns the
// messages the node emits in response, which the caller should
// disseminate to its peers. The local node has already applied them.
// Messages may be returned alongside an error when a later step
// fails; they must still be sent.
func (n *Node) Handle(msg Msg) ([]Msg, error) {
	out, err := n.dispatch(msg)
	n.report(msg, err)
	return out, err
}

func (n *Node) dispatch(msg Msg) ([]Msg, error) {
	if msg == nil {
		return nil, ErrUnknownMessageType
	}
	if err := validate(msg); err != nil {
		return nil, err
	}

	switch msg := msg.(type) {
	case *ProposalSubmit:
		return n.handleSubmit(msg)

	case *ProposalVote:
		return n.handleVote(msg)

	case *ProposalAccept:
		return n.handleAck(Vote{VoterNodeID: msg.VoterNodeID, Voter: msg.Voter, CircuitID: msg.CircuitID, Decision: Accept})

	case *ProposalReject:
		return n.handleAck(Vote{VoterNodeID: msg.VoterNodeID, Voter: msg.Voter, CircuitID: msg.CircuitID, Decision: Reject})

	case *ProposalReady:
		return n.handleReady(msg)

	case *CircuitCreated:
		return n.handleCreated(msg)

	case *CircuitPayload:
		err := n.Router.Route(msg.Payload())
		recordPayload(n.ID, err)
		return nil, err
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
}

// validate checks the fields every message must carry.
func validate(msg Msg) error {
	if msg.Circuit() == "" {
		return fmt.Errorf("%s: %w: missing circuit id", msg.Type(), ErrMalformedBody)
	}
	var sender NodeID
	switch msg := msg.(type) {
	case *ProposalSubmit:
		sender = msg.RequesterNodeID
	case *ProposalVote:
		sender = msg.VoterNodeID
	case *ProposalAccept:
		sender = msg.VoterNodeID
	case *ProposalReject:
		sender = msg.VoterNodeID
	case *ProposalReady:
		sender = msg.RequesterNodeID
	case *CircuitCreated:
		sender = msg.RequesterNodeID
	case *CircuitPayload:
		sender = msg.RequesterNodeID
	}
	if sender == "" {
		return fmt.Errorf("%s: %w: missing node id", msg.Type(), ErrMalformedBody)
	}
	return nil
}

func (n *Node) handleSubmit(msg *ProposalSubmit) ([]Msg, error) {
	if _, ok := n.Registry.Lookup(msg.CircuitID); ok {
		return nil, fmt.Errorf("%w: circuit %s already exists", ErrDuplicateProposal, msg.CircuitID)
	}

	now := n.now()
	voters := n.cfg.Voters(msg.CircuitID, msg.RequesterNodeID)
	p := newProposal(msg, voters, n.cfg.Policy, now)

	// Hold the new proposal's lock across registration so that no
	// other message for this circuit sees it before it is voting.
	p.mu.Lock()
	defer p.mu.Unlock()
	if !n.proposals.insert(p) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProposal, msg.CircuitID)
	}
	if err := p.advance(StateVoting, now); err != nil {
		return nil, err
	}
	n.Logger.Debug().
		Str("circuit", p.CircuitID).
		Str("requester", string(p.RequesterNodeID)).
		Stringer("voters", p.Tally.Voters()).
		Int("required", p.Tally.Required()).
		Msg("proposal submitted")
	return nil, nil
}

func (n *Node) handleVote(msg *ProposalVote) ([]Msg, error) {
	p, ok := n.proposals.get(msg.CircuitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, msg.CircuitID)
	}

	now := n.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	decided, err := p.vote(Vote{
		VoterNodeID: msg.VoterNodeID,
		Voter:       msg.Voter,
		CircuitID:   msg.CircuitID,
		Decision:    msg.Decision,
		CreatedAt:   now,
	})
	if err != nil || !decided {
		return nil, err
	}
	n.Logger.Info().Str("circuit", p.CircuitID).Stringer("state", p.State).Msg("quorum reached")
	return n.decided(p, now)
}

func (n *Node) handleAck(a Vote) ([]Msg, error) {
	p, ok := n.proposals.get(a.CircuitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, a.CircuitID)
	}

	now := n.now()
	a.CreatedAt = now
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State.Terminal() {
		return nil, nil
	}
	o, err := p.ack(a)
	if err != nil {
		return nil, err
	}

	switch o {
	case Accepted:
		if err := p.advance(StateAccepted, now); err != nil {
			return nil, err
		}
		n.Logger.Info().Str("circuit", p.CircuitID).Msg("adopted network acceptance")
		return n.decided(p, now)

	case Rejected:
		if err := p.advance(StateRejected, now); err != nil {
			return nil, err
		}
		n.Logger.Info().Str("circuit", p.CircuitID).Msg("adopted network rejection")
		return n.decided(p, now)
	}

	if a.Decision == Accept {
		return n.maybeReady(p, now)
	}
	return nil, nil
}

func (n *Node) handleReady(msg *ProposalReady) ([]Msg, error) {
	p, ok := n.proposals.get(msg.CircuitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, msg.CircuitID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.RequesterNodeID != p.RequesterNodeID {
		return nil, fmt.Errorf("%w: ready for %s from %s, not the requester", ErrInvalidTransition, p.CircuitID, msg.RequesterNodeID)
	}
	if err := p.advance(StateReady, n.now()); err != nil {
		return nil, err
	}
	n.Logger.Debug().Str("circuit", p.CircuitID).Msg("proposal ready")
	return nil, nil
}

func (n *Node) handleCreated(msg *CircuitCreated) ([]Msg, error) {
	p, ok := n.proposals.get(msg.CircuitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, msg.CircuitID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.RequesterNodeID != p.RequesterNodeID {
		return nil, fmt.Errorf("%w: created for %s from %s, not the requester", ErrInvalidTransition, p.CircuitID, msg.RequesterNodeID)
	}
	members := msg.Members
	if len(members) == 0 {
		members = p.Members()
	}
	if !members.Contains(p.RequesterNodeID) {
		return nil, fmt.Errorf("%w: members of %s lack the requester", ErrMalformedBody, p.CircuitID)
	}
	for _, id := range members {
		if id != p.RequesterNodeID && !p.Tally.Voters().Contains(id) {
			return nil, fmt.Errorf("%w: member %s of %s is not a voter", ErrMalformedBody, id, p.CircuitID)
		}
	}
	return nil, n.create(p, n.now(), members)
}

// decided emits this node's announcement of p's outcome and, for an
// accepted proposal, carries it as far toward creation as it can.
// The caller holds p.mu.
func (n *Node) decided(p *Proposal, now time.Time) ([]Msg, error) {
	var out []Msg
	if p.Tally.Voters().Contains(n.ID) {
		d := Accept
		if p.State == StateRejected {
			d = Reject
		}
		p.Acks.Add(Vote{VoterNodeID: n.ID, Voter: n.Key, CircuitID: p.CircuitID, Decision: d, CreatedAt: now})
		if d == Accept {
			out = append(out, &ProposalAccept{Voter: n.Key, VoterNodeID: n.ID, CircuitID: p.CircuitID})
		} else {
			out = append(out, &ProposalReject{Voter: n.Key, VoterNodeID: n.ID, CircuitID: p.CircuitID})
		}
	}

	if p.State == StateRejected {
		n.finish(p, [32]byte{})
		return out, nil
	}
	more, err := n.maybeReady(p, now)
	return append(out, more...), err
}

// maybeReady declares p ready and creates its circuit if this node is
// the requester and enough acceptances have been announced. The
// caller holds p.mu.
func (n *Node) maybeReady(p *Proposal, now time.Time) ([]Msg, error) {
	if p.State != StateAccepted || p.RequesterNodeID != n.ID || !p.ready(n.cfg.Ready) {
		return nil, nil
	}
	if err := p.advance(StateReady, now); err != nil {
		return nil, err
	}
	out := []Msg{&ProposalReady{Requester: p.Requester, RequesterNodeID: p.RequesterNodeID, CircuitID: p.CircuitID}}
	members := p.Members()
	if err := n.create(p, now, members); err != nil {
		return out, err
	}
	return append(out, &CircuitCreated{Requester: p.Requester, RequesterNodeID: p.RequesterNodeID, CircuitID: p.CircuitID, Members: members}), nil
}

// create finalizes a ready proposal and registers its circuit with the
// given members. The caller holds p.mu.
func (n *Node) create(p *Proposal, now time.Time, members NodeIDSet) error {
	if err := p.advance(StateCreated, now); err != nil {
		return err
	}
	p.members = members.Clone()

	c := Circuit{
		ID:              p.CircuitID,
		Members:         p.members.Clone(),
		Requester:       p.Requester,
		RequesterNodeID: p.RequesterNodeID,
		CreatedAt:       now,
	}
	if n.cfg.CircuitTTL > 0 {
		c.ExpiresAt = now.Add(n.cfg.CircuitTTL)
	}
	if err := n.Registry.Register(c); err != nil {
		// The proposal store admits one proposal per id, so this means
		// the registry was populated from elsewhere.
		n.Logger.Error().Err(err).Str("circuit", c.ID).Msg("circuit registration failed")
		n.finish(p, [32]byte{})
		return err
	}
	c, _ = n.Registry.Lookup(c.ID)
	n.Logger.Info().Str("circuit", c.ID).Stringer("members", c.Members).Hex("hash", c.Hash[:]).Msg("circuit created")

	if n.cfg.OnCreated != nil {
		n.cfg.OnCreated(c)
	}
	n.finish(p, c.Hash)
	return nil
}

// finish archives a proposal that reached a terminal state. The
// proposal stays in the store so late messages about it are no-ops.
func (n *Node) finish(p *Proposal, hash [32]byte) {
	recordProposal(n.ID, p.State)
	if n.cfg.Archive == nil {
		return
	}
	rec := p.Record()
	rec.Hash = hash
	if err := n.cfg.Archive.ArchiveProposal(rec); err != nil {
		n.Logger.Warn().Err(err).Str("circuit", p.CircuitID).Msg("could not archive proposal")
	}
}

// Expire rejects a proposal that has not reached Ready. Timeouts are
// a policy of the caller; the node never expires proposals itself.
func (n *Node) Expire(circuitID string) error {
	p, ok := n.proposals.get(circuitID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, circuitID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State != StateVoting && p.State != StateAccepted {
		return fmt.Errorf("%w: cannot expire %s proposal %s", ErrInvalidTransition, p.State, circuitID)
	}
	if err := p.advance(StateRejected, n.now()); err != nil {
		return err
	}
	n.Logger.Info().Str("circuit", circuitID).Msg("proposal expired")
	n.finish(p, [32]byte{})
	return nil
}

// Forget discards a terminal proposal from the store.
func (n *Node) Forget(circuitID string) error {
	p, ok := n.proposals.get(circuitID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, circuitID)
	}
	p.mu.Lock()
	terminal := p.State.Terminal()
	p.mu.Unlock()
	if !terminal {
		return fmt.Errorf("%w: %s is still live", ErrInvalidTransition, circuitID)
	}
	n.proposals.remove(circuitID)
	return nil
}

// Proposal returns a snapshot of the proposal for circuitID.
func (n *Node) Proposal(circuitID string) (ProposalRecord, bool) {
	p, ok := n.proposals.get(circuitID)
	if !ok {
		return ProposalRecord{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Record(), true
}

// Proposals returns snapshots of all stored proposals ordered by id.
func (n *Node) Proposals() []ProposalRecord {
	var result []ProposalRecord
	for _, id := range n.proposals.ids() {
		if rec, ok := n.Proposal(id); ok {
			result = append(result, rec)
		}
	}
	return result
}

// Propose submits a proposal for circuitID with this node as the
// requester. The returned message should be sent to the peers.
func (n *Node) Propose(circuitID string) (Msg, error) {
	msg := &ProposalSubmit{Requester: n.Key, RequesterNodeID: n.ID, CircuitID: circuitID}
	if _, err := n.Handle(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Vote casts this node's vote on circuitID. The returned messages,
// the vote first, should be sent to the peers, even when an error is
// also returned.
func (n *Node) Vote(circuitID string, d Decision) ([]Msg, error) {
	msg := &ProposalVote{Voter: n.Key, VoterNodeID: n.ID, CircuitID: circuitID, Decision: d}
	out, err := n.Handle(msg)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return append([]Msg{msg}, out...), err
}

// Send builds a payload message for an active circuit this node
// belongs to. The message should be sent to the other members.
func (n *Node) Send(circuitID string, data []byte) (Msg, error) {
	c, ok := n.Registry.Lookup(circuitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotFound, circuitID)
	}
	if !c.Active(n.now()) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotActive, circuitID)
	}
	if !c.Members.Contains(n.ID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, n.ID, circuitID)
	}
	return &CircuitPayload{Requester: n.Key, RequesterNodeID: n.ID, CircuitID: circuitID, Data: data}, nil
}

// Deactivate marks a circuit inactive so no further payloads are
// routed over it.
func (n *Node) Deactivate(circuitID string) error {
	return n.Registry.Deactivate(circuitID)
}

func (n *Node) report(msg Msg, err error) {
	t := Unknown
	if msg != nil {
		t = msg.Type()
	}
	recordMessage(n.ID, t, err)

	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = n.Logger.Debug()
	case errors.Is(err, ErrAlreadyExists):
		ev = n.Logger.Error()
	default:
		ev = n.Logger.Warn()
	}
	if msg != nil {
		ev = ev.Str("circuit", msg.Circuit()).Stringer("msg", msg)
	}
	if err != nil {
		ev.Err(err).Bool("benign", IsBenign(err)).Msg("message dropped")
		return
	}
	ev.Msg("message handled")
}

func encodeAll(msgs []Msg) ([][]byte, error) {
	result := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}
