package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a proposal.
type State int

// StateSubmitted -> StateVoting -> StateAccepted -> StateReady -> StateCreated,
// or StateVoting -> StateRejected.
const (
	StateSubmitted State = iota
	StateVoting
	StateAccepted
	StateReady
	StateCreated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateVoting:
		return "voting"
	case StateAccepted:
		return "accepted"
	case StateReady:
		return "ready"
	case StateCreated:
		return "created"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState parses the String form of a state.
func ParseState(s string) (State, error) {
	for st := StateSubmitted; st <= StateRejected; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

// Terminal tells whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCreated || s == StateRejected
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateSubmitted: {StateVoting},
	StateVoting:    {StateAccepted, StateRejected},
	StateAccepted:  {StateReady, StateRejected},
	StateReady:     {StateCreated},
}

// ReadyPolicy decides when the requester has seen enough acceptance
// announcements to declare a proposal ready.
type ReadyPolicy int

const (
	// ReadyAll waits for every voter to announce acceptance.
	ReadyAll ReadyPolicy = iota

	// ReadyQuorum waits for as many announcements as the quorum requires.
	ReadyQuorum
)

func (r ReadyPolicy) String() string {
	if r == ReadyQuorum {
		return "quorum"
	}
	return "all"
}

// ParseReadyPolicy parses "all" or "quorum".
func ParseReadyPolicy(s string) (ReadyPolicy, error) {
	switch s {
	case "", "all":
		return ReadyAll, nil
	case "quorum":
		return ReadyQuorum, nil
	}
	return 0, fmt.Errorf("unknown ready policy %q", s)
}

// Proposal maintains the state of one circuit proposal from
// submission until it is created or rejected.
type Proposal struct {
	CircuitID       string
	Requester       string
	RequesterNodeID NodeID
	State           State
	Policy          QuorumPolicy
	Tally           *Tally

	// Acks holds the acceptance and rejection announcements seen from
	// each voter, first announcement wins.
	Acks VoteSet

	CreatedAt time.Time
	UpdatedAt time.Time

	// members is fixed when the circuit is created.
	members NodeIDSet

	mu sync.Mutex
}

func newProposal(msg *ProposalSubmit, voters NodeIDSet, policy QuorumPolicy, now time.Time) *Proposal {
	return &Proposal{
		CircuitID:       msg.CircuitID,
		Requester:       msg.Requester,
		RequesterNodeID: msg.RequesterNodeID,
		State:           StateSubmitted,
		Policy:          policy,
		Tally:           NewTally(voters, policy),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// advance moves p to state to, if that is a legal transition.
func (p *Proposal) advance(to State, now time.Time) error {
	for _, next := range transitions[p.State] {
		if next == to {
			p.State = to
			p.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, p.CircuitID, p.State, to)
}

// vote applies v. It reports whether the vote decided the proposal.
// Votes arriving after an accept decision, but before the circuit is
// created, are still recorded: they cannot change the outcome, only
// the membership.
func (p *Proposal) vote(v Vote) (bool, error) {
	switch p.State {
	case StateVoting:
	case StateAccepted, StateReady:
		if _, err := p.Tally.Record(v); err != nil {
			return false, err
		}
		p.UpdatedAt = v.CreatedAt
		return false, nil
	default:
		return false, fmt.Errorf("%w: vote on %s proposal %s", ErrInvalidTransition, p.State, p.CircuitID)
	}
	counted, err := p.Tally.Record(v)
	if err != nil || !counted {
		return false, err
	}
	switch p.Tally.Outcome() {
	case Accepted:
		return true, p.advance(StateAccepted, v.CreatedAt)
	case Rejected:
		return true, p.advance(StateRejected, v.CreatedAt)
	}
	p.UpdatedAt = v.CreatedAt
	return false, nil
}

// ack records an announcement of the network's decision by a voter.
// While the proposal is still voting, it returns the outcome that a
// quorum of matching announcements establishes, if any.
func (p *Proposal) ack(a Vote) (Outcome, error) {
	if !p.Tally.Voters().Contains(a.VoterNodeID) {
		return Pending, fmt.Errorf("%w: %s announced %s for %s", ErrNotVoter, a.VoterNodeID, a.Decision, p.CircuitID)
	}
	p.Acks.Add(a)
	if p.State != StateVoting {
		return Pending, nil
	}
	return outcome(p.Acks.Count(Accept), p.Acks.Count(Reject), p.Tally.Required()), nil
}

// ready tells whether the acceptance announcements satisfy r.
func (p *Proposal) ready(r ReadyPolicy) bool {
	n := p.Acks.Count(Accept)
	if r == ReadyQuorum {
		return n >= p.Tally.Required()
	}
	return n >= len(p.Tally.Voters())
}

// Members returns the node ids belonging to the circuit p creates:
// the requester and every voter who voted to accept. Once the circuit
// is created this is the set it was created with.
func (p *Proposal) Members() NodeIDSet {
	if p.members != nil {
		return p.members.Clone()
	}
	return p.Tally.Accepts().Union(NewNodeIDSet(p.RequesterNodeID))
}

// Record returns a snapshot of p suitable for archiving.
func (p *Proposal) Record() ProposalRecord {
	return ProposalRecord{
		CircuitID:       p.CircuitID,
		Requester:       p.Requester,
		RequesterNodeID: p.RequesterNodeID,
		State:           p.State,
		Policy:          p.Policy,
		Voters:          p.Tally.Voters().Clone(),
		Votes:           p.Tally.Votes(),
		Members:         p.Members(),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// ProposalRecord is an immutable snapshot of a proposal.
type ProposalRecord struct {
	CircuitID       string
	Requester       string
	RequesterNodeID NodeID
	State           State
	Policy          QuorumPolicy
	Voters          NodeIDSet
	Votes           VoteSet
	Members         NodeIDSet
	Hash            [32]byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Archiver receives proposals once they reach a terminal state.
type Archiver interface {
	ArchiveProposal(ProposalRecord) error
}
