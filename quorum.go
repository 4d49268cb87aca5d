package circuit

// This file contains the quorum engine: the rule by which a fixed set
// of voters decides a proposal.
//
// The voter set of a proposal is fixed when the proposal is
// submitted, so the denominator of every quorum computation is fixed
// too. A vote from outside the voter set is refused, and a voter's
// first vote is the only one counted.
//
// A proposal is accepted when the number of accept votes reaches the
// required count, and rejected when the number of reject votes does.
// Every rule requires at least a strict majority of the voter set, so
// the two outcomes exclude each other and the outcome depends only on
// which voters voted which way, never on arrival order.

import (
	"fmt"
	"strings"
)

// QuorumRule selects how many votes a decision requires.
type QuorumRule int

const (
	// Majority requires more than half of the voter set.
	Majority QuorumRule = iota

	// Unanimous requires the whole voter set.
	Unanimous

	// Threshold requires QuorumPolicy.Threshold votes, but never less
	// than a majority.
	Threshold
)

func (r QuorumRule) String() string {
	switch r {
	case Majority:
		return "majority"
	case Unanimous:
		return "unanimous"
	case Threshold:
		return "threshold"
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

// ParseQuorumRule parses the String form of a rule.
func ParseQuorumRule(s string) (QuorumRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "majority":
		return Majority, nil
	case "unanimous", "all":
		return Unanimous, nil
	case "threshold":
		return Threshold, nil
	}
	return 0, fmt.Errorf("unknown quorum rule %q", s)
}

// QuorumPolicy configures the quorum engine. A proposal snapshots the
// node's policy when it is submitted.
type QuorumPolicy struct {
	Rule      QuorumRule
	Threshold int

	// MinVotes is a floor on the required count regardless of rule.
	MinVotes int
}

// Required returns the number of matching votes needed to decide a
// proposal whose voter set has n members. The result may exceed n,
// in which case the proposal can never be decided.
func (p QuorumPolicy) Required(n int) int {
	majority := n/2 + 1
	var req int
	switch p.Rule {
	case Unanimous:
		req = n
	case Threshold:
		req = p.Threshold
	default:
		req = majority
	}
	if req < majority {
		req = majority
	}
	if req < p.MinVotes {
		req = p.MinVotes
	}
	if req < 1 {
		req = 1
	}
	return req
}

func (p QuorumPolicy) String() string {
	if p.Rule == Threshold {
		return fmt.Sprintf("threshold(%d)", p.Threshold)
	}
	return p.Rule.String()
}

// Outcome is the state of a tally.
type Outcome int

const (
	Pending Outcome = iota
	Accepted
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Tally counts the votes of a fixed voter set.
type Tally struct {
	voters   NodeIDSet
	required int
	votes    VoteSet
}

// NewTally creates a tally for the given voters under policy p.
func NewTally(voters NodeIDSet, p QuorumPolicy) *Tally {
	return &Tally{
		voters:   voters.Clone(),
		required: p.Required(len(voters)),
	}
}

// Record adds v to the tally. It reports whether the vote was counted;
// a repeated vote from the same voter is not. A vote from outside the
// voter set fails with ErrNotVoter.
func (t *Tally) Record(v Vote) (bool, error) {
	if !t.voters.Contains(v.VoterNodeID) {
		return false, fmt.Errorf("%w: %s", ErrNotVoter, v.VoterNodeID)
	}
	if !v.Decision.Valid() {
		return false, fmt.Errorf("%w: decision %d", ErrMalformedBody, v.Decision)
	}
	return t.votes.Add(v), nil
}

// Outcome reports the decision reached so far.
func (t *Tally) Outcome() Outcome {
	return outcome(t.votes.Count(Accept), t.votes.Count(Reject), t.required)
}

func outcome(accepts, rejects, required int) Outcome {
	switch {
	case accepts >= required:
		return Accepted
	case rejects >= required:
		return Rejected
	}
	return Pending
}

// Required returns the number of matching votes needed for a decision.
func (t *Tally) Required() int { return t.required }

// Voters returns the voter set.
func (t *Tally) Voters() NodeIDSet { return t.voters }

// Votes returns the counted votes, ordered by voter.
func (t *Tally) Votes() VoteSet {
	return append(VoteSet(nil), t.votes...)
}

// Accepts returns the voters who voted to accept.
func (t *Tally) Accepts() NodeIDSet {
	return t.votes.Voters(Accept)
}
