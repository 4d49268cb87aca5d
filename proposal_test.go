package circuit

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestAdvance(t *testing.T) {
	all := []State{StateSubmitted, StateVoting, StateAccepted, StateReady, StateCreated, StateRejected}
	legal := map[[2]State]bool{
		{StateSubmitted, StateVoting}:  true,
		{StateVoting, StateAccepted}:   true,
		{StateVoting, StateRejected}:   true,
		{StateAccepted, StateReady}:    true,
		{StateAccepted, StateRejected}: true,
		{StateReady, StateCreated}:     true,
	}
	now := time.Now()
	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s-%s", from, to), func(t *testing.T) {
				p := &Proposal{CircuitID: "c", State: from}
				err := p.advance(to, now)
				if legal[[2]State{from, to}] {
					if err != nil {
						t.Fatal(err)
					}
					if p.State != to || !p.UpdatedAt.Equal(now) {
						t.Errorf("got state %s updated %v", p.State, p.UpdatedAt)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("got %v, want ErrInvalidTransition", err)
				}
				if p.State != from {
					t.Errorf("state changed to %s", p.State)
				}
			})
		}
	}
}

func TestStateStrings(t *testing.T) {
	for s := StateSubmitted; s <= StateRejected; s++ {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %s, %v", s.String(), got, err)
		}
		if s.Terminal() != (s == StateCreated || s == StateRejected) {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
	if _, err := ParseState("pending"); err == nil {
		t.Error("expected error")
	}
}

func TestProposalVote(t *testing.T) {
	now := time.Now()
	p := newProposal(&ProposalSubmit{Requester: "k", RequesterNodeID: "a", CircuitID: "c"}, toNodeIDSet("a b c"), QuorumPolicy{}, now)

	if _, err := p.vote(Vote{VoterNodeID: "b"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("vote while submitted: got %v", err)
	}
	if err := p.advance(StateVoting, now); err != nil {
		t.Fatal(err)
	}

	decided, err := p.vote(Vote{VoterNodeID: "b", CircuitID: "c", Decision: Accept, CreatedAt: now})
	if err != nil || decided {
		t.Fatalf("first vote: decided=%v err=%v", decided, err)
	}
	decided, err = p.vote(Vote{VoterNodeID: "c", CircuitID: "c", Decision: Accept, CreatedAt: now})
	if err != nil || !decided {
		t.Fatalf("second vote: decided=%v err=%v", decided, err)
	}
	if p.State != StateAccepted {
		t.Errorf("state %s, want accepted", p.State)
	}
	if got, want := p.Members(), toNodeIDSet("a b c"); !sameSet(got, want) {
		t.Errorf("members %v, want %v", got, want)
	}

	// Late votes are recorded but cannot change the decision.
	decided, err = p.vote(Vote{VoterNodeID: "a", CircuitID: "c", Decision: Reject, CreatedAt: now})
	if err != nil || decided {
		t.Fatalf("late vote: decided=%v err=%v", decided, err)
	}
	if p.State != StateAccepted || len(p.Tally.Votes()) != 3 {
		t.Errorf("late vote: state %s, %d votes", p.State, len(p.Tally.Votes()))
	}
	if _, err := p.vote(Vote{VoterNodeID: "z", Decision: Accept}); !errors.Is(err, ErrNotVoter) {
		t.Errorf("late vote from non-voter: got %v", err)
	}

	p.State = StateCreated
	if _, err := p.vote(Vote{VoterNodeID: "b", Decision: Reject}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("vote after creation: got %v", err)
	}
}

func TestLateVotesExtendMembers(t *testing.T) {
	now := time.Now()
	p := newProposal(&ProposalSubmit{RequesterNodeID: "a", CircuitID: "c"}, toNodeIDSet("a b c d e"), QuorumPolicy{}, now)
	if err := p.advance(StateVoting, now); err != nil {
		t.Fatal(err)
	}
	for _, id := range []NodeID{"b", "c", "d", "e"} {
		if _, err := p.vote(Vote{VoterNodeID: id, Decision: Accept, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := p.Members(), toNodeIDSet("a b c d e"); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	p.members = toNodeIDSet("a b")
	if got, want := p.Members(), toNodeIDSet("a b"); !reflect.DeepEqual(got, want) {
		t.Errorf("fixed members: got %v, want %v", got, want)
	}
}

func TestProposalReady(t *testing.T) {
	p := newProposal(&ProposalSubmit{RequesterNodeID: "a", CircuitID: "c"}, toNodeIDSet("a b c d e"), QuorumPolicy{}, time.Now())
	p.State = StateAccepted

	for _, id := range []NodeID{"a", "b", "c"} {
		if _, err := p.ack(Vote{VoterNodeID: id, Decision: Accept}); err != nil {
			t.Fatal(err)
		}
	}
	if !p.ready(ReadyQuorum) {
		t.Error("not ready under quorum policy with 3 of 5")
	}
	if p.ready(ReadyAll) {
		t.Error("ready under all policy with 3 of 5")
	}
	if _, err := p.ack(Vote{VoterNodeID: "z", Decision: Accept}); !errors.Is(err, ErrNotVoter) {
		t.Errorf("got %v, want ErrNotVoter", err)
	}
	if _, err := p.ack(Vote{VoterNodeID: "d", Decision: Reject}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ack(Vote{VoterNodeID: "e", Decision: Accept}); err != nil {
		t.Fatal(err)
	}
	if p.ready(ReadyAll) {
		t.Error("ready under all policy with a rejection")
	}
}

func TestParseReadyPolicy(t *testing.T) {
	for in, want := range map[string]ReadyPolicy{"": ReadyAll, "all": ReadyAll, "quorum": ReadyQuorum} {
		got, err := ParseReadyPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseReadyPolicy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseReadyPolicy("most"); err == nil {
		t.Error("expected error")
	}
}
