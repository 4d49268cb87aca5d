package circuit

import (
	"fmt"
	"sort"
	"time"
)

// Decision is a voter's choice on a proposal.
type Decision uint8

const (
	Accept Decision = iota
	Reject
)

// Valid tells whether d is Accept or Reject.
func (d Decision) Valid() bool {
	return d == Accept || d == Reject
}

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("decision(%d)", uint8(d))
}

// ParseDecision parses "accept" or "reject".
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "accept":
		return Accept, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// Vote is the record of one voter's effective vote.
type Vote struct {
	VoterNodeID NodeID
	Voter       string
	CircuitID   string
	Decision    Decision
	CreatedAt   time.Time
}

func (v Vote) String() string {
	return fmt.Sprintf("<%s %s %s>", v.CircuitID, v.VoterNodeID, v.Decision)
}

// VoteSet is a set of votes keyed by voter, implemented as a slice
// sorted by voter node id.
type VoteSet []Vote

// Add adds v unless a vote from the same voter is already present, in
// which case the earlier vote stands. It reports whether v was added.
func (vs *VoteSet) Add(v Vote) bool {
	i := sort.Search(len(*vs), func(i int) bool {
		return (*vs)[i].VoterNodeID >= v.VoterNodeID
	})
	if i < len(*vs) && (*vs)[i].VoterNodeID == v.VoterNodeID {
		return false
	}
	*vs = append(*vs, Vote{})
	copy((*vs)[i+1:], (*vs)[i:])
	(*vs)[i] = v
	return true
}

// Get returns the vote cast by id, if any.
func (vs VoteSet) Get(id NodeID) (Vote, bool) {
	i := sort.Search(len(vs), func(i int) bool {
		return vs[i].VoterNodeID >= id
	})
	if i < len(vs) && vs[i].VoterNodeID == id {
		return vs[i], true
	}
	return Vote{}, false
}

// Count returns the number of votes with decision d.
func (vs VoteSet) Count(d Decision) int {
	var n int
	for _, v := range vs {
		if v.Decision == d {
			n++
		}
	}
	return n
}

// Voters returns the ids of the voters who chose d.
func (vs VoteSet) Voters(d Decision) NodeIDSet {
	var result NodeIDSet
	for _, v := range vs {
		if v.Decision == d {
			result = append(result, v.VoterNodeID)
		}
	}
	return result // already sorted
}
