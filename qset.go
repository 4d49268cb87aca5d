package circuit

// VoterSetFunc returns the voter set for a newly submitted proposal.
// It is consulted exactly once per proposal, when the ProposalSubmit
// is first handled.
type VoterSetFunc func(circuitID string, requester NodeID) NodeIDSet

// NetworkVoters returns a VoterSetFunc under which every member of
// network votes on every proposal.
func NetworkVoters(network NodeIDSet) VoterSetFunc {
	network = network.Clone()
	return func(string, NodeID) NodeIDSet {
		return network
	}
}
