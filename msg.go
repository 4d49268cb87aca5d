package circuit

import "fmt"

// MessageType is the wire discriminant of an envelope.
type MessageType uint32

const (
	Unknown MessageType = iota
	TypeProposalSubmit
	TypeProposalVote
	TypeProposalAccept
	TypeProposalReject
	TypeProposalReady
	TypeCircuitCreated
	TypeCircuitPayload
)

// Valid tells whether t denotes one of the seven message kinds.
func (t MessageType) Valid() bool {
	return t >= TypeProposalSubmit && t <= TypeCircuitPayload
}

func (t MessageType) String() string {
	switch t {
	case TypeProposalSubmit:
		return "ProposalSubmit"
	case TypeProposalVote:
		return "ProposalVote"
	case TypeProposalAccept:
		return "ProposalAccept"
	case TypeProposalReject:
		return "ProposalReject"
	case TypeProposalReady:
		return "ProposalReady"
	case TypeCircuitCreated:
		return "CircuitCreated"
	case TypeCircuitPayload:
		return "CircuitPayload"
	}
	return fmt.Sprintf("Unknown(%d)", uint32(t))
}

// Msg is a decoded protocol message. The set of implementations is
// closed: one type per message kind.
type Msg interface {
	Type() MessageType
	Circuit() string
	String() string

	wire() body
}

// ProposalSubmit asks the network to form a circuit.
type ProposalSubmit struct {
	Requester       string
	RequesterNodeID NodeID
	CircuitID       string
}

func (m *ProposalSubmit) Type() MessageType { return TypeProposalSubmit }
func (m *ProposalSubmit) Circuit() string   { return m.CircuitID }

func (m *ProposalSubmit) String() string {
	return fmt.Sprintf("SUBMIT %s by %s", m.CircuitID, m.RequesterNodeID)
}

func (m *ProposalSubmit) wire() body {
	return body{s: [3]string{m.Requester, string(m.RequesterNodeID), m.CircuitID}}
}

// ProposalVote is one voter's decision on a proposal.
type ProposalVote struct {
	Voter       string
	VoterNodeID NodeID
	CircuitID   string
	Decision    Decision
}

func (m *ProposalVote) Type() MessageType { return TypeProposalVote }
func (m *ProposalVote) Circuit() string   { return m.CircuitID }

func (m *ProposalVote) String() string {
	return fmt.Sprintf("VOTE %s %s by %s", m.CircuitID, m.Decision, m.VoterNodeID)
}

func (m *ProposalVote) wire() body {
	return body{
		s:     [3]string{m.Voter, string(m.VoterNodeID), m.CircuitID},
		trail: uint64(m.Decision),
	}
}

// ProposalAccept announces that the sender has observed an accept
// quorum for the proposal.
type ProposalAccept struct {
	Voter       string
	VoterNodeID NodeID
	CircuitID   string
}

func (m *ProposalAccept) Type() MessageType { return TypeProposalAccept }
func (m *ProposalAccept) Circuit() string   { return m.CircuitID }

func (m *ProposalAccept) String() string {
	return fmt.Sprintf("ACCEPT %s from %s", m.CircuitID, m.VoterNodeID)
}

func (m *ProposalAccept) wire() body {
	return body{s: [3]string{m.Voter, string(m.VoterNodeID), m.CircuitID}}
}

// ProposalReject announces that the sender has observed a reject
// quorum for the proposal.
type ProposalReject struct {
	Voter       string
	VoterNodeID NodeID
	CircuitID   string
}

func (m *ProposalReject) Type() MessageType { return TypeProposalReject }
func (m *ProposalReject) Circuit() string   { return m.CircuitID }

func (m *ProposalReject) String() string {
	return fmt.Sprintf("REJECT %s from %s", m.CircuitID, m.VoterNodeID)
}

func (m *ProposalReject) wire() body {
	return body{s: [3]string{m.Voter, string(m.VoterNodeID), m.CircuitID}}
}

// ProposalReady is sent by the requester once enough voters have
// acknowledged acceptance.
type ProposalReady struct {
	Requester       string
	RequesterNodeID NodeID
	CircuitID       string
}

func (m *ProposalReady) Type() MessageType { return TypeProposalReady }
func (m *ProposalReady) Circuit() string   { return m.CircuitID }

func (m *ProposalReady) String() string {
	return fmt.Sprintf("READY %s by %s", m.CircuitID, m.RequesterNodeID)
}

func (m *ProposalReady) wire() body {
	return body{s: [3]string{m.Requester, string(m.RequesterNodeID), m.CircuitID}}
}

// CircuitCreated finalizes a ready proposal into a circuit. Members
// is the member set fixed by the requester; when empty, each node
// derives it from its own tally.
type CircuitCreated struct {
	Requester       string
	RequesterNodeID NodeID
	CircuitID       string
	Members         NodeIDSet
}

func (m *CircuitCreated) Type() MessageType { return TypeCircuitCreated }
func (m *CircuitCreated) Circuit() string   { return m.CircuitID }

func (m *CircuitCreated) String() string {
	return fmt.Sprintf("CREATED %s by %s members %s", m.CircuitID, m.RequesterNodeID, m.Members)
}

func (m *CircuitCreated) wire() body {
	bd := body{s: [3]string{m.Requester, string(m.RequesterNodeID), m.CircuitID}}
	for _, id := range m.Members {
		bd.list = append(bd.list, []byte(id))
	}
	return bd
}

// CircuitPayload carries opaque application data over a circuit.
type CircuitPayload struct {
	Requester       string
	RequesterNodeID NodeID
	CircuitID       string
	Data            []byte
}

func (m *CircuitPayload) Type() MessageType { return TypeCircuitPayload }
func (m *CircuitPayload) Circuit() string   { return m.CircuitID }

func (m *CircuitPayload) String() string {
	return fmt.Sprintf("PAYLOAD %s from %s (%d bytes)", m.CircuitID, m.RequesterNodeID, len(m.Data))
}

func (m *CircuitPayload) wire() body {
	return body{
		s:    [3]string{m.Requester, string(m.RequesterNodeID), m.CircuitID},
		data: m.Data,
	}
}

// Payload returns the routable unit carried by m.
func (m *CircuitPayload) Payload() Payload {
	return Payload{
		Requester:       m.Requester,
		RequesterNodeID: m.RequesterNodeID,
		CircuitID:       m.CircuitID,
		Data:            m.Data,
	}
}
