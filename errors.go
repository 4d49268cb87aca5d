package circuit

import "errors"

// Decode-layer errors. The envelope is dropped.
var (
	ErrMalformedEnvelope  = errors.New("circuit: malformed envelope")
	ErrUnknownMessageType = errors.New("circuit: unknown message type")
	ErrMalformedBody      = errors.New("circuit: malformed message body")
)

// Protocol-layer errors. They never affect other circuits.
var (
	ErrDuplicateProposal = errors.New("circuit: duplicate proposal")
	ErrUnknownProposal   = errors.New("circuit: unknown proposal")
	ErrInvalidTransition = errors.New("circuit: invalid transition")
	ErrNotVoter          = errors.New("circuit: sender is not in the voter set")
)

// Registry and router errors.
var (
	ErrAlreadyExists    = errors.New("circuit: circuit already exists")
	ErrCircuitNotFound  = errors.New("circuit: circuit not found")
	ErrCircuitNotActive = errors.New("circuit: circuit not active")
	ErrNotMember        = errors.New("circuit: sender is not a circuit member")
	ErrNoConsumer       = errors.New("circuit: no consumer for circuit")
)

// IsBenign tells whether err is a per-message condition that is
// reported and otherwise ignored: any decode or protocol error.
func IsBenign(err error) bool {
	for _, target := range []error{
		ErrMalformedEnvelope,
		ErrUnknownMessageType,
		ErrMalformedBody,
		ErrDuplicateProposal,
		ErrUnknownProposal,
		ErrInvalidTransition,
		ErrNotVoter,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// errorLabel maps err to a short, bounded metric label.
func errorLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, ErrMalformedBody):
		return "malformed_body"
	case errors.Is(err, ErrDuplicateProposal):
		return "duplicate_proposal"
	case errors.Is(err, ErrUnknownProposal):
		return "unknown_proposal"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotVoter):
		return "not_voter"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrCircuitNotFound):
		return "circuit_not_found"
	case errors.Is(err, ErrCircuitNotActive):
		return "circuit_not_active"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrNoConsumer):
		return "no_consumer"
	}
	return "error"
}
