package circuit

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is the wire wrapper of a protocol message: a type tag and
// an opaque body. On the wire it is a protobuf message with the type
// in field 1 and the body in field 2.
type Envelope struct {
	Type MessageType
	Body []byte
}

const (
	envelopeTypeField protowire.Number = 1
	envelopeBodyField protowire.Number = 2

	// Body fields 1-3 are the strings of each message, in the order of
	// its struct. Field 4 is the payload data of CircuitPayload, the
	// decision of ProposalVote, or the repeated member ids of
	// CircuitCreated.
	bodyTrailerField protowire.Number = 4
)

// MarshalEnvelope encodes e. Zero-valued fields are omitted.
func MarshalEnvelope(e Envelope) []byte {
	var b []byte
	if e.Type != Unknown {
		b = protowire.AppendTag(b, envelopeTypeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Type))
	}
	if len(e.Body) > 0 {
		b = protowire.AppendTag(b, envelopeBodyField, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Body)
	}
	return b
}

// UnmarshalEnvelope decodes an envelope. It fails with
// ErrMalformedEnvelope if b does not parse and with
// ErrUnknownMessageType if the type tag is absent or unrecognized.
// Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var (
		typ  uint64
		body []byte
	)
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == envelopeTypeField && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: type: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			typ = v
			b = b[n:]

		case num == envelopeBodyField && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			body = append([]byte(nil), v...)
			b = b[n:]

		case num == envelopeTypeField, num == envelopeBodyField:
			return Envelope{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedEnvelope, num, wtyp)

		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformedEnvelope, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	t := MessageType(typ)
	if typ > uint64(^uint32(0)) || !t.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, typ)
	}
	return Envelope{Type: t, Body: body}, nil
}

// Encode marshals m into envelope bytes.
func Encode(m Msg) ([]byte, error) {
	if m == nil || !m.Type().Valid() {
		return nil, ErrUnknownMessageType
	}
	return MarshalEnvelope(Envelope{Type: m.Type(), Body: m.wire().marshal()}), nil
}

// Decode unmarshals envelope bytes into the message its type tag
// denotes. No field-level validation is performed beyond the wire
// format.
func Decode(b []byte) (Msg, error) {
	env, err := UnmarshalEnvelope(b)
	if err != nil {
		return nil, err
	}
	return env.Msg()
}

// Msg decodes the body of e according to its type.
func (e Envelope) Msg() (Msg, error) {
	trailer := protowire.Type(-1)
	switch e.Type {
	case TypeProposalVote:
		trailer = protowire.VarintType
	case TypeCircuitPayload, TypeCircuitCreated:
		trailer = protowire.BytesType
	}
	bd, err := unmarshalBody(e.Body, trailer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Type, err)
	}

	switch e.Type {
	case TypeProposalSubmit:
		return &ProposalSubmit{Requester: bd.s[0], RequesterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2]}, nil

	case TypeProposalVote:
		d := Decision(bd.trail)
		if !d.Valid() {
			return nil, fmt.Errorf("%s: %w: decision %d", e.Type, ErrMalformedBody, bd.trail)
		}
		return &ProposalVote{Voter: bd.s[0], VoterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2], Decision: d}, nil

	case TypeProposalAccept:
		return &ProposalAccept{Voter: bd.s[0], VoterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2]}, nil

	case TypeProposalReject:
		return &ProposalReject{Voter: bd.s[0], VoterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2]}, nil

	case TypeProposalReady:
		return &ProposalReady{Requester: bd.s[0], RequesterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2]}, nil

	case TypeCircuitCreated:
		m := &CircuitCreated{Requester: bd.s[0], RequesterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2]}
		for _, v := range bd.list {
			if !utf8.Valid(v) || len(v) == 0 {
				return nil, fmt.Errorf("%s: %w: bad member id %q", e.Type, ErrMalformedBody, v)
			}
			m.Members = m.Members.Add(NodeID(v))
		}
		return m, nil

	case TypeCircuitPayload:
		return &CircuitPayload{Requester: bd.s[0], RequesterNodeID: NodeID(bd.s[1]), CircuitID: bd.s[2], Data: bd.data}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint32(e.Type))
}

// body is the wire form shared by all message bodies.
type body struct {
	s     [3]string
	data  []byte   // field 4 as bytes, last occurrence
	list  [][]byte // field 4 as bytes, every occurrence
	trail uint64   // field 4 as varint
}

func (bd body) marshal() []byte {
	var b []byte
	for i, s := range bd.s {
		if s == "" {
			continue
		}
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	if len(bd.data) > 0 {
		b = protowire.AppendTag(b, bodyTrailerField, protowire.BytesType)
		b = protowire.AppendBytes(b, bd.data)
	}
	for _, v := range bd.list {
		b = protowire.AppendTag(b, bodyTrailerField, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	if bd.trail != 0 {
		b = protowire.AppendTag(b, bodyTrailerField, protowire.VarintType)
		b = protowire.AppendVarint(b, bd.trail)
	}
	return b
}

// unmarshalBody parses b. Field 4 is accepted only with the given
// wire type; a negative trailer means the message has no field 4 and
// it is skipped like any unknown field.
func unmarshalBody(b []byte, trailer protowire.Type) (body, error) {
	var bd body
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return body{}, fmt.Errorf("%w: %v", ErrMalformedBody, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num >= 1 && num <= 3:
			if wtyp != protowire.BytesType {
				return body{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedBody, num, wtyp)
			}
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return body{}, fmt.Errorf("%w: field %d: %v", ErrMalformedBody, num, protowire.ParseError(n))
			}
			if !utf8.ValidString(v) {
				return body{}, fmt.Errorf("%w: field %d is not valid UTF-8", ErrMalformedBody, num)
			}
			bd.s[num-1] = v
			b = b[n:]

		case num == bodyTrailerField && trailer >= 0:
			if wtyp != trailer {
				return body{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedBody, num, wtyp)
			}
			if trailer == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return body{}, fmt.Errorf("%w: field %d: %v", ErrMalformedBody, num, protowire.ParseError(n))
				}
				bd.trail = v
				b = b[n:]
			} else {
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return body{}, fmt.Errorf("%w: field %d: %v", ErrMalformedBody, num, protowire.ParseError(n))
				}
				bd.data = append([]byte(nil), v...)
				bd.list = append(bd.list, bd.data)
				b = b[n:]
			}

		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return body{}, fmt.Errorf("%w: field %d: %v", ErrMalformedBody, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return bd, nil
}
