package circuit

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		msg  Msg
		want []byte
	}{
		{
			msg: &ProposalSubmit{Requester: "k", RequesterNodeID: "A", CircuitID: "c1"},
			want: []byte{
				0x08, 0x01, 0x12, 0x0a,
				0x0a, 0x01, 'k', 0x12, 0x01, 'A', 0x1a, 0x02, 'c', '1',
			},
		},
		{
			msg: &ProposalVote{Voter: "k", VoterNodeID: "B", CircuitID: "c1", Decision: Accept},
			want: []byte{
				0x08, 0x02, 0x12, 0x0a,
				0x0a, 0x01, 'k', 0x12, 0x01, 'B', 0x1a, 0x02, 'c', '1',
			},
		},
		{
			msg: &ProposalVote{Voter: "k", VoterNodeID: "B", CircuitID: "c1", Decision: Reject},
			want: []byte{
				0x08, 0x02, 0x12, 0x0c,
				0x0a, 0x01, 'k', 0x12, 0x01, 'B', 0x1a, 0x02, 'c', '1', 0x20, 0x01,
			},
		},
		{
			msg: &ProposalReady{RequesterNodeID: "A", CircuitID: "c1"},
			want: []byte{
				0x08, 0x05, 0x12, 0x07,
				0x12, 0x01, 'A', 0x1a, 0x02, 'c', '1',
			},
		},
		{
			msg: &CircuitCreated{RequesterNodeID: "A", CircuitID: "c1", Members: NodeIDSet{"A", "B"}},
			want: []byte{
				0x08, 0x06, 0x12, 0x0d,
				0x12, 0x01, 'A', 0x1a, 0x02, 'c', '1', 0x22, 0x01, 'A', 0x22, 0x01, 'B',
			},
		},
		{
			msg: &CircuitPayload{Requester: "k", RequesterNodeID: "A", CircuitID: "c1", Data: []byte("hi")},
			want: []byte{
				0x08, 0x07, 0x12, 0x0e,
				0x0a, 0x01, 'k', 0x12, 0x01, 'A', 0x1a, 0x02, 'c', '1', 0x22, 0x02, 'h', 'i',
			},
		},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("%02d", i+1), func(t *testing.T) {
			got, err := Encode(tc.msg)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("got %x, want %x", got, tc.want)
			}
			m, err := Decode(got)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(m, tc.msg) {
				t.Errorf("decoded %v, want %v", m, tc.msg)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	body := func(fields ...byte) []byte { return fields }
	env := func(typ MessageType, b []byte) []byte {
		return MarshalEnvelope(Envelope{Type: typ, Body: b})
	}

	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "truncated tag", in: []byte{0xff}, want: ErrMalformedEnvelope},
		{name: "truncated body", in: []byte{0x08, 0x01, 0x12, 0x05, 0x0a}, want: ErrMalformedEnvelope},
		{name: "type as bytes", in: []byte{0x0a, 0x00}, want: ErrMalformedEnvelope},
		{name: "field zero", in: []byte{0x00, 0x01}, want: ErrMalformedEnvelope},
		{name: "empty", in: nil, want: ErrUnknownMessageType},
		{name: "body only", in: []byte{0x12, 0x00}, want: ErrUnknownMessageType},
		{name: "type zero", in: []byte{0x08, 0x00}, want: ErrUnknownMessageType},
		{name: "type 99", in: []byte{0x08, 0x63}, want: ErrUnknownMessageType},
		{name: "huge type", in: []byte{0x08, 0x80, 0x80, 0x80, 0x80, 0x10}, want: ErrUnknownMessageType},
		{name: "invalid utf8", in: env(TypeProposalSubmit, body(0x0a, 0x01, 0xff)), want: ErrMalformedBody},
		{name: "string as varint", in: env(TypeProposalAccept, body(0x08, 0x01)), want: ErrMalformedBody},
		{name: "truncated string", in: env(TypeProposalReject, body(0x1a, 0x04, 'c')), want: ErrMalformedBody},
		{name: "bad decision", in: env(TypeProposalVote, body(0x20, 0x02)), want: ErrMalformedBody},
		{name: "decision as bytes", in: env(TypeProposalVote, body(0x22, 0x00)), want: ErrMalformedBody},
		{name: "data as varint", in: env(TypeCircuitPayload, body(0x20, 0x01)), want: ErrMalformedBody},
		{name: "empty member", in: env(TypeCircuitCreated, body(0x22, 0x00)), want: ErrMalformedBody},
		{name: "invalid utf8 member", in: env(TypeCircuitCreated, body(0x22, 0x01, 0xff)), want: ErrMalformedBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode(tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got error %v, want %v", err, tc.want)
			}
			if m != nil {
				t.Errorf("got message %v alongside error", m)
			}
			if !IsBenign(err) {
				t.Errorf("%v is not benign", err)
			}
		})
	}
}

func TestDecodeLenient(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want Msg
	}{
		{
			name: "unknown envelope field",
			in:   []byte{0x18, 0x07, 0x08, 0x03, 0x12, 0x03, 0x1a, 0x01, 'x'},
			want: &ProposalAccept{CircuitID: "x"},
		},
		{
			name: "unknown body field",
			in:   []byte{0x08, 0x06, 0x12, 0x06, 0x2a, 0x01, 'z', 0x1a, 0x01, 'x'},
			want: &CircuitCreated{CircuitID: "x"},
		},
		{
			name: "field 4 ignored on submit",
			in:   []byte{0x08, 0x01, 0x12, 0x05, 0x20, 0x01, 0x1a, 0x01, 'x'},
			want: &ProposalSubmit{CircuitID: "x"},
		},
		{
			name: "members are a set",
			in:   []byte{0x08, 0x06, 0x12, 0x09, 0x22, 0x01, 'b', 0x22, 0x01, 'a', 0x22, 0x01, 'b'},
			want: &CircuitCreated{Members: NodeIDSet{"a", "b"}},
		},
		{
			name: "last value wins",
			in:   []byte{0x08, 0x05, 0x12, 0x06, 0x1a, 0x01, 'x', 0x1a, 0x01, 'y'},
			want: &ProposalReady{CircuitID: "y"},
		},
		{
			name: "type without body",
			in:   []byte{0x08, 0x04},
			want: &ProposalReject{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalEnvelopeCopiesBody(t *testing.T) {
	in := MarshalEnvelope(Envelope{Type: TypeProposalSubmit, Body: []byte{0x1a, 0x01, 'x'}})
	e, err := UnmarshalEnvelope(in)
	if err != nil {
		t.Fatal(err)
	}
	in[len(in)-1] = 'y'
	if e.Body[len(e.Body)-1] != 'x' {
		t.Error("decoded body aliases the input")
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("got %v, want ErrUnknownMessageType", err)
	}
}

// buildMsg constructs a message of the given kind from generated
// fields.
func buildMsg(kind int, a, b, c string, data []byte, reject bool) Msg {
	if len(data) == 0 {
		data = nil
	}
	switch MessageType(kind) {
	case TypeProposalSubmit:
		return &ProposalSubmit{Requester: a, RequesterNodeID: NodeID(b), CircuitID: c}
	case TypeProposalVote:
		d := Accept
		if reject {
			d = Reject
		}
		return &ProposalVote{Voter: a, VoterNodeID: NodeID(b), CircuitID: c, Decision: d}
	case TypeProposalAccept:
		return &ProposalAccept{Voter: a, VoterNodeID: NodeID(b), CircuitID: c}
	case TypeProposalReject:
		return &ProposalReject{Voter: a, VoterNodeID: NodeID(b), CircuitID: c}
	case TypeProposalReady:
		return &ProposalReady{Requester: a, RequesterNodeID: NodeID(b), CircuitID: c}
	case TypeCircuitCreated:
		return &CircuitCreated{Requester: a, RequesterNodeID: NodeID(b), CircuitID: c, Members: NodeIDSet{NodeID(b)}}
	}
	return &CircuitPayload{Requester: a, RequesterNodeID: NodeID(b), CircuitID: c, Data: data}
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Decode(Encode(m)) == m", prop.ForAll(
		func(kind int, a, b, c string, data []byte, reject bool) bool {
			m := buildMsg(kind, a, b, c, data, reject)
			enc, err := Encode(m)
			if err != nil {
				return false
			}
			got, err := Decode(enc)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(got, m)
		},
		gen.IntRange(int(TypeProposalSubmit), int(TypeCircuitPayload)),
		gen.AlphaString(),
		gen.Identifier(),
		gen.AnyString(),
		gen.SliceOf(gen.UInt8()),
		gen.Bool(),
	))

	properties.Property("truncated envelopes never decode to a different message", prop.ForAll(
		func(kind int, a, c string, cut int) bool {
			m := buildMsg(kind, a, "node", c, []byte("payload"), false)
			enc, _ := Encode(m)
			if cut >= len(enc) {
				return true
			}
			got, err := Decode(enc[:cut])
			if err != nil {
				return got == nil
			}
			// A cut on a field boundary yields a shorter but valid message.
			return got.Type() == m.Type() || cut == 0
		},
		gen.IntRange(int(TypeProposalSubmit), int(TypeCircuitPayload)),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
