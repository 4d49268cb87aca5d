package circuit

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestActiveGaugeFollowsExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewRegistry()
	reg.now = func() time.Time { return now }
	require.NoError(t, reg.Register(Circuit{ID: "c1", Members: toNodeIDSet("a"), ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, reg.Register(Circuit{ID: "c2", Members: toNodeIDSet("a")}))

	c := newActiveCollector()
	c.track("a", reg)
	require.Equal(t, 2.0, testutil.ToFloat64(c))

	now = now.Add(time.Minute)
	require.Equal(t, 1.0, testutil.ToFloat64(c))

	require.NoError(t, reg.Deactivate("c2"))
	require.Equal(t, 0.0, testutil.ToFloat64(c))
}

func TestMessageCounters(t *testing.T) {
	n := NewNode(Identity{NodeID: "metrics-a"}, Config{Network: toNodeIDSet("metrics-a metrics-b")})
	_, err := n.Propose("c1")
	require.NoError(t, err)
	_, err = n.Propose("c1")
	require.ErrorIs(t, err, ErrDuplicateProposal)
	_, err = n.Receive([]byte{0xff})
	require.Error(t, err)
	require.NoError(t, n.Expire("c1"))

	count := func(typ MessageType, result string) float64 {
		return testutil.ToFloat64(messagesTotal.WithLabelValues("metrics-a", typ.String(), result))
	}
	require.Equal(t, 1.0, count(TypeProposalSubmit, "ok"))
	require.Equal(t, 1.0, count(TypeProposalSubmit, "duplicate_proposal"))
	require.Equal(t, 1.0, count(Unknown, "malformed_envelope"))
	require.Equal(t, 1.0, testutil.ToFloat64(proposalsTotal.WithLabelValues("metrics-a", "rejected")))
}

func TestErrorLabel(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrMalformedEnvelope, "malformed_envelope"},
		{ErrUnknownMessageType, "unknown_type"},
		{fmt.Errorf("ProposalVote: %w: x", ErrMalformedBody), "malformed_body"},
		{ErrDuplicateProposal, "duplicate_proposal"},
		{ErrUnknownProposal, "unknown_proposal"},
		{ErrInvalidTransition, "invalid_transition"},
		{ErrNotVoter, "not_voter"},
		{ErrAlreadyExists, "already_exists"},
		{ErrCircuitNotFound, "circuit_not_found"},
		{ErrCircuitNotActive, "circuit_not_active"},
		{ErrNotMember, "not_member"},
		{ErrNoConsumer, "no_consumer"},
		{fmt.Errorf("boom"), "error"},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("%02d", i+1), func(t *testing.T) {
			if got := errorLabel(tc.err); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
