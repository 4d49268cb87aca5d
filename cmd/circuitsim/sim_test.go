package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bobg/circuit"
	"github.com/bobg/circuit/internal/config"
)

func runSim(t *testing.T, cfg config.SimConfig) []result {
	t.Helper()
	require.NoError(t, cfg.Validate())
	s, err := newSim(cfg, options{seed: 1, delay: 5 * time.Millisecond, timeout: 2 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	results, err := s.run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(cfg.Proposals))
	return results
}

func allStates(ids string, s circuit.State) map[circuit.NodeID]circuit.State {
	m := make(map[circuit.NodeID]circuit.State)
	for _, id := range ids {
		m[circuit.NodeID(string(id))] = s
	}
	return m
}

func TestSimCreated(t *testing.T) {
	results := runSim(t, config.SimConfig{
		Nodes: map[string]config.SimNode{
			"a": {},
			"b": {Vote: "accept"},
			"c": {Vote: "accept"},
		},
		Proposals: []config.SimProposal{{Circuit: "c1", Requester: "a", Payload: "hi"}},
	})
	res := results[0]
	require.False(t, res.Expired)
	require.Equal(t, allStates("abc", circuit.StateCreated), res.States)
	require.Equal(t, circuit.NewNodeIDSet("a", "b", "c"), res.Members)
	require.Equal(t, circuit.NewNodeIDSet("b", "c"), res.Delivered)
	require.Contains(t, summarize(res), "c1: created members=[a b c] payload=[b c]")
}

func TestSimRejected(t *testing.T) {
	results := runSim(t, config.SimConfig{
		Nodes: map[string]config.SimNode{
			"a": {Vote: "reject"},
			"b": {Vote: "accept"},
			"c": {Vote: "reject"},
		},
		Proposals: []config.SimProposal{{Circuit: "c1", Requester: "a"}},
	})
	res := results[0]
	require.False(t, res.Expired)
	require.Nil(t, res.Members)
	require.Equal(t, allStates("abc", circuit.StateRejected), res.States)
	require.Contains(t, summarize(res), "c1: rejected")
}

func TestSimUnanimousExpires(t *testing.T) {
	results := runSim(t, config.SimConfig{
		Quorum: config.QuorumConfig{Rule: "unanimous"},
		Nodes: map[string]config.SimNode{
			"a": {Vote: "reject"},
			"b": {Vote: "accept"},
			"c": {Vote: "reject"},
		},
		Proposals: []config.SimProposal{{Circuit: "c1", Requester: "a"}},
	})
	res := results[0]
	require.True(t, res.Expired)
	require.Equal(t, allStates("abc", circuit.StateRejected), res.States)
	require.Contains(t, summarize(res), "c1: expired")
}

func TestSimSequence(t *testing.T) {
	results := runSim(t, config.SimConfig{
		Nodes: map[string]config.SimNode{
			"a": {Vote: "accept"},
			"b": {Vote: "accept", Delay: config.Duration{Duration: 10 * time.Millisecond}},
			"c": {},
			"d": {Vote: "accept"},
			"e": {Vote: "reject"},
		},
		Proposals: []config.SimProposal{
			{Circuit: "c1", Requester: "c"},
			{Circuit: "c2", Requester: "e"},
		},
	})
	requesters := map[string]circuit.NodeID{"c1": "c", "c2": "e"}
	for _, res := range results {
		require.False(t, res.Expired, res.Circuit)
		want := circuit.NewNodeIDSet("a", "b", "d", requesters[res.Circuit])
		require.Equal(t, want, res.Members, res.Circuit)
	}
}

func TestNewSimErrors(t *testing.T) {
	nodes := map[string]config.SimNode{"a": {}}
	cases := []config.QuorumConfig{
		{Rule: "most"},
		{Rule: "threshold"},
		{Ready: "some"},
	}
	for _, q := range cases {
		_, err := newSim(config.SimConfig{Quorum: q, Nodes: nodes}, options{}, zerolog.Nop())
		require.Error(t, err, "%+v", q)
	}
}
