package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobg/circuit"
)

func openTestArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func testRecord(id string, state circuit.State, updated time.Time) circuit.ProposalRecord {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := circuit.ProposalRecord{
		CircuitID:       id,
		Requester:       "key-a",
		RequesterNodeID: "a",
		State:           state,
		Policy:          circuit.QuorumPolicy{Rule: circuit.Threshold, Threshold: 2, MinVotes: 1},
		Voters:          circuit.NewNodeIDSet("a", "b", "c"),
		Members:         circuit.NewNodeIDSet("a", "b"),
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
	rec.Votes.Add(circuit.Vote{VoterNodeID: "b", Voter: "key-b", CircuitID: id, Decision: circuit.Accept, CreatedAt: created.Add(time.Second)})
	rec.Votes.Add(circuit.Vote{VoterNodeID: "c", Voter: "key-c", CircuitID: id, Decision: circuit.Reject, CreatedAt: created.Add(2 * time.Second)})
	return rec
}

func TestStoreAndGet(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	rec := testRecord("c1", circuit.StateCreated, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	hash, err := circuit.CircuitHash(rec.CircuitID, rec.Members)
	require.NoError(t, err)
	rec.Hash = hash

	require.NoError(t, a.ArchiveProposal(rec))

	got, err := a.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestGetMissing(t *testing.T) {
	a := openTestArchive(t)
	_, err := a.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreReplaces(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	rec := testRecord("c1", circuit.StateRejected, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	require.NoError(t, a.Store(ctx, rec))

	rec.Votes = rec.Votes[:1]
	rec.State = circuit.StateCreated
	require.NoError(t, a.Store(ctx, rec))

	got, err := a.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, circuit.StateCreated, got.State)
	assert.Len(t, got.Votes, 1)
	assert.Equal(t, [32]byte{}, got.Hash)
}

func TestList(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, a.Store(ctx, testRecord(id, circuit.StateCreated, base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := a.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c3", got[0].CircuitID)
	assert.Equal(t, "c2", got[1].CircuitID)
	assert.Len(t, got[0].Votes, 2)
}

func TestArchiveFromNode(t *testing.T) {
	a := openTestArchive(t)

	n := circuit.NewNode(circuit.Identity{Key: "key-a", NodeID: "a"}, circuit.Config{
		Network: circuit.NewNodeIDSet("a", "b", "c"),
		Archive: a,
	})
	_, err := n.Propose("c9")
	require.NoError(t, err)
	_, err = n.Handle(&circuit.ProposalVote{Voter: "key-b", VoterNodeID: "b", CircuitID: "c9", Decision: circuit.Reject})
	require.NoError(t, err)
	_, err = n.Handle(&circuit.ProposalVote{Voter: "key-c", VoterNodeID: "c", CircuitID: "c9", Decision: circuit.Reject})
	require.NoError(t, err)

	got, err := a.Get(context.Background(), "c9")
	require.NoError(t, err)
	assert.Equal(t, circuit.StateRejected, got.State)
	assert.Equal(t, circuit.NewNodeIDSet("a", "b", "c"), got.Voters)
	assert.Equal(t, 2, got.Votes.Count(circuit.Reject))
	assert.Equal(t, circuit.NewNodeIDSet("a"), got.Members)
}
