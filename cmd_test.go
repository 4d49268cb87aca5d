package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type transportFunc func(context.Context, []byte) error

func (f transportFunc) Broadcast(ctx context.Context, b []byte) error { return f(ctx, b) }

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := toNodeIDSet("a b")
	nodes := map[NodeID]*Node{}
	for _, id := range network {
		nodes[id] = NewNode(Identity{Key: "key-" + string(id), NodeID: id}, Config{Network: network, Workers: 2})
	}
	transports := map[NodeID]Transport{}
	for _, id := range network {
		n := nodes[id]
		transports[id] = transportFunc(func(ctx context.Context, b []byte) error {
			for _, peer := range n.Peers() {
				if err := nodes[peer].Enqueue(ctx, b); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var wg sync.WaitGroup
	for _, id := range network {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := nodes[id].Run(ctx, transports[id]); err != nil {
				t.Error(err)
			}
		}()
	}

	msg, err := nodes["a"].Propose("c1")
	require.NoError(t, err)
	nodes["a"].Publish(ctx, transports["a"], msg)

	require.Eventually(t, func() bool {
		_, ok := nodes["b"].Proposal("c1")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	for _, id := range network {
		out, err := nodes[id].Vote("c1", Accept)
		require.NoError(t, err)
		nodes[id].Publish(ctx, transports[id], out...)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if _, ok := n.Registry.Lookup("c1"); !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	c, _ := nodes["b"].Registry.Lookup("c1")
	require.Equal(t, network, c.Members)

	cancel()
	wg.Wait()
}

func TestEnqueueExpire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNode(Identity{NodeID: "a"}, Config{Network: toNodeIDSet("a b")})
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx, transportFunc(func(context.Context, []byte) error { return nil }))
	}()

	_, err := n.Propose("c1")
	require.NoError(t, err)
	require.NoError(t, n.EnqueueExpire(ctx, "c1"))
	require.NoError(t, n.EnqueueExpire(ctx, "nope"))

	require.Eventually(t, func() bool {
		rec, _ := n.Proposal("c1")
		return rec.State == StateRejected
	}, 5*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, n.Enqueue(ctx, []byte{0x08}), ErrMalformedEnvelope)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueCanceled(t *testing.T) {
	n := NewNode(Identity{NodeID: "a"}, Config{Network: toNodeIDSet("a"), Workers: 1, QueueSize: 1})
	b, err := Encode(&ProposalSubmit{RequesterNodeID: "b", CircuitID: "c1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Enqueue(ctx, b))
	cancel()
	require.ErrorIs(t, n.Enqueue(ctx, b), context.Canceled)
}
