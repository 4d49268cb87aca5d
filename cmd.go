package circuit

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Commands for the Node worker goroutines.

type cmd interface{}

type msgCmd struct {
	msg Msg
}

type expireCmd struct {
	circuitID string
}

// Transport disseminates encoded envelopes to the peers of a node.
type Transport interface {
	Broadcast(ctx context.Context, b []byte) error
}

// Enqueue decodes an inbound envelope and queues it for the workers
// started by Run. Messages for one circuit are always handled by the
// same worker, in the order they were queued. Enqueue blocks while
// that worker's queue is full.
func (n *Node) Enqueue(ctx context.Context, b []byte) error {
	msg, err := Decode(b)
	if err != nil {
		n.report(nil, err)
		return err
	}
	return n.push(ctx, msg.Circuit(), msgCmd{msg: msg})
}

// EnqueueExpire queues the expiry of a proposal behind any messages
// already queued for it.
func (n *Node) EnqueueExpire(ctx context.Context, circuitID string) error {
	return n.push(ctx, circuitID, expireCmd{circuitID: circuitID})
}

func (n *Node) push(ctx context.Context, circuitID string, c cmd) error {
	q := n.queues[xxhash.Sum64String(circuitID)%uint64(len(n.queues))]
	select {
	case q <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles queued messages until ctx is canceled, passing every
// message the node emits to t. It returns nil on cancellation.
func (n *Node) Run(ctx context.Context, t Transport) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range n.queues {
		q := q
		g.Go(func() error {
			return n.work(ctx, q, t)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) work(ctx context.Context, q <-chan cmd, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-q:
			switch c := c.(type) {
			case msgCmd:
				out, _ := n.Handle(c.msg) // reported by Handle
				n.Publish(ctx, t, out...)

			case expireCmd:
				if err := n.Expire(c.circuitID); err != nil {
					n.Logger.Warn().Err(err).Str("circuit", c.circuitID).Msg("could not expire proposal")
				}
			}
		}
	}
}

// Publish encodes msgs and hands them to t. Transport failures are
// logged; delivery is best effort.
func (n *Node) Publish(ctx context.Context, t Transport, msgs ...Msg) {
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			n.Logger.Error().Err(err).Stringer("msg", m).Msg("could not encode message")
			continue
		}
		if err := t.Broadcast(ctx, b); err != nil {
			n.Logger.Warn().Err(err).Stringer("msg", m).Msg("broadcast failed")
		}
	}
}
