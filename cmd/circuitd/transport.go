package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/circuit"
)

const envelopePath = "/circuit/v1/envelope"

// httpTransport delivers envelopes to peers by POSTing them to their
// envelope endpoint.
type httpTransport struct {
	self   circuit.NodeID
	peers  map[circuit.NodeID]string
	client *http.Client
	logger zerolog.Logger
}

func newHTTPTransport(self circuit.NodeID, peers map[string]string, logger zerolog.Logger) *httpTransport {
	t := &httpTransport{
		self:   self,
		peers:  make(map[circuit.NodeID]string, len(peers)),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	for id, u := range peers {
		t.peers[circuit.NodeID(id)] = strings.TrimRight(u, "/") + envelopePath
	}
	return t
}

// Broadcast sends b to every peer.
func (t *httpTransport) Broadcast(ctx context.Context, b []byte) error {
	ids := make([]circuit.NodeID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return t.SendTo(ctx, circuit.NewNodeIDSet(ids...), b)
}

// SendTo sends b to the given nodes concurrently. Unknown ids and this
// node are skipped. The first failure is returned after every send
// has finished.
func (t *httpTransport) SendTo(ctx context.Context, ids circuit.NodeIDSet, b []byte) error {
	var g errgroup.Group
	for _, id := range ids {
		id := id
		if id == t.self {
			continue
		}
		u, ok := t.peers[id]
		if !ok {
			t.logger.Warn().Str("peer", string(id)).Msg("no address for peer")
			continue
		}
		g.Go(func() error {
			return t.post(ctx, id, u, b)
		})
	}
	return g.Wait()
}

func (t *httpTransport) post(ctx context.Context, id circuit.NodeID, u string, b []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request to %s: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", id, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("posting to %s: unexpected status %s", id, resp.Status)
	}
	t.logger.Trace().Str("peer", string(id)).Int("bytes", len(b)).Msg("envelope sent")
	return nil
}
