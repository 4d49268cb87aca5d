package circuit

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const storeShards = 64

// proposalStore holds proposals keyed by circuit id. The map is split
// into shards, each with its own lock, and every proposal carries its
// own mutex, so work on distinct circuits never contends on one lock.
type proposalStore struct {
	shards [storeShards]storeShard
}

type storeShard struct {
	mu sync.RWMutex
	m  map[string]*Proposal
}

func (s *proposalStore) shard(circuitID string) *storeShard {
	return &s.shards[xxhash.Sum64String(circuitID)%storeShards]
}

func (s *proposalStore) get(circuitID string) (*Proposal, bool) {
	sh := s.shard(circuitID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.m[circuitID]
	return p, ok
}

// insert adds p unless a proposal with the same id exists. It reports
// whether p was added.
func (s *proposalStore) insert(p *Proposal) bool {
	sh := s.shard(p.CircuitID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[p.CircuitID]; ok {
		return false
	}
	if sh.m == nil {
		sh.m = make(map[string]*Proposal)
	}
	sh.m[p.CircuitID] = p
	return true
}

func (s *proposalStore) remove(circuitID string) {
	sh := s.shard(circuitID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, circuitID)
}

// ids returns the ids of all stored proposals in sorted order.
func (s *proposalStore) ids() []string {
	var result []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.m {
			result = append(result, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(result)
	return result
}
