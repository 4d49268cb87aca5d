// Package config loads the TOML configuration of circuitd and
// circuitsim.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/bobg/circuit"
)

// NodeConfig is the configuration of one circuitd node.
type NodeConfig struct {
	Key    string `toml:"key"`
	NodeID string `toml:"node_id"`
	Addr   string `toml:"addr"`

	// Peers maps the node id of every other network member to the base
	// URL of its circuitd.
	Peers map[string]string `toml:"peers"`

	Quorum QuorumConfig `toml:"quorum"`

	CircuitTTL Duration `toml:"circuit_ttl"`
	Workers    int      `toml:"workers"`
	QueueSize  int      `toml:"queue_size"`

	// Archive is the path of the SQLite proposal archive. Empty
	// disables archiving.
	Archive string `toml:"archive"`

	// RateLimit caps inbound envelopes per second; zero means no limit.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// QuorumConfig selects the quorum and readiness policies.
type QuorumConfig struct {
	Rule      string `toml:"rule"`
	Threshold int    `toml:"threshold"`
	MinVotes  int    `toml:"min_votes"`
	Ready     string `toml:"ready"`
}

// Duration is a time.Duration that decodes from a TOML string such as
// "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadNode reads, defaults and validates a node config.
func LoadNode(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *NodeConfig) applyDefaults() {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Key == "" {
		cfg.Key = cfg.NodeID
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit) + 1
	}
}

// Validate checks cfg for consistency.
func (cfg NodeConfig) Validate() error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("missing node_id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("missing addr")
	}
	for id, u := range cfg.Peers {
		if id == cfg.NodeID {
			return fmt.Errorf("peer %s is this node", id)
		}
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("peer %s: bad url %q", id, u)
		}
	}
	if cfg.Workers < 0 || cfg.QueueSize < 0 {
		return fmt.Errorf("workers and queue_size must not be negative")
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if cfg.CircuitTTL.Duration < 0 {
		return fmt.Errorf("circuit_ttl must not be negative")
	}
	return cfg.Quorum.Validate()
}

// Validate checks that the rule and ready policy parse.
func (q QuorumConfig) Validate() error {
	_, err := q.Policy()
	if err != nil {
		return err
	}
	_, err = circuit.ParseReadyPolicy(q.Ready)
	return err
}

// Policy returns the quorum policy q describes.
func (q QuorumConfig) Policy() (circuit.QuorumPolicy, error) {
	rule, err := circuit.ParseQuorumRule(q.Rule)
	if err != nil {
		return circuit.QuorumPolicy{}, err
	}
	if rule == circuit.Threshold && q.Threshold < 1 {
		return circuit.QuorumPolicy{}, fmt.Errorf("threshold rule needs a positive threshold")
	}
	if q.MinVotes < 0 {
		return circuit.QuorumPolicy{}, fmt.Errorf("min_votes must not be negative")
	}
	return circuit.QuorumPolicy{Rule: rule, Threshold: q.Threshold, MinVotes: q.MinVotes}, nil
}

// Network returns the ids of this node and all its peers.
func (cfg NodeConfig) Network() circuit.NodeIDSet {
	ids := []circuit.NodeID{circuit.NodeID(cfg.NodeID)}
	for id := range cfg.Peers {
		ids = append(ids, circuit.NodeID(id))
	}
	return circuit.NewNodeIDSet(ids...)
}

// Identity returns the identity the node stamps on its messages.
func (cfg NodeConfig) Identity() circuit.Identity {
	return circuit.Identity{Key: cfg.Key, NodeID: circuit.NodeID(cfg.NodeID)}
}

// Circuit returns the core configuration cfg describes. The policies
// must already have been validated.
func (cfg NodeConfig) Circuit() circuit.Config {
	policy, _ := cfg.Quorum.Policy()
	ready, _ := circuit.ParseReadyPolicy(cfg.Quorum.Ready)
	return circuit.Config{
		Network:    cfg.Network(),
		Policy:     policy,
		Ready:      ready,
		CircuitTTL: cfg.CircuitTTL.Duration,
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
	}
}

// SimConfig describes a simulated network for circuitsim.
type SimConfig struct {
	Quorum QuorumConfig `toml:"quorum"`

	// Nodes maps node ids to their behavior.
	Nodes map[string]SimNode `toml:"nodes"`

	// Proposals lists the circuits to propose, in order.
	Proposals []SimProposal `toml:"proposals"`
}

// SimNode is the behavior of one simulated node.
type SimNode struct {
	// Vote is "accept", "reject" or "" to abstain.
	Vote string `toml:"vote"`

	// Delay is how long the node waits before voting.
	Delay Duration `toml:"delay"`
}

// SimProposal is a circuit one node proposes.
type SimProposal struct {
	Circuit   string `toml:"circuit"`
	Requester string `toml:"requester"`

	// Payload, if set, is sent over the circuit once it exists.
	Payload string `toml:"payload"`
}

// LoadSim reads and validates a simulation config.
func LoadSim(path string) (SimConfig, error) {
	var cfg SimConfig
	if err := loadToml(path, &cfg); err != nil {
		return SimConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SimConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cfg for consistency.
func (cfg SimConfig) Validate() error {
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	for id, n := range cfg.Nodes {
		if n.Vote != "" {
			if _, err := circuit.ParseDecision(n.Vote); err != nil {
				return fmt.Errorf("node %s: %w", id, err)
			}
		}
	}
	seen := make(map[string]bool)
	for i, p := range cfg.Proposals {
		if p.Circuit == "" {
			return fmt.Errorf("proposal[%d]: missing circuit", i)
		}
		if seen[p.Circuit] {
			return fmt.Errorf("proposal[%d]: duplicate circuit %s", i, p.Circuit)
		}
		seen[p.Circuit] = true
		if _, ok := cfg.Nodes[p.Requester]; !ok {
			return fmt.Errorf("proposal[%d]: unknown requester %q", i, p.Requester)
		}
	}
	return cfg.Quorum.Validate()
}

// NodeIDs returns the simulated node ids in sorted order.
func (cfg SimConfig) NodeIDs() []string {
	ids := make([]string, 0, len(cfg.Nodes))
	for id := range cfg.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	md, err := toml.Decode(string(data), out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}
	return nil
}
