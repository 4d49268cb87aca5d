// Command circuitsim runs a network of circuit nodes in memory and
// plays a list of proposals through it.
//
// Usage:
//
//	circuitsim [-seed N] [-delay D] [-timeout D] [-v] CONFFILE
//
// The config file names the nodes, how each one votes and which
// circuits to propose; see example.toml.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bobg/circuit"
	"github.com/bobg/circuit/internal/config"
	"github.com/bobg/circuit/internal/logging"
)

func main() {
	var (
		seed    = flag.Int64("seed", 1, "RNG seed")
		delay   = flag.Duration("delay", 20*time.Millisecond, "random delivery delay limit")
		timeout = flag.Duration("timeout", 2*time.Second, "time before an undecided proposal is expired")
		verbose = flag.Int("v", 0, "verbosity (0-3)")
	)
	flag.Parse()

	logger := logging.New("circuitsim", logging.Level(*verbose))

	if flag.NArg() < 1 {
		logger.Fatal().Msg("usage: circuitsim [-seed N] CONFFILE")
	}
	cfg, err := config.LoadSim(flag.Arg(0))
	if err != nil {
		logger.Fatal().Err(err).Msg("could not load config")
	}

	s, err := newSim(cfg, options{seed: *seed, delay: *delay, timeout: *timeout}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not build network")
	}
	results, err := s.run(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}
	for _, res := range results {
		fmt.Fprintln(os.Stdout, summarize(res))
	}
}

// summarize renders res on one line, e.g.
//
//	c1: created members=[a b c] payload=[b c] (a=created b=created c=created)
func summarize(res result) string {
	var ids []string
	for id := range res.States {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var states []string
	for _, id := range ids {
		states = append(states, fmt.Sprintf("%s=%s", id, res.States[circuit.NodeID(id)]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s:", res.Circuit)
	switch {
	case res.Members != nil:
		fmt.Fprintf(&b, " created members=%s", res.Members)
		if res.Delivered != nil {
			fmt.Fprintf(&b, " payload=%s", res.Delivered)
		}
	case res.Expired:
		b.WriteString(" expired")
	default:
		b.WriteString(" rejected")
	}
	fmt.Fprintf(&b, " (%s)", strings.Join(states, " "))
	return b.String()
}
