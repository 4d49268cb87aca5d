// Command circuitd runs one node of the circuit protocol over HTTP.
//
// Usage:
//
//	circuitd -config node.toml [-v -v]
//
// Peers exchange envelopes by POSTing them to /circuit/v1/envelope.
// Local clients drive the node through the rest of the /circuit/v1
// API: submit proposals, vote, and send payloads over created circuits.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bobg/circuit"
	"github.com/bobg/circuit/archive"
	"github.com/bobg/circuit/internal/config"
	"github.com/bobg/circuit/internal/logging"
)

// verbosity is a flag that counts its occurrences.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

func main() {
	var v verbosity
	configPath := flag.String("config", "circuitd.toml", "node config file")
	flag.Var(&v, "v", "increase verbosity (repeatable)")
	flag.Parse()

	logger := logging.New("circuitd", logging.Level(int(v)))

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("circuitd failed")
	}
}

func run(ctx context.Context, cfg config.NodeConfig, logger zerolog.Logger) error {
	circuit.RegisterMetrics()

	cc := cfg.Circuit()
	cc.Logger = &logger

	var arch *archive.SQLiteArchive
	if cfg.Archive != "" {
		a, err := archive.Open(cfg.Archive)
		if err != nil {
			return err
		}
		defer a.Close()
		arch = a
		cc.Archive = a
	}

	inbox := newInbox(logger)
	var node *circuit.Node
	cc.OnCreated = func(c circuit.Circuit) {
		if c.Members.Contains(node.ID) {
			node.Router.Subscribe(c.ID, inbox)
		}
	}
	node = circuit.NewNode(cfg.Identity(), cc)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	tr := newHTTPTransport(node.ID, cfg.Peers, logger)
	s := newServer(node, tr, arch, inbox, limiter, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("node", string(node.ID)).
		Str("addr", cfg.Addr).
		Stringer("peers", node.Peers()).
		Stringer("quorum", cc.Policy).
		Msg("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Run(ctx, tr)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
