package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bobg/circuit"
	"github.com/bobg/circuit/archive"
)

const maxEnvelopeSize = 1 << 20

type server struct {
	node    *circuit.Node
	tr      *httpTransport
	archive *archive.SQLiteArchive
	inbox   *inbox
	limiter *rate.Limiter
	logger  zerolog.Logger
	started time.Time
	router  *gin.Engine
}

func newServer(node *circuit.Node, tr *httpTransport, arch *archive.SQLiteArchive, in *inbox, limiter *rate.Limiter, logger zerolog.Logger) *server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	s := &server{
		node:    node,
		tr:      tr,
		archive: arch,
		inbox:   in,
		limiter: limiter,
		logger:  logger,
		started: time.Now(),
		router:  r,
	}
	s.routes()
	return s
}

func (s *server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/circuit/v1")
	v1.POST("/envelope", s.handleEnvelope)
	v1.GET("/status", s.handleStatus)

	v1.GET("/proposals", s.handleListProposals)
	v1.POST("/proposals", s.handlePropose)
	v1.GET("/proposals/:id", s.handleGetProposal)
	v1.POST("/proposals/:id/votes", s.handleVote)
	v1.POST("/proposals/:id/expire", s.handleExpire)

	v1.GET("/circuits", s.handleListCircuits)
	v1.GET("/circuits/:id", s.handleGetCircuit)
	v1.POST("/circuits/:id/payloads", s.handleSend)
	v1.GET("/circuits/:id/payloads", s.handleInbox)
}

func (s *server) handleEnvelope(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		httpErr(c, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeSize+1))
	if err != nil {
		httpErr(c, http.StatusBadRequest, err)
		return
	}
	if len(b) > maxEnvelopeSize {
		httpErr(c, http.StatusRequestEntityTooLarge, errors.New("envelope too large"))
		return
	}
	if err := s.node.Enqueue(c.Request.Context(), b); err != nil {
		httpErr(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id": s.node.ID,
		"key":     s.node.Key,
		"peers":   s.node.Peers().Strings(),
		"active":  s.node.Registry.Active(),
		"pending": s.inbox.circuitIDs(),
	})
}

type proposeRequest struct {
	CircuitID string `json:"circuit_id" binding:"required"`
}

func (s *server) handlePropose(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpErr(c, http.StatusBadRequest, err)
		return
	}
	msg, err := s.node.Propose(req.CircuitID)
	if err != nil {
		httpErr(c, statusFor(err), err)
		return
	}
	s.node.Publish(c.Request.Context(), s.tr, msg)
	rec, _ := s.node.Proposal(req.CircuitID)
	c.JSON(http.StatusCreated, proposalJSON(rec))
}

type voteRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (s *server) handleVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpErr(c, http.StatusBadRequest, err)
		return
	}
	d, err := circuit.ParseDecision(req.Decision)
	if err != nil {
		httpErr(c, http.StatusBadRequest, err)
		return
	}
	id := c.Param("id")
	out, err := s.node.Vote(id, d)
	s.node.Publish(c.Request.Context(), s.tr, out...)
	if err != nil {
		httpErr(c, statusFor(err), err)
		return
	}
	rec, _ := s.node.Proposal(id)
	c.JSON(http.StatusOK, proposalJSON(rec))
}

func (s *server) handleExpire(c *gin.Context) {
	id := c.Param("id")
	if err := s.node.Expire(id); err != nil {
		httpErr(c, statusFor(err), err)
		return
	}
	rec, _ := s.node.Proposal(id)
	c.JSON(http.StatusOK, proposalJSON(rec))
}

func (s *server) handleListProposals(c *gin.Context) {
	recs := s.node.Proposals()
	result := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		result = append(result, proposalJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"proposals": result})
}

func (s *server) handleGetProposal(c *gin.Context) {
	id := c.Param("id")
	if rec, ok := s.node.Proposal(id); ok {
		c.JSON(http.StatusOK, proposalJSON(rec))
		return
	}
	if s.archive != nil {
		rec, err := s.archive.Get(c.Request.Context(), id)
		if err == nil {
			c.JSON(http.StatusOK, proposalJSON(rec))
			return
		}
		if !errors.Is(err, archive.ErrNotFound) {
			httpErr(c, http.StatusInternalServerError, err)
			return
		}
	}
	httpErr(c, http.StatusNotFound, circuit.ErrUnknownProposal)
}

func (s *server) handleListCircuits(c *gin.Context) {
	circuits := s.node.Registry.List()
	result := make([]gin.H, 0, len(circuits))
	for _, cir := range circuits {
		result = append(result, circuitJSON(cir))
	}
	c.JSON(http.StatusOK, gin.H{"circuits": result})
}

func (s *server) handleGetCircuit(c *gin.Context) {
	cir, ok := s.node.Registry.Lookup(c.Param("id"))
	if !ok {
		httpErr(c, http.StatusNotFound, circuit.ErrCircuitNotFound)
		return
	}
	c.JSON(http.StatusOK, circuitJSON(cir))
}

func (s *server) handleSend(c *gin.Context) {
	id := c.Param("id")
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeSize+1))
	if err != nil {
		httpErr(c, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxEnvelopeSize {
		httpErr(c, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
		return
	}
	msg, err := s.node.Send(id, data)
	if err != nil {
		httpErr(c, statusFor(err), err)
		return
	}
	b, err := circuit.Encode(msg)
	if err != nil {
		httpErr(c, http.StatusInternalServerError, err)
		return
	}
	// Peers refuse envelopes above the limit.
	if len(b) > maxEnvelopeSize {
		httpErr(c, http.StatusRequestEntityTooLarge, fmt.Errorf("payload of %d bytes does not fit in an envelope", len(data)))
		return
	}
	cir, _ := s.node.Registry.Lookup(id)
	if err := s.tr.SendTo(c.Request.Context(), cir.Members, b); err != nil {
		httpErr(c, http.StatusBadGateway, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *server) handleInbox(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.node.Registry.Lookup(id); !ok {
		httpErr(c, http.StatusNotFound, circuit.ErrCircuitNotFound)
		return
	}
	payloads := s.inbox.drain(id)
	result := make([]gin.H, 0, len(payloads))
	for _, p := range payloads {
		result = append(result, gin.H{
			"sender": p.RequesterNodeID,
			"data":   p.Data,
		})
	}
	c.JSON(http.StatusOK, gin.H{"payloads": result})
}

func proposalJSON(rec circuit.ProposalRecord) gin.H {
	votes := make([]gin.H, 0, len(rec.Votes))
	for _, v := range rec.Votes {
		votes = append(votes, gin.H{
			"voter_node_id": v.VoterNodeID,
			"voter":         v.Voter,
			"vote":          v.Decision.String(),
			"created_time":  v.CreatedAt,
		})
	}
	return gin.H{
		"circuit_id":        rec.CircuitID,
		"requester":         rec.Requester,
		"requester_node_id": rec.RequesterNodeID,
		"status":            rec.State.String(),
		"quorum":            rec.Policy.String(),
		"voters":            rec.Voters.Strings(),
		"members":           rec.Members.Strings(),
		"votes":             votes,
		"created_time":      rec.CreatedAt,
		"updated_time":      rec.UpdatedAt,
	}
}

func circuitJSON(c circuit.Circuit) gin.H {
	h := gin.H{
		"circuit_id":        c.ID,
		"members":           c.Members.Strings(),
		"requester":         c.Requester,
		"requester_node_id": c.RequesterNodeID,
		"created_time":      c.CreatedAt,
		"active":            c.Active(time.Now()),
		"circuit_hash":      hex.EncodeToString(c.Hash[:]),
	}
	if !c.ExpiresAt.IsZero() {
		h["expires_time"] = c.ExpiresAt
	}
	return h
}

// statusFor maps a protocol error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, circuit.ErrMalformedEnvelope),
		errors.Is(err, circuit.ErrUnknownMessageType),
		errors.Is(err, circuit.ErrMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, circuit.ErrUnknownProposal),
		errors.Is(err, circuit.ErrCircuitNotFound):
		return http.StatusNotFound
	case errors.Is(err, circuit.ErrDuplicateProposal),
		errors.Is(err, circuit.ErrAlreadyExists),
		errors.Is(err, circuit.ErrInvalidTransition),
		errors.Is(err, circuit.ErrCircuitNotActive):
		return http.StatusConflict
	case errors.Is(err, circuit.ErrNotVoter),
		errors.Is(err, circuit.ErrNotMember):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func httpErr(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

const inboxLimit = 256

// inbox is the payload consumer of every circuit this node belongs
// to. It keeps the most recent payloads of each circuit until they are
// fetched.
type inbox struct {
	logger zerolog.Logger

	mu sync.Mutex
	m  map[string][]circuit.Payload
}

func newInbox(logger zerolog.Logger) *inbox {
	return &inbox{logger: logger, m: make(map[string][]circuit.Payload)}
}

func (in *inbox) Deliver(p circuit.Payload) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := append(in.m[p.CircuitID], p)
	if len(q) > inboxLimit {
		q = q[len(q)-inboxLimit:]
	}
	in.m[p.CircuitID] = q
	in.logger.Info().
		Str("circuit", p.CircuitID).
		Str("sender", string(p.RequesterNodeID)).
		Int("bytes", len(p.Data)).
		Msg("payload delivered")
	return nil
}

func (in *inbox) drain(circuitID string) []circuit.Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.m[circuitID]
	delete(in.m, circuitID)
	return q
}

// circuitIDs returns the circuits with pending payloads.
func (in *inbox) circuitIDs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.m))
	for id := range in.m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
