// Package api exposes the election service over HTTP.
//
// Mutating requests must carry X-Caller-Timestamp and X-Caller-Signature
// headers. The signature is a recoverable secp256k1 signature over
// keccak256 of SigningPayload (method, path, timestamp, body). The recovered
// address is the caller identity, so nobody can act as an organizer without
// the organizer's key. Each signature is accepted once and only within
// SignatureWindow of the server clock.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"election-ledger/election"
	"election-ledger/encryption"
	"election-ledger/models"
	"election-ledger/service"
)

const callerKey = "caller"

type Server struct {
	service   *service.ElectionService
	sequencer *service.Sequencer
	crypto    *encryption.CryptoService
	router    *gin.Engine
	replays   *replayCache
	now       func() time.Time
}

type CreateElectionRequest struct {
	Name          string   `json:"name"`
	OrganizerName string   `json:"organizer_name"`
	PublicKey     string   `json:"public_key"`
	Options       []string `json:"options"`
}

type CastBallotRequest struct {
	EncryptedBallot string `json:"encrypted_ballot"`
	Signature       string `json:"signature"`
}

type CloseElectionRequest struct {
	PrivateKey string   `json:"private_key"`
	Tally      []uint64 `json:"tally"`
}

type ChainResponse struct {
	BlockCount int             `json:"block_count"`
	LastHash   string          `json:"last_hash"`
	IsValid    bool            `json:"is_valid"`
	Blocks     []*models.Block `json:"blocks"`
}

func NewServer(svc *service.ElectionService, sq *service.Sequencer, cs *encryption.CryptoService) *Server {
	s := &Server{
		service:   svc,
		sequencer: sq,
		crypto:    cs,
		replays:   newReplayCache(),
		now:       time.Now,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api")
	api.GET("/elections/count", s.handleElectionCount)
	api.GET("/elections/:id", s.handleGetElection)
	api.GET("/elections/:id/options", s.handleGetOptions)
	api.GET("/elections/:id/tickets", s.handleGetTickets)
	api.GET("/elections/:id/results", s.handleGetResults)
	api.GET("/elections/:id/bundle", s.handleGetBundle)
	api.GET("/organizers/:address/elections", s.handleElectionsByOrganizer)
	api.GET("/chain", s.handleGetChain)
	api.GET("/chain/validate", s.handleValidateChain)
	api.GET("/metrics", s.handleMetrics)

	signed := api.Group("/")
	signed.Use(s.callerAuth())
	signed.POST("/elections", s.handleCreateElection)
	signed.POST("/elections/:id/ballots", s.handleCastBallot)
	signed.POST("/elections/:id/close", s.handleCloseElection)

	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// callerAuth recovers the caller address from the signed request and
// rejects stale or repeated signatures.
func (s *Server) callerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sig := c.GetHeader(CallerHeader)
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": CallerHeader + " header required"})
			return
		}
		ts, err := strconv.ParseInt(c.GetHeader(TimestampHeader), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": TimestampHeader + " header required"})
			return
		}
		now := s.now()
		signedAt := time.Unix(ts, 0)
		if signedAt.Before(now.Add(-SignatureWindow)) || signedAt.After(now.Add(SignatureWindow)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request timestamp outside accepted window"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		payload := SigningPayload(c.Request.Method, c.Request.URL.Path, ts, body)
		caller, err := s.crypto.RecoverAddress(payload, sig)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid caller signature"})
			return
		}
		if !s.replays.add(strings.ToLower(sig), signedAt.Add(SignatureWindow), now) {
			log.Warn().Str("caller", caller.Hex()).Str("path", c.Request.URL.Path).Msg("replayed request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature already used"})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerOf(c *gin.Context) common.Address {
	v, _ := c.Get(callerKey)
	addr, _ := v.(common.Address)
	return addr
}

func (s *Server) handleCreateElection(c *gin.Context) {
	var req CreateElectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.submit(c, models.TxCreateElection, models.CreateElectionPayload{
		Name:          req.Name,
		OrganizerName: req.OrganizerName,
		PublicKey:     req.PublicKey,
		Options:       req.Options,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleCastBallot(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	var req CastBallotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.submit(c, models.TxCastBallot, models.CastBallotPayload{
		ElectionID:      id,
		EncryptedBallot: req.EncryptedBallot,
		Signature:       req.Signature,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleCloseElection(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	var req CloseElectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.submit(c, models.TxCloseElection, models.CloseElectionPayload{
		ElectionID: id,
		PrivateKey: req.PrivateKey,
		Tally:      req.Tally,
	}); err != nil {
		writeError(c, err)
		return
	}

	e, err := s.service.Election(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) submit(c *gin.Context, kind models.TxKind, payload interface{}) (*service.Result, error) {
	tx, err := models.NewTransaction(kind, callerOf(c), payload)
	if err != nil {
		return nil, err
	}
	return s.sequencer.Submit(c.Request.Context(), tx)
}

func (s *Server) handleElectionCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": s.service.ElectionCount()})
}

func (s *Server) handleGetElection(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	e, err := s.service.Election(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleGetOptions(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	options, err := s.service.Options(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, options)
}

func (s *Server) handleGetTickets(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	tickets, err := s.service.Tickets(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (s *Server) handleGetResults(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	results, err := s.service.Results(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleGetBundle(c *gin.Context) {
	id, ok := electionID(c)
	if !ok {
		return
	}
	bundle, err := s.service.Bundle(id)
	if err == nil && c.Query("archived") == "true" {
		bundle, err = s.service.ArchivedBundle(id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleElectionsByOrganizer(c *gin.Context) {
	addr := c.Param("address")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	c.JSON(http.StatusOK, s.service.ElectionsByOrganizer(common.HexToAddress(addr)))
}

func (s *Server) handleGetChain(c *gin.Context) {
	blocks := s.service.Blocks()
	c.JSON(http.StatusOK, ChainResponse{
		BlockCount: len(blocks),
		LastHash:   s.service.LastHash(),
		IsValid:    models.ValidateChain(blocks) == nil,
		Blocks:     blocks,
	})
}

func (s *Server) handleValidateChain(c *gin.Context) {
	if err := s.service.ValidateChain(); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Metrics().GetMetrics())
}

func electionID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  election.ErrInvalidElectionID.Error(),
			"reason": election.Reason(election.ErrInvalidElectionID),
		})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, election.ErrEmptyOptions),
		errors.Is(err, election.ErrTallyLengthMismatch),
		errors.Is(err, election.ErrTallyExceedsTickets):
		status = http.StatusBadRequest
	case errors.Is(err, election.ErrInvalidElectionID), errors.Is(err, os.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, election.ErrElectionClosed):
		status = http.StatusConflict
	case errors.Is(err, election.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrQueueFull),
		errors.Is(err, service.ErrStopped),
		errors.Is(err, service.ErrLedgerUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}

	body := gin.H{"error": err.Error()}
	if reason := election.Reason(err); reason != "" {
		body["reason"] = reason
	}
	c.JSON(status, body)
}
