package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"election-ledger/audit"
	"election-ledger/blockchain/txchain"
	"election-ledger/election"
	"election-ledger/models"
	"election-ledger/storage"
)

// ErrLedgerUnavailable is returned for every mutation once a committed
// transaction could not be written to the chain.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

var ErrUnknownTransaction = errors.New("unknown transaction kind")

type Options struct {
	StorageDir  string
	Difficulty  uint8
	ArchiveKeep int
	StrictTally bool
}

// ElectionService applies transactions to the registry and records every
// accepted one on the chain. Rejected transactions leave no trace.
type ElectionService struct {
	registry *election.Registry
	chain    *txchain.Chain
	archive  *storage.BundleArchive
	metrics  *MetricsCollector

	mu       sync.Mutex
	degraded error
}

// Result describes a committed transaction.
type Result struct {
	TxID       string             `json:"tx_id"`
	Kind       models.TxKind      `json:"kind"`
	ElectionID uint64             `json:"election_id"`
	Ticket     *models.VoteTicket `json:"ticket,omitempty"`
	BlockIndex uint64             `json:"block_index"`
}

func NewElectionService(opts Options) (*ElectionService, error) {
	absPath, err := filepath.Abs(opts.StorageDir)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewJSONStore(filepath.Join(absPath, "chain"), txchain.ChainName)
	if err != nil {
		return nil, err
	}
	chain, err := txchain.New(store, opts.Difficulty)
	if err != nil {
		return nil, err
	}
	archive, err := storage.NewBundleArchive(filepath.Join(absPath, "bundles"), opts.ArchiveKeep)
	if err != nil {
		return nil, err
	}

	s := &ElectionService{
		registry: election.NewRegistry(),
		chain:    chain,
		archive:  archive,
		metrics:  NewMetricsCollector(),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	// History is replayed under the rules it was accepted with; the bound
	// only applies to new closes.
	if opts.StrictTally {
		election.WithTallyBound()(s.registry)
	}

	log.Info().
		Str("storage", absPath).
		Uint64("elections", s.registry.ElectionCount()).
		Int("blocks", chain.Len()).
		Msg("election service ready")
	return s, nil
}

// replay rebuilds the registry from the chain. Every recorded transaction
// was accepted once, so any failure means the chain and the rules disagree.
func (s *ElectionService) replay() error {
	txs, err := s.chain.Transactions()
	if err != nil {
		return err
	}
	for i, tx := range txs {
		if _, err := s.apply(tx); err != nil {
			return fmt.Errorf("failed to replay block %d (tx %s): %w", i, tx.ID, err)
		}
	}
	return nil
}

// Commit applies tx and, when accepted, appends it to the chain.
func (s *ElectionService) Commit(tx *models.Transaction) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if s.degraded != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, s.degraded)
	}

	res, err := s.apply(tx)
	if err != nil {
		s.metrics.RecordOperation(tx.Kind, time.Since(start), err)
		log.Warn().
			Str("tx", tx.ID).
			Str("kind", string(tx.Kind)).
			Str("caller", tx.Caller.Hex()).
			Str("reason", election.Reason(err)).
			Err(err).
			Msg("transaction rejected")
		return nil, err
	}

	block, err := s.chain.Append(tx)
	if err != nil {
		s.degraded = err
		log.Error().Err(err).Str("tx", tx.ID).Msg("failed to record committed transaction, refusing further mutations")
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	res.BlockIndex = block.Index
	s.metrics.RecordOperation(tx.Kind, time.Since(start), nil)

	log.Info().
		Str("tx", tx.ID).
		Str("kind", string(tx.Kind)).
		Uint64("election", res.ElectionID).
		Uint64("block", block.Index).
		Msg("transaction committed")

	if tx.Kind == models.TxCloseElection {
		s.archiveBundle(res.ElectionID)
	}
	return res, nil
}

func (s *ElectionService) apply(tx *models.Transaction) (*Result, error) {
	res := &Result{TxID: tx.ID, Kind: tx.Kind}

	switch tx.Kind {
	case models.TxCreateElection:
		var p models.CreateElectionPayload
		if err := tx.Decode(&p); err != nil {
			return nil, err
		}
		id, err := s.registry.CreateElection(p.Name, p.OrganizerName, p.PublicKey, p.Options, tx.Caller)
		if err != nil {
			return nil, err
		}
		res.ElectionID = id

	case models.TxCastBallot:
		var p models.CastBallotPayload
		if err := tx.Decode(&p); err != nil {
			return nil, err
		}
		ticket, err := s.registry.CastBallot(p.ElectionID, p.EncryptedBallot, p.Signature, tx.Caller)
		if err != nil {
			return nil, err
		}
		res.ElectionID = p.ElectionID
		res.Ticket = &ticket

	case models.TxCloseElection:
		var p models.CloseElectionPayload
		if err := tx.Decode(&p); err != nil {
			return nil, err
		}
		if err := s.registry.CloseElection(p.ElectionID, p.PrivateKey, p.Tally, tx.Caller); err != nil {
			return nil, err
		}
		res.ElectionID = p.ElectionID

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransaction, tx.Kind)
	}
	return res, nil
}

func (s *ElectionService) archiveBundle(id uint64) {
	bundle, err := s.Bundle(id)
	if err != nil {
		log.Warn().Err(err).Uint64("election", id).Msg("failed to build audit bundle")
		return
	}
	if _, err := s.archive.Save(id, bundle); err != nil {
		log.Warn().Err(err).Uint64("election", id).Msg("failed to archive audit bundle")
	}
}

func (s *ElectionService) CreateElection(caller common.Address, p models.CreateElectionPayload) (uint64, error) {
	res, err := s.submit(models.TxCreateElection, caller, p)
	if err != nil {
		return 0, err
	}
	return res.ElectionID, nil
}

func (s *ElectionService) CastBallot(caller common.Address, p models.CastBallotPayload) (models.VoteTicket, error) {
	res, err := s.submit(models.TxCastBallot, caller, p)
	if err != nil {
		return models.VoteTicket{}, err
	}
	return *res.Ticket, nil
}

func (s *ElectionService) CloseElection(caller common.Address, p models.CloseElectionPayload) error {
	_, err := s.submit(models.TxCloseElection, caller, p)
	return err
}

func (s *ElectionService) submit(kind models.TxKind, caller common.Address, payload interface{}) (*Result, error) {
	tx, err := models.NewTransaction(kind, caller, payload)
	if err != nil {
		return nil, err
	}
	return s.Commit(tx)
}

func (s *ElectionService) ElectionCount() uint64 {
	return s.registry.ElectionCount()
}

func (s *ElectionService) ElectionsByOrganizer(identity common.Address) []uint64 {
	return s.registry.ElectionsByOrganizer(identity)
}

func (s *ElectionService) Election(id uint64) (models.Election, error) {
	return s.registry.Election(id)
}

func (s *ElectionService) Options(id uint64) ([]models.VoteOption, error) {
	return s.registry.Options(id)
}

func (s *ElectionService) Tickets(id uint64) ([]models.VoteTicket, error) {
	return s.registry.Tickets(id)
}

func (s *ElectionService) Results(id uint64) ([]uint64, error) {
	return s.registry.Results(id)
}

// Bundle collects the public record of an election for auditors.
func (s *ElectionService) Bundle(id uint64) (*audit.Bundle, error) {
	e, err := s.registry.Election(id)
	if err != nil {
		return nil, err
	}
	options, err := s.registry.Options(id)
	if err != nil {
		return nil, err
	}
	tickets, err := s.registry.Tickets(id)
	if err != nil {
		return nil, err
	}
	return &audit.Bundle{Election: e, Options: options, Tickets: tickets}, nil
}

// ArchivedBundle loads the bundle written when the election was closed.
func (s *ElectionService) ArchivedBundle(id uint64) (*audit.Bundle, error) {
	var b audit.Bundle
	if err := s.archive.LoadLatest(id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *ElectionService) Blocks() []*models.Block {
	return s.chain.Blocks()
}

func (s *ElectionService) LastHash() string {
	return s.chain.LastHash()
}

func (s *ElectionService) ValidateChain() error {
	return s.chain.Validate()
}

func (s *ElectionService) Metrics() *MetricsCollector {
	return s.metrics
}
