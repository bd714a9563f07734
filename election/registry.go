// Package election holds the election state machine: the registry of
// elections, their option lists, their append-only ballot ledgers and the
// Open to Closed lifecycle.
//
// The package never decrypts anything. Ballots are opaque ciphertexts and the
// tally submitted at close is stored as given; anyone can check it later by
// decrypting the stored tickets with the disclosed private key.
package election

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"election-ledger/models"
)

type Option func(*Registry)

// WithTallyBound makes CloseElection reject tallies whose sum exceeds the
// number of cast tickets.
func WithTallyBound() Option {
	return func(r *Registry) {
		r.tallyBound = true
	}
}

// Registry owns every election. Mutations take the write lock and either
// apply fully or not at all; reads share the read lock and see a consistent
// snapshot.
type Registry struct {
	mu          sync.RWMutex
	elections   []*record
	byOrganizer map[common.Address][]uint64
	tallyBound  bool
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		elections:   make([]*record, 0),
		byOrganizer: make(map[common.Address][]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateElection registers a new open election organized by caller and
// returns its id. Ids start at 1.
func (r *Registry) CreateElection(name, organizerName, publicKey string, optionNames []string, caller common.Address) (uint64, error) {
	if len(optionNames) == 0 {
		return 0, ErrEmptyOptions
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID()
	r.elections = append(r.elections, newRecord(id, name, organizerName, publicKey, optionNames, caller))
	r.byOrganizer[caller] = append(r.byOrganizer[caller], id)
	return id, nil
}

// CastBallot appends a ticket to an open election. The ciphertext and
// signature are stored verbatim. Anyone may cast, any number of times.
func (r *Registry) CastBallot(id uint64, encryptedBallot, signature string, caller common.Address) (models.VoteTicket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(id)
	if err != nil {
		return models.VoteTicket{}, err
	}
	if rec.meta.Ended {
		return models.VoteTicket{}, fmt.Errorf("election %d: %w", id, ErrElectionClosed)
	}
	return rec.appendTicket(encryptedBallot, signature), nil
}

// CloseElection discloses the private key and records the tally. Only the
// organizer may close, only once, and the tally must have one entry per
// option.
func (r *Registry) CloseElection(id uint64, privateKey string, tally []uint64, caller common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	if rec.meta.Ended {
		return fmt.Errorf("election %d: %w", id, ErrElectionClosed)
	}
	if caller != rec.meta.Organizer {
		return fmt.Errorf("election %d: %w", id, ErrUnauthorized)
	}
	if uint64(len(tally)) != rec.meta.OptionCount {
		return fmt.Errorf("election %d: got %d counts for %d options: %w",
			id, len(tally), rec.meta.OptionCount, ErrTallyLengthMismatch)
	}
	if r.tallyBound && !withinTickets(tally, rec.meta.TicketCount) {
		return fmt.Errorf("election %d: %w", id, ErrTallyExceedsTickets)
	}

	rec.close(privateKey, tally)
	return nil
}

// ElectionCount returns how many elections exist. Valid ids are
// 1..ElectionCount.
func (r *Registry) ElectionCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.elections))
}

// ElectionsByOrganizer returns the ids created by identity, oldest first.
func (r *Registry) ElectionsByOrganizer(identity common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, len(r.byOrganizer[identity]))
	copy(ids, r.byOrganizer[identity])
	return ids
}

func (r *Registry) Election(id uint64) (models.Election, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.lookup(id)
	if err != nil {
		return models.Election{}, err
	}
	return rec.snapshot(), nil
}

func (r *Registry) Options(id uint64) ([]models.VoteOption, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]models.VoteOption, len(rec.options))
	copy(out, rec.options)
	return out, nil
}

// Tickets returns every ticket of the election in submission order.
func (r *Registry) Tickets(id uint64) ([]models.VoteTicket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]models.VoteTicket, len(rec.tickets))
	copy(out, rec.tickets)
	return out, nil
}

// Results returns the recorded tally, empty while the election is open.
func (r *Registry) Results(id uint64) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.results(), nil
}

// nextID is the exclusive upper bound of valid ids.
func (r *Registry) nextID() uint64 {
	return uint64(len(r.elections)) + 1
}

func (r *Registry) lookup(id uint64) (*record, error) {
	if id == 0 || id >= r.nextID() {
		return nil, fmt.Errorf("election %d: %w", id, ErrInvalidElectionID)
	}
	return r.elections[id-1], nil
}

func withinTickets(tally []uint64, tickets uint64) bool {
	var sum uint64
	for _, c := range tally {
		if c > tickets-sum {
			return false
		}
		sum += c
	}
	return true
}
