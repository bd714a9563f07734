package election

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"election-ledger/models"
)

// record holds one election: its metadata, the immutable option list and the
// append-only ticket list. Option and ticket ids equal their index plus one.
type record struct {
	meta    models.Election
	options []models.VoteOption
	tickets []models.VoteTicket
}

func newRecord(id uint64, name, organizerName, publicKey string, optionNames []string, organizer common.Address) *record {
	options := make([]models.VoteOption, len(optionNames))
	for i, n := range optionNames {
		options[i] = models.VoteOption{ID: uint64(i + 1), Name: n}
	}
	return &record{
		meta: models.Election{
			ID:            id,
			Name:          name,
			OrganizerName: organizerName,
			Organizer:     organizer,
			PublicKey:     publicKey,
			OptionCount:   uint64(len(options)),
		},
		options: options,
		tickets: make([]models.VoteTicket, 0),
	}
}

func (rec *record) appendTicket(encryptedBallot, signature string) models.VoteTicket {
	ticket := models.VoteTicket{
		ID:              uint64(len(rec.tickets) + 1),
		EncryptedBallot: encryptedBallot,
		Signature:       signature,
		Receipt:         crypto.Keccak256Hash([]byte(encryptedBallot)).Hex(),
	}
	rec.tickets = append(rec.tickets, ticket)
	rec.meta.TicketCount++
	return ticket
}

func (rec *record) close(privateKey string, tally []uint64) {
	rec.meta.PrivateKey = privateKey
	rec.meta.Results = append([]uint64(nil), tally...)
	rec.meta.Ended = true
}

func (rec *record) snapshot() models.Election {
	e := rec.meta
	e.Results = rec.results()
	return e
}

func (rec *record) results() []uint64 {
	out := make([]uint64, len(rec.meta.Results))
	copy(out, rec.meta.Results)
	return out
}
