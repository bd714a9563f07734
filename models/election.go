package models

import "github.com/ethereum/go-ethereum/common"

// Election is the public record of one election. PrivateKey and Results stay
// empty until the organizer closes it.
type Election struct {
	ID            uint64         `json:"id"`
	Name          string         `json:"name"`
	OrganizerName string         `json:"organizer_name"`
	Organizer     common.Address `json:"organizer"`
	PublicKey     string         `json:"public_key"`
	PrivateKey    string         `json:"private_key"`
	OptionCount   uint64         `json:"option_count"`
	TicketCount   uint64         `json:"ticket_count"`
	Ended         bool           `json:"ended"`
	Results       []uint64       `json:"results"`
}

// VoteOption is a named choice. IDs start at 1 and follow creation order.
type VoteOption struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// VoteTicket is a stored ballot. The ciphertext and signature are opaque;
// Receipt is keccak256 of the ciphertext so a voter can find their ticket.
type VoteTicket struct {
	ID              uint64 `json:"id"`
	EncryptedBallot string `json:"encrypted_ballot"`
	Signature       string `json:"signature"`
	Receipt         string `json:"receipt"`
}
