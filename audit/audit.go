// Package audit recomputes the tally of a closed election from public data
// only: the stored tickets and the disclosed private key.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"election-ledger/models"
)

var (
	ErrNotDisclosed    = errors.New("election is still open, no key disclosed")
	ErrMalformedBundle = errors.New("malformed audit bundle")
)

// Bundle is everything anyone can read about an election.
type Bundle struct {
	Election models.Election     `json:"election"`
	Options  []models.VoteOption `json:"options"`
	Tickets  []models.VoteTicket `json:"tickets"`
}

type Crypto interface {
	Decrypt(ciphertext string, privateKey string) ([]byte, error)
	RecoverAddress(data []byte, signature string) (common.Address, error)
}

type TicketStatus string

const (
	StatusValid         TicketStatus = "valid"
	StatusUndecryptable TicketStatus = "undecryptable"
	StatusNonNumeric    TicketStatus = "non_numeric"
	StatusOutOfRange    TicketStatus = "out_of_range"
)

type TicketResult struct {
	TicketID uint64          `json:"ticket_id"`
	Status   TicketStatus    `json:"status"`
	Option   uint64          `json:"option,omitempty"`
	Signer   *common.Address `json:"signer,omitempty"`
}

type Mismatch struct {
	OptionID uint64 `json:"option_id"`
	Claimed  uint64 `json:"claimed"`
	Counted  uint64 `json:"counted"`
}

type Report struct {
	ElectionID        uint64         `json:"election_id"`
	Tickets           []TicketResult `json:"tickets"`
	Counted           []uint64       `json:"counted"`
	Claimed           []uint64       `json:"claimed"`
	Valid             uint64         `json:"valid"`
	Invalid           uint64         `json:"invalid"`
	Mismatches        []Mismatch     `json:"mismatches"`
	SumExceedsTickets bool           `json:"sum_exceeds_tickets"`
	Matches           bool           `json:"matches"`
}

// Audit decrypts every ticket with the disclosed key, counts the valid
// choices and compares them with the recorded results. A ticket counts when
// its plaintext is a JSON number or numeric string between 1 and the number
// of options. progress, when not nil, is called once per ticket.
func Audit(b *Bundle, c Crypto, progress func(TicketResult)) (*Report, error) {
	e := b.Election
	if !e.Ended {
		return nil, ErrNotDisclosed
	}
	if err := b.validate(); err != nil {
		return nil, err
	}

	report := &Report{
		ElectionID: e.ID,
		Tickets:    make([]TicketResult, 0, len(b.Tickets)),
		Counted:    make([]uint64, len(b.Options)),
		Claimed:    append([]uint64{}, e.Results...),
		Mismatches: make([]Mismatch, 0),
	}

	for _, ticket := range b.Tickets {
		res := TicketResult{TicketID: ticket.ID}

		plaintext, err := c.Decrypt(ticket.EncryptedBallot, e.PrivateKey)
		if err != nil {
			res.Status = StatusUndecryptable
		} else {
			res.Option, res.Status = ParseChoice(plaintext, e.OptionCount)
		}
		if ticket.Signature != "" {
			if signer, err := c.RecoverAddress([]byte(ticket.EncryptedBallot), ticket.Signature); err == nil {
				res.Signer = &signer
			}
		}

		if res.Status == StatusValid {
			report.Counted[res.Option-1]++
			report.Valid++
		} else {
			report.Invalid++
		}
		report.Tickets = append(report.Tickets, res)
		if progress != nil {
			progress(res)
		}
	}

	var sum uint64
	overflow := false
	for i, claimed := range report.Claimed {
		if sum+claimed < sum {
			overflow = true
		}
		sum += claimed
		if counted := report.Counted[i]; claimed != counted {
			report.Mismatches = append(report.Mismatches, Mismatch{OptionID: uint64(i + 1), Claimed: claimed, Counted: counted})
		}
	}
	report.SumExceedsTickets = overflow || sum > e.TicketCount
	report.Matches = len(report.Mismatches) == 0
	return report, nil
}

// validate checks that the bundle is internally consistent before anything
// is sized from it. Bundles may come from a file or a remote server.
func (b *Bundle) validate() error {
	e := b.Election
	n := uint64(len(b.Options))
	if n == 0 {
		return fmt.Errorf("%w: no options", ErrMalformedBundle)
	}
	if e.OptionCount != n {
		return fmt.Errorf("%w: option_count %d, %d options listed", ErrMalformedBundle, e.OptionCount, n)
	}
	for i, o := range b.Options {
		if o.ID != uint64(i+1) {
			return fmt.Errorf("%w: option %d has id %d", ErrMalformedBundle, i+1, o.ID)
		}
	}
	if uint64(len(e.Results)) != n {
		return fmt.Errorf("%w: %d results for %d options", ErrMalformedBundle, len(e.Results), n)
	}
	if uint64(len(b.Tickets)) != e.TicketCount {
		return fmt.Errorf("%w: ticket_count %d, %d tickets listed", ErrMalformedBundle, e.TicketCount, len(b.Tickets))
	}
	return nil
}

// ParseChoice reads a decrypted ballot. It returns the chosen option id and
// StatusValid, or 0 and the reason the ballot does not count.
func ParseChoice(plaintext []byte, optionCount uint64) (uint64, TicketStatus) {
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return 0, StatusNonNumeric
	}

	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, StatusNonNumeric
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if _, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return 0, StatusOutOfRange
		}
		return 0, StatusNonNumeric
	}
	if n < 1 || uint64(n) > optionCount {
		return 0, StatusOutOfRange
	}
	return uint64(n), StatusValid
}
