package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type TxKind string

const (
	TxCreateElection TxKind = "create_election"
	TxCastBallot     TxKind = "cast_ballot"
	TxCloseElection  TxKind = "close_election"
)

// Transaction is one accepted mutation, stored as the data of a Block.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      TxKind          `json:"kind"`
	Caller    common.Address  `json:"caller"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type CreateElectionPayload struct {
	Name          string   `json:"name"`
	OrganizerName string   `json:"organizer_name"`
	PublicKey     string   `json:"public_key"`
	Options       []string `json:"options"`
}

type CastBallotPayload struct {
	ElectionID      uint64 `json:"election_id"`
	EncryptedBallot string `json:"encrypted_ballot"`
	Signature       string `json:"signature"`
}

type CloseElectionPayload struct {
	ElectionID uint64   `json:"election_id"`
	PrivateKey string   `json:"private_key"`
	Tally      []uint64 `json:"tally"`
}

func NewTransaction(kind TxKind, caller common.Address, payload interface{}) (*Transaction, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &Transaction{
		ID:        uuid.New().String(),
		Kind:      kind,
		Caller:    caller,
		Timestamp: time.Now().UnixNano(),
		Payload:   data,
	}, nil
}

// Decode unmarshals the payload into v.
func (tx *Transaction) Decode(v interface{}) error {
	if err := json.Unmarshal(tx.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s transaction %s: %w", tx.Kind, tx.ID, err)
	}
	return nil
}
