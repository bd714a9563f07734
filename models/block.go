package models

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

var ErrInvalidBlock = errors.New("invalid block")

// Block wraps one committed transaction. Blocks are linked by PrevHash and
// mined until Hash has Difficulty leading zero bytes.
type Block struct {
	Index      uint64 `json:"index"`
	Timestamp  int64  `json:"timestamp"`
	Data       []byte `json:"data"`
	PrevHash   []byte `json:"prev_hash"`
	Hash       []byte `json:"hash"`
	Nonce      uint64 `json:"nonce"`
	Difficulty uint8  `json:"difficulty"`
}

// NewBlock builds and mines a block. timestamp must be later than the
// previous block's.
func NewBlock(index uint64, timestamp int64, data []byte, prevHash []byte, difficulty uint8) *Block {
	block := &Block{
		Index:      index,
		Timestamp:  timestamp,
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}
	block.Mine()
	return block
}

func (b *Block) Mine() {
	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()
		if bytes.HasPrefix(b.Hash, target) {
			return
		}

		nonce++
		if nonce%1000 == 0 {
			time.Sleep(time.Microsecond)
		}
	}
}

func (b *Block) calculateHash() []byte {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Index)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(b.Timestamp))
	h.Write(buf[:])
	h.Write(b.Data)
	h.Write(b.PrevHash)
	binary.BigEndian.PutUint64(buf[:], b.Nonce)
	h.Write(buf[:])
	h.Write([]byte{b.Difficulty})
	return h.Sum(nil)
}

// Validate checks the stored hash and the proof of work.
func (b *Block) Validate() bool {
	calculated := b.calculateHash()
	if !bytes.Equal(calculated, b.Hash) {
		return false
	}
	return bytes.HasPrefix(calculated, make([]byte, b.Difficulty))
}

// ValidateChain checks every block and every link. The returned error names
// the first block that breaks the chain.
func ValidateChain(blocks []*Block) error {
	for i, current := range blocks {
		if !current.Validate() {
			return fmt.Errorf("%w: block %d has invalid hash", ErrInvalidBlock, i)
		}
		if i == 0 {
			if current.Index != 0 || len(current.PrevHash) != 0 {
				return fmt.Errorf("%w: block 0 is not a genesis block", ErrInvalidBlock)
			}
			continue
		}

		previous := blocks[i-1]
		if !bytes.Equal(current.PrevHash, previous.Hash) {
			return fmt.Errorf("%w: block %d has invalid previous hash link", ErrInvalidBlock, i)
		}
		if current.Index != previous.Index+1 {
			return fmt.Errorf("%w: block %d has invalid index", ErrInvalidBlock, i)
		}
		if current.Timestamp <= previous.Timestamp {
			return fmt.Errorf("%w: block %d has invalid timestamp", ErrInvalidBlock, i)
		}
	}
	return nil
}
