// Package txchain is the durable ledger: every accepted transaction is mined
// into its own block, linked to the previous one and persisted.
package txchain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"election-ledger/models"
	"election-ledger/storage"
)

const ChainName = "tx"

var ErrBrokenChain = errors.New("transaction chain is broken")

type Chain struct {
	store      *storage.JSONStore
	difficulty uint8
	mutex      sync.RWMutex
	blocks     []*models.Block
}

// New loads the persisted chain from store and validates it.
func New(store *storage.JSONStore, difficulty uint8) (*Chain, error) {
	blocks, err := store.LoadChain(ChainName)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	if err := models.ValidateChain(blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokenChain, err)
	}

	log.Info().Int("blocks", len(blocks)).Uint8("difficulty", difficulty).Msg("loaded transaction chain")
	return &Chain{
		store:      store,
		difficulty: difficulty,
		blocks:     blocks,
	}, nil
}

// Append mines a block for tx and persists it. The in-memory chain only
// grows once the block is on disk.
func (c *Chain) Append(tx *models.Transaction) (*models.Block, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var (
		index    uint64
		prevHash []byte
		ts       = time.Now().UnixNano()
	)
	if n := len(c.blocks); n > 0 {
		last := c.blocks[n-1]
		index = last.Index + 1
		prevHash = last.Hash
		if ts <= last.Timestamp {
			ts = last.Timestamp + 1
		}
	}

	block := models.NewBlock(index, ts, data, prevHash, c.difficulty)
	if err := c.store.SaveBlock(ChainName, block); err != nil {
		return nil, fmt.Errorf("failed to save block %d: %w", index, err)
	}
	c.blocks = append(c.blocks, block)

	log.Debug().
		Uint64("index", block.Index).
		Str("tx", tx.ID).
		Str("kind", string(tx.Kind)).
		Str("hash", hex.EncodeToString(block.Hash)).
		Uint64("nonce", block.Nonce).
		Msg("block appended")
	return block, nil
}

func (c *Chain) Blocks() []*models.Block {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]*models.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c *Chain) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.blocks)
}

func (c *Chain) LastHash() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if len(c.blocks) == 0 {
		return ""
	}
	return hex.EncodeToString(c.blocks[len(c.blocks)-1].Hash)
}

func (c *Chain) Validate() error {
	if err := models.ValidateChain(c.Blocks()); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenChain, err)
	}
	return nil
}

// Transactions decodes every block in chain order.
func (c *Chain) Transactions() ([]*models.Transaction, error) {
	blocks := c.Blocks()
	txs := make([]*models.Transaction, 0, len(blocks))
	for _, b := range blocks {
		var tx models.Transaction
		if err := json.Unmarshal(b.Data, &tx); err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrBrokenChain, b.Index, err)
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}
