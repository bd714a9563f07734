package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"election-ledger/models"
)

// Chain is the on-disk form of a block chain.
type Chain struct {
	Blocks []*models.Block `json:"blocks"`
}

// JSONStore keeps named chains in memory and mirrors each one to
// <name>_chain.json, rewriting the file atomically on every append.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
	chains   map[string]*Chain
}

func NewJSONStore(basePath string, names ...string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath: basePath,
		chains:   make(map[string]*Chain),
	}
	for _, name := range names {
		chain, err := store.loadChainFromFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load chain %s: %w", name, err)
		}
		store.chains[name] = chain
	}
	return store, nil
}

func (s *JSONStore) SaveBlock(name string, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, exists := s.chains[name]
	if !exists {
		chain = &Chain{Blocks: make([]*models.Block, 0)}
		s.chains[name] = chain
	}

	next := &Chain{Blocks: append(chain.Blocks[:len(chain.Blocks):len(chain.Blocks)], block)}
	if err := s.saveChainToFile(name, next); err != nil {
		return err
	}
	s.chains[name] = next
	return nil
}

func (s *JSONStore) LoadChain(name string) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, exists := s.chains[name]
	if !exists || chain == nil {
		return make([]*models.Block, 0), nil
	}

	blocks := make([]*models.Block, len(chain.Blocks))
	copy(blocks, chain.Blocks)
	return blocks, nil
}

func (s *JSONStore) path(name string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s_chain.json", name))
}

func (s *JSONStore) loadChainFromFile(name string) (*Chain, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return &Chain{Blocks: make([]*models.Block, 0)}, nil
		}
		return nil, err
	}

	var chain Chain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
	}
	if chain.Blocks == nil {
		chain.Blocks = make([]*models.Block, 0)
	}
	return &chain, nil
}

func (s *JSONStore) saveChainToFile(name string, chain *Chain) error {
	path := s.path(name)

	data, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write chain file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save chain file: %w", err)
	}
	return nil
}
