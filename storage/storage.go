package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const archiveTimeLayout = "20060102T150405.000000000"

// BundleArchive writes timestamped JSON documents per election under
// dataDir as election_<id>_<timestamp>.json and keeps the newest few.
type BundleArchive struct {
	dataDir string
	keep    int
	mutex   sync.RWMutex
}

type archiveFile struct {
	path      string
	timestamp time.Time
}

func NewBundleArchive(dataDir string, keep int) (*BundleArchive, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if keep < 1 {
		keep = 1
	}
	return &BundleArchive{dataDir: absPath, keep: keep}, nil
}

func (a *BundleArchive) Dir() string {
	return a.dataDir
}

// Save encodes v as the newest document for electionID and returns its path.
func (a *BundleArchive) Save(electionID uint64, v interface{}) (string, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stamp := time.Now().UTC().Format(archiveTimeLayout)
	filename := filepath.Join(a.dataDir, fmt.Sprintf("election_%d_%s.json", electionID, stamp))

	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode bundle: %w", err)
	}
	tempPath := filename + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tempPath, filename); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to save bundle: %w", err)
	}

	if err := a.cleanupOldFiles(electionID); err != nil {
		log.Warn().Err(err).Uint64("election", electionID).Msg("failed to clean up old bundles")
	}

	log.Info().Uint64("election", electionID).Str("path", filename).Msg("saved audit bundle")
	return filename, nil
}

// LoadLatest decodes the newest document for electionID into v. It returns
// os.ErrNotExist when nothing was archived.
func (a *BundleArchive) LoadLatest(electionID uint64, v interface{}) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	files, err := a.listFiles(electionID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no bundle for election %d: %w", electionID, os.ErrNotExist)
	}
	latest := files[len(files)-1].path

	data, err := os.ReadFile(latest)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", latest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", latest, err)
	}
	return nil
}

// listFiles returns the archived files of electionID, oldest first.
func (a *BundleArchive) listFiles(electionID uint64) ([]archiveFile, error) {
	prefix := fmt.Sprintf("election_%d_", electionID)
	matches, err := filepath.Glob(filepath.Join(a.dataDir, prefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var files []archiveFile
	for _, file := range matches {
		base := filepath.Base(file)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, prefix), ".json")
		ts, err := time.Parse(archiveTimeLayout, stamp)
		if err != nil {
			log.Warn().Str("file", base).Err(err).Msg("invalid timestamp in bundle filename")
			continue
		}
		files = append(files, archiveFile{path: file, timestamp: ts})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].timestamp.Before(files[j].timestamp)
	})
	return files, nil
}

func (a *BundleArchive) cleanupOldFiles(electionID uint64) error {
	files, err := a.listFiles(electionID)
	if err != nil {
		return err
	}
	for i := 0; i < len(files)-a.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			log.Warn().Str("file", files[i].path).Err(err).Msg("failed to remove old bundle")
		} else {
			log.Debug().Str("file", files[i].path).Msg("removed old bundle")
		}
	}
	return nil
}
