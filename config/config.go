// Package config reads server settings from flags, with defaults taken from
// the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StorageDir      string
	Port            int
	Difficulty      uint8
	QueueSize       int
	ProcessingDelay time.Duration
	ArchiveKeep     int
	StrictTally     bool
	LogLevel        string
	LogPretty       bool
}

// Load parses args. Environment variables (ELECTION_STORAGE, PORT,
// DIFFICULTY, QUEUE_SIZE, ARCHIVE_KEEP, STRICT_TALLY, LOG_LEVEL, LOG_PRETTY)
// set the defaults; envFiles are loaded first when they exist.
func Load(args []string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	config := &Config{}
	fs := flag.NewFlagSet("election-ledger", flag.ContinueOnError)

	fs.StringVar(&config.StorageDir, "storage", envString("ELECTION_STORAGE", "data"), "Directory for chain and bundle storage")
	fs.IntVar(&config.Port, "port", envInt("PORT", 8080), "Server port")
	fs.IntVar(&config.QueueSize, "queue", envInt("QUEUE_SIZE", 256), "Transaction queue size")
	fs.DurationVar(&config.ProcessingDelay, "delay", 0, "Artificial delay per transaction (benchmarking)")
	fs.IntVar(&config.ArchiveKeep, "archive-keep", envInt("ARCHIVE_KEEP", 5), "Audit bundles kept per election")
	fs.BoolVar(&config.StrictTally, "strict-tally", envBool("STRICT_TALLY", false), "Reject tallies counting more ballots than were cast")
	fs.StringVar(&config.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "Log level")
	fs.BoolVar(&config.LogPretty, "log-pretty", envBool("LOG_PRETTY", false), "Human readable console logs")

	var difficultyInt int
	fs.IntVar(&difficultyInt, "difficulty", envInt("DIFFICULTY", 1), "Mining difficulty in leading zero bytes (0-255)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if difficultyInt < 0 || difficultyInt > 255 {
		return nil, errors.New("difficulty must be between 0 and 255")
	}
	config.Difficulty = uint8(difficultyInt)

	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}
	if config.QueueSize < 1 {
		return nil, errors.New("queue size must be positive")
	}
	return config, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
