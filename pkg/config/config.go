// Package config loads vocabsync settings from a TOML file, a .env file and environment
// overrides.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// SampleConfig returns a commented configuration file.
func SampleConfig() string { return sampleConfig }

// Database locates the sqlite cache.
type Database struct {
	Path string `toml:"path"`
}

// Anki configures the AnkiConnect endpoint.
type Anki struct {
	URL string `toml:"url"`
	Key string `toml:"key"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// API configures the HTTP query API.
type API struct {
	Bind string `toml:"bind"`
}

// Coloring configures the realtime coloring loop.
type Coloring struct {
	InitialLookahead   int `toml:"initial_lookahead"`
	Lookahead          int `toml:"lookahead"`
	TickMillis         int `toml:"tick_millis"`
	RecentPollSeconds  int `toml:"recent_poll_seconds"`
	ErrorRetrySeconds  int `toml:"error_retry_seconds"`
	BuildIntervalHours int `toml:"build_interval_hours"`
}

// Track configures one vocabulary track.
type Track struct {
	Disabled       bool     `toml:"disabled"`
	Decks          []string `toml:"decks"`
	WordFields     []string `toml:"word_fields"`
	SentenceFields []string `toml:"sentence_fields"`
	MatureCutoff   int      `toml:"mature_cutoff"`
	Tokenizer      string   `toml:"tokenizer"`
	TokenizerURL   string   `toml:"tokenizer_url"`
	ScanLength     int      `toml:"scan_length"`
	WordMatch      string   `toml:"word_match"`
	SentenceMatch  string   `toml:"sentence_match"`
	Priority       string   `toml:"priority"`
	// TreatSuspended is NORMAL or the status given to tokens whose cards are all suspended.
	TreatSuspended string `toml:"treat_suspended"`
}

// Config is the full vocabsync configuration.
type Config struct {
	Profile  string   `toml:"profile"`
	Database Database `toml:"database"`
	Anki     Anki     `toml:"anki"`
	Logging  Logging  `toml:"logging"`
	API      API      `toml:"api"`
	Coloring Coloring `toml:"coloring"`
	Tracks   []Track  `toml:"tracks"`
}

// Environment variables overriding file values.
const (
	EnvDB       = "VOCABSYNC_DB"
	EnvAnkiURL  = "VOCABSYNC_ANKI_URL"
	EnvProfile  = "VOCABSYNC_PROFILE"
	EnvLogLevel = "VOCABSYNC_LOG_LEVEL"
)

// DefaultConfigPath returns the absolute path of the default configuration file.
func DefaultConfigPath() (string, error) {
	return ExpandPath(defaultConfigPath)
}

// Load reads path (or the default location when empty), applies .env and environment
// overrides, then normalizes and validates the result. It also reports the resolved path
// and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg := Default()
	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDB); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvAnkiURL); v != "" {
		c.Anki.URL = v
	}
	if v := os.Getenv(EnvProfile); v != "" {
		c.Profile = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// ExpandPath resolves "~" and relative paths to an absolute path. ":memory:" is kept as is.
func ExpandPath(value string) (string, error) {
	if value == "" || value == ":memory:" {
		return value, nil
	}
	if strings.HasPrefix(value, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if value == "~" {
			value = home
		} else if len(value) > 1 && (value[1] == '/' || value[1] == '\\') {
			value = filepath.Join(home, value[2:])
		}
	}
	abs, err := filepath.Abs(filepath.Clean(value))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", value, err)
	}
	return abs, nil
}

// fingerprint lists every setting the cached tokens and card statuses depend on.
type fingerprint struct {
	AnkiURL        string   `json:"ankiUrl"`
	Tokenizer      string   `json:"tokenizer"`
	TokenizerURL   string   `json:"tokenizerUrl"`
	ScanLength     int      `json:"scanLength"`
	Decks          []string `json:"decks"`
	WordFields     []string `json:"wordFields"`
	SentenceFields []string `json:"sentenceFields"`
	MatureCutoff   int      `json:"matureCutoff"`
}

// Fingerprint serializes the build dependencies of t. Match strategies and suspension
// handling are applied at query time and are left out.
func (t Track) Fingerprint(ankiURL string) string {
	b, err := json.Marshal(fingerprint{
		AnkiURL:        ankiURL,
		Tokenizer:      t.Tokenizer,
		TokenizerURL:   t.TokenizerURL,
		ScanLength:     t.ScanLength,
		Decks:          nonNil(t.Decks),
		WordFields:     nonNil(t.WordFields),
		SentenceFields: nonNil(t.SentenceFields),
		MatureCutoff:   t.MatureCutoff,
	})
	if err != nil {
		// Only strings, slices and ints are marshalled.
		panic(err)
	}
	return string(b)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
