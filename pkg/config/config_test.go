package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatalf("expected missing file")
	}
	if resolved != path {
		t.Fatalf("resolved %q, want %q", resolved, path)
	}
	if cfg.Profile != "Default" || cfg.Anki.URL != defaultAnkiURL {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Tracks) != 1 {
		t.Fatalf("expected the default track, got %d", len(cfg.Tracks))
	}
	tr := cfg.Tracks[0]
	if tr.MatureCutoff != 21 || tr.Tokenizer != TokenizerKagome || tr.Priority != "EXACT" {
		t.Fatalf("track defaults not applied: %+v", tr)
	}
}

func TestLoadParsesTracks(t *testing.T) {
	path := writeConfig(t, `
profile = "User 1"

[anki]
url = "http://localhost:9999/"

[[tracks]]
decks = ["Japanese", " "]
word_fields = ["Expression"]
sentence_fields = []
mature_cutoff = 30
word_match = "exact_form"
priority = "least_known"
treat_suspended = "unknown"

[[tracks]]
disabled = true
tokenizer = "yomitan"
tokenizer_url = "http://127.0.0.1:19633"
`)
	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatalf("expected file to exist")
	}
	if cfg.Profile != "User 1" {
		t.Fatalf("profile %q", cfg.Profile)
	}
	if cfg.Anki.URL != "http://localhost:9999" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.Anki.URL)
	}
	if len(cfg.Tracks) != 2 {
		t.Fatalf("got %d tracks", len(cfg.Tracks))
	}
	first := cfg.Tracks[0]
	if len(first.Decks) != 1 || first.Decks[0] != "Japanese" {
		t.Fatalf("decks not trimmed: %q", first.Decks)
	}
	mc, err := first.MatchConfig()
	if err != nil {
		t.Fatalf("MatchConfig: %v", err)
	}
	if mc.WordStrategy != vocab.MatchExact || mc.SentenceStrategy != vocab.MatchLemmaOrExact {
		t.Fatalf("strategies: %+v", mc)
	}
	if mc.Priority != vocab.PriorityLeastKnown {
		t.Fatalf("priority %q", mc.Priority)
	}
	if mc.TreatSuspended.Normal || mc.TreatSuspended.Status != vocab.Unknown {
		t.Fatalf("treat suspended: %+v", mc.TreatSuspended)
	}
	second := cfg.Tracks[1]
	if !second.Disabled || second.Tokenizer != TokenizerYomitan {
		t.Fatalf("second track: %+v", second)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "colour = \"red\"\n")
	if _, _, _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestEnvOverrides(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv(EnvDB, dbPath)
	t.Setenv(EnvProfile, "Env Profile")
	t.Setenv(EnvAnkiURL, "http://anki.local:8765")
	t.Setenv(EnvLogLevel, "DEBUG")

	path := writeConfig(t, "profile = \"File Profile\"\n")
	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != dbPath {
		t.Fatalf("db path %q", cfg.Database.Path)
	}
	if cfg.Profile != "Env Profile" {
		t.Fatalf("profile %q", cfg.Profile)
	}
	if cfg.Anki.URL != "http://anki.local:8765" {
		t.Fatalf("anki url %q", cfg.Anki.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level %q", cfg.Logging.Level)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Anki.URL = "not a url"
	cfg.Logging.Format = "xml"
	cfg.Tracks = []Track{{Tokenizer: "yomitan", WordMatch: "FUZZY"}}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"anki.url", "logging.format", "tokenizer_url", "FUZZY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	base := DefaultTrack()
	base.normalize()
	fp := base.Fingerprint(defaultAnkiURL)

	same := DefaultTrack()
	same.normalize()
	same.Priority = "BEST_KNOWN"
	same.TreatSuspended = "UNKNOWN"
	if got := same.Fingerprint(defaultAnkiURL); got != fp {
		t.Fatalf("query-time settings changed the fingerprint:\n%s\n%s", got, fp)
	}

	changed := base
	changed.MatureCutoff = 60
	if changed.Fingerprint(defaultAnkiURL) == fp {
		t.Fatalf("mature cutoff did not change the fingerprint")
	}
	if base.Fingerprint("http://other:8765") == fp {
		t.Fatalf("anki url did not change the fingerprint")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandPath("~/vocab/cache.db")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if want := filepath.Join(home, "vocab", "cache.db"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, _ := ExpandPath(":memory:"); got != ":memory:" {
		t.Fatalf("memory path rewritten to %q", got)
	}
}

func TestSampleConfigLoads(t *testing.T) {
	path := writeConfig(t, SampleConfig())
	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if len(cfg.Tracks) != 1 || cfg.Tracks[0].WordFields[0] != "Word" {
		t.Fatalf("unexpected sample tracks: %+v", cfg.Tracks)
	}
}
