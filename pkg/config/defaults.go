package config

const (
	defaultConfigPath        = "~/.config/vocabsync/config.toml"
	defaultDatabasePath      = "~/.local/share/vocabsync/cache.db"
	defaultProfile           = "Default"
	defaultAnkiURL           = "http://127.0.0.1:8765"
	defaultLogLevel          = "info"
	defaultLogFormat         = "console"
	defaultAPIBind           = "127.0.0.1:8766"
	defaultInitialLookahead  = 10
	defaultLookahead         = 100
	defaultTickMillis        = 500
	defaultRecentPollSeconds = 10
	defaultErrorRetrySeconds = 10
	defaultBuildInterval     = 1
	defaultMatureCutoff      = 21
	defaultTokenizer         = TokenizerKagome
	defaultScanLength        = 16
	defaultMatch             = "LEMMA_OR_EXACT_FORM"
	defaultPriority          = "EXACT"
	defaultTreatSuspended    = "NORMAL"
)

// Tokenizer kinds.
const (
	TokenizerKagome  = "kagome"
	TokenizerYomitan = "yomitan"
)

// Default returns the configuration used when no file is present. It has no tracks;
// Load adds DefaultTrack when the file configures none.
func Default() Config {
	return Config{
		Profile:  defaultProfile,
		Database: Database{Path: defaultDatabasePath},
		Anki:     Anki{URL: defaultAnkiURL},
		Logging:  Logging{Level: defaultLogLevel, Format: defaultLogFormat},
		API:      API{Bind: defaultAPIBind},
		Coloring: Coloring{
			InitialLookahead:   defaultInitialLookahead,
			Lookahead:          defaultLookahead,
			TickMillis:         defaultTickMillis,
			RecentPollSeconds:  defaultRecentPollSeconds,
			ErrorRetrySeconds:  defaultErrorRetrySeconds,
			BuildIntervalHours: defaultBuildInterval,
		},
	}
}

// DefaultTrack is a single track reading the Word and Sentence fields of every deck.
func DefaultTrack() Track {
	return Track{
		WordFields:     []string{"Word"},
		SentenceFields: []string{"Sentence"},
	}
}
