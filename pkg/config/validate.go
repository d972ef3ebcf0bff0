package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/japaniel/vocabsync/pkg/match"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

func (c *Config) normalize() error {
	c.Profile = strings.TrimSpace(c.Profile)
	if c.Profile == "" {
		c.Profile = defaultProfile
	}
	var err error
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.Database.Path, err = ExpandPath(c.Database.Path); err != nil {
		return fmt.Errorf("database.path: %w", err)
	}
	c.Anki.URL = strings.TrimRight(strings.TrimSpace(c.Anki.URL), "/")
	if c.Anki.URL == "" {
		c.Anki.URL = defaultAnkiURL
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	setDefault(&c.Coloring.InitialLookahead, defaultInitialLookahead)
	setDefault(&c.Coloring.Lookahead, defaultLookahead)
	setDefault(&c.Coloring.TickMillis, defaultTickMillis)
	setDefault(&c.Coloring.RecentPollSeconds, defaultRecentPollSeconds)
	setDefault(&c.Coloring.ErrorRetrySeconds, defaultErrorRetrySeconds)
	setDefault(&c.Coloring.BuildIntervalHours, defaultBuildInterval)

	if len(c.Tracks) == 0 {
		c.Tracks = []Track{DefaultTrack()}
	}
	for i := range c.Tracks {
		c.Tracks[i].normalize()
	}
	return nil
}

func (t *Track) normalize() {
	t.Decks = trimAll(t.Decks)
	t.WordFields = trimAll(t.WordFields)
	t.SentenceFields = trimAll(t.SentenceFields)
	setDefault(&t.MatureCutoff, defaultMatureCutoff)
	t.Tokenizer = strings.ToLower(strings.TrimSpace(t.Tokenizer))
	if t.Tokenizer == "" {
		t.Tokenizer = defaultTokenizer
	}
	setDefault(&t.ScanLength, defaultScanLength)
	t.WordMatch = upperOr(t.WordMatch, defaultMatch)
	t.SentenceMatch = upperOr(t.SentenceMatch, defaultMatch)
	t.Priority = upperOr(t.Priority, defaultPriority)
	t.TreatSuspended = upperOr(t.TreatSuspended, defaultTreatSuspended)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must be set"))
	}
	if u, err := url.Parse(c.Anki.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("anki.url %q is not an absolute URL", c.Anki.URL))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is unknown", c.Logging.Level))
	}
	if c.Coloring.Lookahead < c.Coloring.InitialLookahead {
		errs = append(errs, errors.New("coloring.lookahead must not be smaller than coloring.initial_lookahead"))
	}
	for i, t := range c.Tracks {
		if err := t.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (t Track) validate() error {
	var errs []error
	if t.MatureCutoff < 1 {
		errs = append(errs, errors.New("mature_cutoff must be positive"))
	}
	switch t.Tokenizer {
	case TokenizerKagome:
	case TokenizerYomitan:
		if t.TokenizerURL == "" {
			errs = append(errs, errors.New("tokenizer_url is required for yomitan"))
		}
	default:
		errs = append(errs, fmt.Errorf("tokenizer %q must be kagome or yomitan", t.Tokenizer))
	}
	if _, err := t.MatchConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MatchConfig converts the query-time settings of t.
func (t Track) MatchConfig() (match.Config, error) {
	cfg := match.Config{
		WordStrategy:     vocab.MatchStrategy(t.WordMatch),
		SentenceStrategy: vocab.MatchStrategy(t.SentenceMatch),
		Priority:         vocab.Priority(t.Priority),
		TreatSuspended:   vocab.TreatSuspended{Normal: true},
	}
	if t.TreatSuspended != "" && t.TreatSuspended != defaultTreatSuspended {
		s, err := vocab.ParseStatus(t.TreatSuspended)
		if err != nil {
			return match.Config{}, fmt.Errorf("treat_suspended: %w", err)
		}
		cfg.TreatSuspended = vocab.TreatSuspended{Status: s}
	}
	if err := cfg.Validate(); err != nil {
		return match.Config{}, err
	}
	return cfg, nil
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func upperOr(v, def string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
