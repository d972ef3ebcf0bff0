package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/ankicache"
	"github.com/japaniel/vocabsync/pkg/coloring"
	"github.com/japaniel/vocabsync/pkg/config"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/logging"
	"github.com/japaniel/vocabsync/pkg/match"
	"github.com/japaniel/vocabsync/pkg/observe"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
)

type commandContext struct {
	configFlag   string
	profileFlag  string
	logLevelFlag string

	// client and newTokenizer replace the configured services when set.
	client       anki.Client
	newTokenizer func(config.Track) (tokenizer.Tokenizer, error)
	logOutput    io.Writer

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	configErr  error

	tokenizerOnce sync.Once
	tokenizers    []tokenizer.Tokenizer
	tokenizerErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if p := strings.TrimSpace(c.profileFlag); p != "" {
			cfg.Profile = p
		}
		if l := strings.TrimSpace(c.logLevelFlag); l != "" {
			cfg.Logging.Level = strings.ToLower(l)
		}
		out := c.logOutput
		if out == nil {
			out = os.Stderr
		}
		logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: out})
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger.With(slog.String(logging.FieldProfile, cfg.Profile))
	})
	return c.config, c.configErr
}

func (c *commandContext) componentLogger(name string) *slog.Logger {
	if c.logger == nil {
		return logging.NewNop()
	}
	return logging.Component(c.logger, name)
}

func (c *commandContext) openDB() (*sql.DB, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Database.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	conn, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return conn, nil
}

func (c *commandContext) ankiClient() anki.Client {
	if c.client != nil {
		return c.client
	}
	client := anki.NewHTTPClient(c.config.Anki.URL)
	client.Key = c.config.Anki.Key
	return client
}

// trackTokenizers returns one tokenizer per configured track. Kagome tracks share one
// analyzer.
func (c *commandContext) trackTokenizers() ([]tokenizer.Tokenizer, error) {
	c.tokenizerOnce.Do(func() {
		var kagome *tokenizer.Kagome
		for i, tr := range c.config.Tracks {
			var (
				tok tokenizer.Tokenizer
				err error
			)
			switch {
			case c.newTokenizer != nil:
				tok, err = c.newTokenizer(tr)
			case tr.Tokenizer == config.TokenizerYomitan:
				tok = tokenizer.NewYomitan(tr.TokenizerURL, tr.ScanLength)
			default:
				if kagome == nil {
					kagome, err = tokenizer.NewKagome()
				}
				tok = kagome
			}
			if err != nil {
				c.tokenizerErr = fmt.Errorf("track %d tokenizer: %w", i+1, err)
				return
			}
			c.tokenizers = append(c.tokenizers, tok)
		}
	})
	return c.tokenizers, c.tokenizerErr
}

func (c *commandContext) buildTracks() ([]ankicache.Track, error) {
	toks, err := c.trackTokenizers()
	if err != nil {
		return nil, err
	}
	tracks := make([]ankicache.Track, 0, len(c.config.Tracks))
	for i, tr := range c.config.Tracks {
		tracks = append(tracks, ankicache.Track{
			Index:          i,
			Disabled:       tr.Disabled,
			Decks:          tr.Decks,
			WordFields:     tr.WordFields,
			SentenceFields: tr.SentenceFields,
			MatureCutoff:   tr.MatureCutoff,
			Tokenizer:      toks[i],
			Fingerprint:    tr.Fingerprint(c.config.Anki.URL),
		})
	}
	return tracks, nil
}

func (c *commandContext) newBuilder(conn *sql.DB) *ankicache.Builder {
	b := ankicache.NewBuilder(conn, c.ankiClient(), c.config.Profile)
	b.Logger = c.componentLogger("build")
	b.Metrics = observe.Default()
	return b
}

// runBuild runs one build of every configured track.
func (c *commandContext) runBuild(ctx context.Context, conn *sql.DB, emit ankicache.Sink) (ankicache.Stats, []string, error) {
	tracks, err := c.buildTracks()
	if err != nil {
		return ankicache.Stats{}, nil, err
	}
	return c.newBuilder(conn).Build(ctx, tracks, emit)
}

// coloringTracks wires each configured track to the cache. With live set, tokens missing
// from the cache are searched in the card store.
func (c *commandContext) coloringTracks(conn *sql.DB, live bool) ([]coloring.Track, error) {
	toks, err := c.trackTokenizers()
	if err != nil {
		return nil, err
	}
	tracks := make([]coloring.Track, 0, len(c.config.Tracks))
	for i, tr := range c.config.Tracks {
		mc, err := tr.MatchConfig()
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", i+1, err)
		}
		var lookup match.Lookup = match.Store{DB: conn, Profile: c.config.Profile, Track: i}
		if live {
			lookup = match.Fallback{Primary: lookup, Secondary: &match.Live{
				Client:         c.ankiClient(),
				Tokenizer:      toks[i],
				Decks:          tr.Decks,
				WordFields:     tr.WordFields,
				SentenceFields: tr.SentenceFields,
				MatureCutoff:   tr.MatureCutoff,
				ConfirmLemmas:  mc.SentenceStrategy.UsesLemma(),
			}}
		}
		tracks = append(tracks, coloring.Track{
			Disabled:  tr.Disabled,
			Tokenizer: toks[i],
			Lookup:    lookup,
			Match:     mc,
			Fields:    append(append([]string(nil), tr.WordFields...), tr.SentenceFields...),
		})
	}
	return tracks, nil
}

func (c *commandContext) newEngine(conn *sql.DB, live bool) (*coloring.Engine, error) {
	tracks, err := c.coloringTracks(conn, live)
	if err != nil {
		return nil, err
	}
	cc := c.config.Coloring
	e := coloring.New(c.config.Profile, tracks)
	e.DB = conn
	e.Logger = c.componentLogger("coloring")
	e.Metrics = observe.Default()
	e.InitialLookahead = cc.InitialLookahead
	e.Lookahead = cc.Lookahead
	e.TickInterval = time.Duration(cc.TickMillis) * time.Millisecond
	e.RecentPoll = time.Duration(cc.RecentPollSeconds) * time.Second
	e.ErrorRetry = time.Duration(cc.ErrorRetrySeconds) * time.Second
	return e, nil
}

// parseTrack converts a one-based track argument into a zero-based index.
func (c *commandContext) parseTrack(value int) (int, error) {
	if value < 1 || value > len(c.config.Tracks) {
		return 0, fmt.Errorf("track %d out of range (1-%d)", value, len(c.config.Tracks))
	}
	return value - 1, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func itoa(v int) string { return strconv.Itoa(v) }
