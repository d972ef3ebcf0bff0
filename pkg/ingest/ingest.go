// Package ingest re-tokenizes modified cards and writes their token and card records in
// fixed-size, individually committed batches.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/diff"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

// DefaultBatchSize is the number of cards tokenized and committed together.
const DefaultBatchSize = 100

// Track is the tokenization setup of one track.
type Track struct {
	Index          int
	WordFields     []string
	SentenceFields []string
	Tokenizer      tokenizer.Tokenizer
}

func (t Track) fields(src vocab.Source) []string {
	if src == vocab.SourceWordField {
		return t.WordFields
	}
	return t.SentenceFields
}

var cardSources = []vocab.Source{vocab.SourceWordField, vocab.SourceSentenceField}

// Builder turns modified cards into token and card records.
type Builder struct {
	DB        *sql.DB
	Profile   string
	BatchSize int
	// Workers bounds concurrent tokenizer calls within a batch.
	Workers int
	// Guard runs inside every batch transaction before any write, typically a lease
	// health check. An error aborts the build without writing the batch.
	Guard WriteFunc
	// OnBatch is called after each committed batch with the number of cards done so far.
	// An error aborts the build.
	OnBatch func(ctx context.Context, done, total int) error
	Logger  *slog.Logger

	// PoolFactory allows tests to inject custom worker pool implementations.
	PoolFactory func(workers, queue int) Pool
}

// NewBuilder creates a Builder with default batch size and worker count.
func NewBuilder(conn *sql.DB, profile string) *Builder {
	return &Builder{
		DB:        conn,
		Profile:   db.ProfileOrDefault(profile),
		BatchSize: DefaultBatchSize,
		Workers:   4,
	}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// tokenEntry is one token produced by a batch for a (track, source).
type tokenEntry struct {
	lemmas []string
	cards  map[int64]bool
}

type sourceKey struct {
	track  int
	source vocab.Source
}

// batchTokens maps (track, source) to the tokens produced from the batch.
type batchTokens map[sourceKey]map[string]*tokenEntry

// Build processes cards in batches. statuses holds, per track, the classified status of
// each card belonging to it. Every token and lemma written or detached is added to
// touched. It returns the number of cards committed; earlier batches stay committed when
// a later one fails.
func (b *Builder) Build(ctx context.Context, tracks []Track, cards []diff.Card, statuses map[int]map[int64]vocab.Status, touched vocab.TokenSet) (int, error) {
	size := b.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	bw := NewBatchWriter(b.DB)
	bw.Guard = b.Guard
	done := 0
	for start := 0; start < len(cards); start += size {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		batch := cards[start:min(start+size, len(cards))]
		tokens, err := b.tokenize(ctx, tracks, batch)
		if err != nil {
			return done, err
		}
		if err := bw.Submit(func(ctx context.Context, tx *sql.Tx) error {
			return b.write(ctx, tx, tracks, batch, tokens, statuses, touched)
		}); err != nil {
			return done, err
		}
		if err := bw.Flush(ctx); err != nil {
			return done, err
		}
		done += len(batch)
		b.logger().Debug("token batch committed", "profile", b.Profile, "cards", len(batch), "done", done, "total", len(cards))
		if b.OnBatch != nil {
			if err := b.OnBatch(ctx, done, len(cards)); err != nil {
				return done, err
			}
		}
	}
	return done, nil
}

// tokenize splits every relevant field of batch for every track. Lemmatization results are
// shared across the batch and dropped afterwards.
func (b *Builder) tokenize(ctx context.Context, tracks []Track, batch []diff.Card) (batchTokens, error) {
	workers := b.Workers
	if workers <= 0 {
		workers = 1
	}
	var pool Pool
	if b.PoolFactory != nil {
		pool = b.PoolFactory(workers, workers*2)
	} else {
		pool = NewWorkerPool(workers, workers*2)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(ctx)

	out := make(batchTokens)
	var mu sync.Mutex
	add := func(key sourceKey, cardID int64, token string, lemmas []string) {
		mu.Lock()
		defer mu.Unlock()
		m := out[key]
		if m == nil {
			m = make(map[string]*tokenEntry)
			out[key] = m
		}
		e := m[token]
		if e == nil {
			e = &tokenEntry{lemmas: lemmas, cards: make(map[int64]bool)}
			m[token] = e
		}
		e.cards[cardID] = true
	}

	var submitErr error
Submit:
	for _, t := range tracks {
		memo := tokenizer.NewMemo(t.Tokenizer)
		for _, src := range cardSources {
			key := sourceKey{t.Index, src}
			for _, field := range t.fields(src) {
				for _, card := range batch {
					value := card.Fields[field]
					if value == "" || !card.InTrack(t.Index) {
						continue
					}
					cardID := card.ID
					job := func(ctx context.Context) error {
						toks, err := tokenizer.TrimmedTokens(ctx, memo, tokenizer.CleanField(value))
						if err != nil {
							return fmt.Errorf("tokenize card %d field %s (track %d): %w", cardID, field, t.Index+1, err)
						}
						for _, tok := range toks {
							lemmas, err := memo.Lemmatize(ctx, tok)
							if err != nil {
								return fmt.Errorf("lemmatize %q (track %d): %w", tok, t.Index+1, err)
							}
							add(key, cardID, tok, lemmas)
						}
						return nil
					}
					if err := pool.SubmitCtx(ctx, job); err != nil {
						submitErr = err
						break Submit
					}
				}
			}
		}
	}
	pool.Close()
	if submitErr != nil {
		return nil, submitErr
	}
	if err := pool.Err(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func (b *Builder) write(ctx context.Context, tx *sql.Tx, tracks []Track, batch []diff.Card, tokens batchTokens,
	statuses map[int]map[int64]vocab.Status, touched vocab.TokenSet) error {
	inBatch := make(map[int64]bool, len(batch))
	for _, c := range batch {
		inBatch[c.ID] = true
	}
	trackSet := make(map[int]bool, len(tracks))
	var records []db.TokenRecord
	var cardRecs []db.CardRecord
	for _, t := range tracks {
		trackSet[t.Index] = true
		for _, src := range cardSources {
			entries := tokens[sourceKey{t.Index, src}]
			if len(entries) == 0 {
				continue
			}
			names := make([]string, 0, len(entries))
			for tok := range entries {
				names = append(names, tok)
			}
			sort.Strings(names)
			existing, err := db.GetTokensBySource(ctx, tx, b.Profile, t.Index, src, names)
			if err != nil {
				return err
			}
			for _, tok := range names {
				e := entries[tok]
				ids := make(map[int64]bool, len(e.cards))
				for id := range e.cards {
					ids[id] = true
				}
				prev := existing[tok]
				// Cards of this batch no longer producing the token are dropped with it.
				for _, id := range prev.CardIDs {
					if !inBatch[id] {
						ids[id] = true
					}
				}
				records = append(records, db.TokenRecord{
					Profile: b.Profile,
					Track:   t.Index,
					Source:  src,
					Token:   tok,
					Lemmas:  e.lemmas,
					States:  prev.States,
					CardIDs: sortedIDs(ids),
				})
			}
		}
		for _, c := range batch {
			status, ok := statuses[t.Index][c.ID]
			if !ok || !c.InTrack(t.Index) {
				continue
			}
			cardRecs = append(cardRecs, db.CardRecord{
				Profile:    b.Profile,
				Track:      t.Index,
				CardID:     c.ID,
				NoteID:     c.NoteID,
				ModifiedAt: c.ModifiedAt,
				Status:     status,
				Suspended:  c.Suspended,
			})
		}
	}

	if err := db.PutTokens(ctx, tx, records); err != nil {
		return err
	}
	if err := db.PutCards(ctx, tx, cardRecs); err != nil {
		return err
	}
	for _, r := range records {
		touched.Add(r.Token)
		touched.Add(r.Lemmas...)
	}
	regenerated := func(track int, src vocab.Source, token string) bool {
		_, ok := tokens[sourceKey{track, src}][token]
		return ok
	}
	return db.SweepStaleCardRefs(ctx, tx, b.Profile, trackSet, inBatch, regenerated, touched)
}

func sortedIDs(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
