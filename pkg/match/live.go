package match

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/classify"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
	"github.com/japaniel/vocabsync/pkg/vocab"
	"golang.org/x/sync/errgroup"
)

// liveParallelism bounds concurrent card store searches of one GetBulk call.
const liveParallelism = 4

// Live answers lookups by searching the card store directly. Word fields must equal the
// token; sentence field hits are kept only when the cleaned field re-tokenizes to a
// sequence containing the token.
type Live struct {
	Client         anki.Client
	Tokenizer      tokenizer.Tokenizer
	Decks          []string
	WordFields     []string
	SentenceFields []string
	MatureCutoff   int
	// ConfirmLemmas also accepts sentence hits where a field token shares a lemma with the
	// looked up token.
	ConfirmLemmas bool
}

func (l *Live) GetBulk(ctx context.Context, tokens []string) (map[string]db.TokenResult, error) {
	out := make(map[string]db.TokenResult, len(tokens))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(liveParallelism)
	for _, token := range tokens {
		g.Go(func() error {
			res, ok, err := l.lookup(ctx, token)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			out[token] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByLemmaBulk treats each lemma as its own only form; the card store has no lemma index.
func (l *Live) GetByLemmaBulk(ctx context.Context, lemmas []string) (map[string][]db.LemmaResult, error) {
	res, err := l.GetBulk(ctx, lemmas)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]db.LemmaResult, len(res))
	for lemma, r := range res {
		out[lemma] = []db.LemmaResult{{Token: lemma, Source: r.Source, Statuses: r.Statuses, States: r.States}}
	}
	return out, nil
}

func (l *Live) lookup(ctx context.Context, token string) (db.TokenResult, bool, error) {
	if len(l.WordFields) > 0 {
		ids, err := l.Client.FindCards(ctx, l.search(l.WordFields, anki.EscapeValue(token)))
		if err != nil {
			return db.TokenResult{}, false, err
		}
		if len(ids) > 0 {
			statuses, err := l.statuses(ctx, ids, l.WordFields)
			return db.TokenResult{Source: vocab.SourceWordField, Statuses: statuses}, err == nil, err
		}
	}
	if len(l.SentenceFields) == 0 {
		return db.TokenResult{}, false, nil
	}
	ids, err := l.Client.FindCards(ctx, l.search(l.SentenceFields, "*"+anki.EscapeValue(token)+"*"))
	if err != nil {
		return db.TokenResult{}, false, err
	}
	if len(ids) == 0 {
		return db.TokenResult{}, false, nil
	}
	confirmed, err := l.confirm(ctx, token, ids)
	if err != nil || len(confirmed) == 0 {
		return db.TokenResult{}, false, err
	}
	statuses, err := l.statuses(ctx, confirmed, l.SentenceFields)
	return db.TokenResult{Source: vocab.SourceSentenceField, Statuses: statuses}, err == nil, err
}

func (l *Live) search(fields []string, pattern string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, anki.Quote(f+":"+pattern))
	}
	q := "(" + strings.Join(parts, " OR ") + ")"
	if len(l.Decks) > 0 {
		q = "(" + anki.DecksClause(l.Decks) + ") " + q
	}
	return q
}

// confirm keeps the cards whose sentence fields really contain token.
func (l *Live) confirm(ctx context.Context, token string, ids []int64) ([]int64, error) {
	infos, err := l.Client.CardsInfo(ctx, ids)
	if err != nil {
		return nil, err
	}
	var lemmas []string
	if l.ConfirmLemmas {
		if lemmas, err = l.Tokenizer.Lemmatize(ctx, token); err != nil {
			return nil, fmt.Errorf("lemmatize %q: %w", token, err)
		}
	}
	var out []int64
	for _, info := range infos {
		ok, err := l.fieldsContain(ctx, info, token, lemmas)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, info.CardID)
		}
	}
	return out, nil
}

func (l *Live) fieldsContain(ctx context.Context, info anki.CardInfo, token string, lemmas []string) (bool, error) {
	for _, name := range l.SentenceFields {
		f, ok := info.Fields[name]
		if !ok {
			continue
		}
		toks, err := tokenizer.TrimmedTokens(ctx, l.Tokenizer, tokenizer.CleanField(f.Value))
		if err != nil {
			return false, fmt.Errorf("tokenize card %d: %w", info.CardID, err)
		}
		for _, t := range toks {
			if t == token {
				return true, nil
			}
		}
		if len(lemmas) == 0 {
			continue
		}
		for _, t := range toks {
			tl, err := l.Tokenizer.Lemmatize(ctx, t)
			if err != nil {
				return false, fmt.Errorf("lemmatize %q: %w", t, err)
			}
			for _, x := range tl {
				if contains(lemmas, x) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func (l *Live) statuses(ctx context.Context, ids []int64, fields []string) ([]vocab.CardStatus, error) {
	classified, err := classify.Classify(ctx, l.Client, ids, fields, l.MatureCutoff)
	if err != nil {
		return nil, err
	}
	suspended, err := l.Client.AreSuspended(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]vocab.CardStatus, 0, len(ids))
	for i, id := range ids {
		out = append(out, vocab.CardStatus{Status: classified[id], Suspended: i < len(suspended) && suspended[i]})
	}
	return out, nil
}
