// Package tokenizer splits card fields and subtitle text into surface tokens and maps
// tokens to their lemmas.
package tokenizer

import (
	"context"
	"strings"
	"sync"

	"github.com/japaniel/vocabsync/pkg/vocab"
	"golang.org/x/sync/singleflight"
)

// Tokenizer is a tokenize/lemmatize service. Implementations must be safe for concurrent use.
type Tokenizer interface {
	// Tokenize splits text into surface tokens in reading order.
	Tokenize(ctx context.Context, text string) ([]string, error)
	// Lemmatize returns the dictionary forms of a surface token.
	Lemmatize(ctx context.Context, token string) ([]string, error)
	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error
}

// TrimmedTokens tokenizes text and keeps trimmed tokens containing a letter.
func TrimmedTokens(ctx context.Context, t Tokenizer, text string) ([]string, error) {
	raw, err := t.Tokenize(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(tok)
		if vocab.HasLetter(tok) {
			out = append(out, tok)
		}
	}
	return out, nil
}

// Memo caches Tokenize and Lemmatize results of an underlying Tokenizer until Reset.
// Concurrent calls for the same input share one request.
type Memo struct {
	Tokenizer

	group   singleflight.Group
	mu      sync.Mutex
	results map[string][]string
}

// NewMemo wraps t.
func NewMemo(t Tokenizer) *Memo {
	return &Memo{Tokenizer: t, results: make(map[string][]string)}
}

func (m *Memo) Tokenize(ctx context.Context, text string) ([]string, error) {
	return m.cached(ctx, "t:"+text, text, m.Tokenizer.Tokenize)
}

func (m *Memo) Lemmatize(ctx context.Context, token string) ([]string, error) {
	return m.cached(ctx, "l:"+token, token, m.Tokenizer.Lemmatize)
}

// Reset drops every cached result.
func (m *Memo) Reset() {
	m.mu.Lock()
	m.results = make(map[string][]string)
	m.mu.Unlock()
}

func (m *Memo) cached(ctx context.Context, key, arg string, fn func(context.Context, string) ([]string, error)) ([]string, error) {
	m.mu.Lock()
	v, ok := m.results[key]
	m.mu.Unlock()
	if ok {
		return v, nil
	}
	res, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		v, ok := m.results[key]
		m.mu.Unlock()
		if ok {
			return v, nil
		}
		out, err := fn(ctx, arg)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.results[key] = out
		m.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}
