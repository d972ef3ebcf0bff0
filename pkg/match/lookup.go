package match

import (
	"context"

	"github.com/japaniel/vocabsync/pkg/db"
)

// Store reads the persistent cache of one profile and track.
type Store struct {
	DB      db.DBExecutor
	Profile string
	Track   int
}

func (s Store) GetBulk(ctx context.Context, tokens []string) (map[string]db.TokenResult, error) {
	return db.GetBulk(ctx, s.DB, s.Profile, s.Track, tokens)
}

func (s Store) GetByLemmaBulk(ctx context.Context, lemmas []string) (map[string][]db.LemmaResult, error) {
	return db.GetByLemmaBulk(ctx, s.DB, s.Profile, s.Track, lemmas)
}

// Fallback answers from Primary and asks Secondary only for what Primary lacks.
type Fallback struct {
	Primary   Lookup
	Secondary Lookup
}

func (f Fallback) GetBulk(ctx context.Context, tokens []string) (map[string]db.TokenResult, error) {
	out, err := f.Primary.GetBulk(ctx, tokens)
	if err != nil || f.Secondary == nil {
		return out, err
	}
	missing := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := out[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	more, err := f.Secondary.GetBulk(ctx, missing)
	if err != nil {
		return nil, err
	}
	for t, r := range more {
		out[t] = r
	}
	return out, nil
}

func (f Fallback) GetByLemmaBulk(ctx context.Context, lemmas []string) (map[string][]db.LemmaResult, error) {
	out, err := f.Primary.GetByLemmaBulk(ctx, lemmas)
	if err != nil || f.Secondary == nil {
		return out, err
	}
	var missing []string
	for _, l := range lemmas {
		if len(out[l]) == 0 {
			missing = append(missing, l)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	more, err := f.Secondary.GetByLemmaBulk(ctx, missing)
	if err != nil {
		return nil, err
	}
	for l, r := range more {
		out[l] = r
	}
	return out, nil
}
