package db

import (
	"context"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

// sourcePriority lists record sources from most to least authoritative.
var sourcePriority = []vocab.Source{vocab.SourceLocal, vocab.SourceWordField, vocab.SourceSentenceField}

// GetBulk resolves each token to its winning record as seen from track. LOCAL records beat
// word field records, which beat sentence field records. Tokens with no record are absent.
func GetBulk(ctx context.Context, db DBExecutor, profile string, track int, tokens []string) (map[string]TokenResult, error) {
	if len(tokens) == 0 {
		return map[string]TokenResult{}, nil
	}
	profile = ProfileOrDefault(profile)
	byToken := make(map[string][]TokenRecord)
	for _, chunk := range chunks(tokens) {
		recs, err := queryTokens(ctx, db,
			`SELECT `+tokenColumns+` FROM tokens t WHERE t.profile = ? AND t.track IN (?, ?) AND t.token IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk, profile, track, LocalTrack)...)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			byToken[r.Token] = append(byToken[r.Token], r)
		}
	}

	winners := make(map[string]TokenRecord, len(byToken))
	var cardIDs []int64
	for token, recs := range byToken {
		for _, src := range sourcePriority {
			if r, ok := firstOfSource(recs, src); ok {
				winners[token] = r
				cardIDs = append(cardIDs, r.CardIDs...)
				break
			}
		}
	}
	statuses, err := CardStatuses(ctx, db, profile, track, dedupe(cardIDs))
	if err != nil {
		return nil, err
	}
	out := make(map[string]TokenResult, len(winners))
	for token, r := range winners {
		out[token] = TokenResult{Source: r.Source, Statuses: recordStatuses(r, statuses), States: r.States}
	}
	return out, nil
}

// GetByLemmaBulk returns, per lemma, every token carrying it from the most authoritative
// source present for that lemma.
func GetByLemmaBulk(ctx context.Context, db DBExecutor, profile string, track int, lemmas []string) (map[string][]LemmaResult, error) {
	if len(lemmas) == 0 {
		return map[string][]LemmaResult{}, nil
	}
	profile = ProfileOrDefault(profile)
	recs, err := TokensByLemmas(ctx, db, profile, lemmas)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(lemmas))
	for _, l := range lemmas {
		wanted[l] = true
	}
	byLemma := make(map[string][]TokenRecord)
	for _, r := range recs {
		if r.Track != track && r.Track != LocalTrack {
			continue
		}
		for _, l := range r.Lemmas {
			if wanted[l] {
				byLemma[l] = append(byLemma[l], r)
			}
		}
	}

	chosen := make(map[string][]TokenRecord, len(byLemma))
	var cardIDs []int64
	for lemma, rs := range byLemma {
		for _, src := range sourcePriority {
			var picked []TokenRecord
			for _, r := range rs {
				if r.Source == src {
					picked = append(picked, r)
					cardIDs = append(cardIDs, r.CardIDs...)
				}
			}
			if len(picked) > 0 {
				chosen[lemma] = picked
				break
			}
		}
	}
	statuses, err := CardStatuses(ctx, db, profile, track, dedupe(cardIDs))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]LemmaResult, len(chosen))
	for lemma, rs := range chosen {
		for _, r := range rs {
			out[lemma] = append(out[lemma], LemmaResult{
				Token:    r.Token,
				Source:   r.Source,
				Statuses: recordStatuses(r, statuses),
				States:   r.States,
			})
		}
	}
	return out, nil
}

func firstOfSource(recs []TokenRecord, src vocab.Source) (TokenRecord, bool) {
	for _, r := range recs {
		if r.Source == src {
			return r, true
		}
	}
	return TokenRecord{}, false
}

// recordStatuses maps a record to the statuses of its cards. A LOCAL record carries its own.
func recordStatuses(r TokenRecord, cards map[int64]vocab.CardStatus) []vocab.CardStatus {
	if r.Source == vocab.SourceLocal {
		status := vocab.Uncollected
		if r.Status != nil {
			status = *r.Status
		}
		return []vocab.CardStatus{{Status: status}}
	}
	out := make([]vocab.CardStatus, 0, len(r.CardIDs))
	for _, id := range r.CardIDs {
		if cs, ok := cards[id]; ok {
			out = append(out, cs)
		}
	}
	return out
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
