// Package classify buckets external cards into knowledge statuses with a handful of
// threshold searches instead of per-card lookups.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

// ErrIncomplete means some cards matched none of the status buckets, usually because the
// card store changed while classifying.
var ErrIncomplete = errors.New("card statuses could not be determined")

// MaxScopedIDs is the largest card set restricted with an explicit cid: clause. Larger sets
// rely on the field clause alone.
const MaxScopedIDs = 1000

// GraduatedCutoff is the review strength below which a reviewed card counts as GRADUATED.
func GraduatedCutoff(matureCutoff int) int {
	return (matureCutoff + 1) / 2
}

type bucket struct {
	query  string
	status vocab.Status
}

// Classify assigns a status to each card: new cards are UNKNOWN, cards in learning steps
// are LEARNING, and reviewed cards are split by stability (falling back to interval when
// stability is unavailable) at GraduatedCutoff and matureCutoff. fields limits the search
// to notes with any of those fields non-empty.
func Classify(ctx context.Context, client anki.Client, cardIDs []int64, fields []string, matureCutoff int) (map[int64]vocab.Status, error) {
	out := make(map[int64]vocab.Status, len(cardIDs))
	remaining := make(map[int64]bool, len(cardIDs))
	for _, id := range cardIDs {
		remaining[id] = true
	}
	if len(remaining) == 0 {
		return out, nil
	}
	if matureCutoff <= 0 {
		return nil, fmt.Errorf("mature cutoff must be positive, got %d", matureCutoff)
	}

	var scope []string
	if len(cardIDs) <= MaxScopedIDs {
		scope = append(scope, anki.CardIDsClause(cardIDs))
	}
	if len(fields) > 0 {
		scope = append(scope, "("+anki.FieldsClause(fields)+")")
	}
	search := func(parts ...string) string {
		return strings.Join(append(parts, scope...), " ")
	}
	run := func(b bucket) error {
		ids, err := client.FindCards(ctx, b.query)
		if err != nil {
			return fmt.Errorf("classify %s: %w", b.status, err)
		}
		for _, id := range ids {
			if remaining[id] {
				out[id] = b.status
				delete(remaining, id)
			}
		}
		return nil
	}

	for _, b := range []bucket{
		{search("is:new"), vocab.Unknown},
		{search("is:learn"), vocab.Learning},
	} {
		if err := run(b); err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			return out, nil
		}
	}

	props := []string{"prop:s", "prop:ivl"}
	withStability, err := client.FindCards(ctx, search("prop:s>=0"))
	if err != nil {
		return nil, fmt.Errorf("classify stability probe: %w", err)
	}
	// Stability is only recorded for cards reviewed with FSRS.
	if len(withStability) == 0 {
		props = props[1:]
	}
	grad := GraduatedCutoff(matureCutoff)
	for _, prop := range props {
		for _, b := range []bucket{
			{search("-is:new", "-is:learn", fmt.Sprintf("%s<%d", prop, grad)), vocab.Graduated},
			{search("-is:new", "-is:learn", fmt.Sprintf("%s>=%d", prop, grad), fmt.Sprintf("%s<%d", prop, matureCutoff)), vocab.Young},
			{search("-is:new", "-is:learn", fmt.Sprintf("%s>=%d", prop, matureCutoff)), vocab.Mature},
		} {
			if err := run(b); err != nil {
				return nil, err
			}
			if len(remaining) == 0 {
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %d of %d cards unclassified", ErrIncomplete, len(remaining), len(cardIDs))
}
