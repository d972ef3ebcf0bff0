package coloring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

// PollRecent asks the card store for cards reviewed or edited within the last day. When
// that set changed since the previous poll, lines showing uncollected tokens are marked
// stale and Rebuild runs. The first poll only records the set.
func (e *Engine) PollRecent(ctx context.Context) error {
	if e.Client == nil {
		return nil
	}
	fields := vocab.TokenSet{}
	for _, tr := range e.Tracks {
		if !tr.Disabled {
			fields.Add(tr.Fields...)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	query := "(rated:1 OR edited:1) (" + anki.FieldsClause(fields.Slice()) + ")"
	ids, err := e.Client.FindCards(ctx, query)
	if err != nil {
		e.mu.Lock()
		e.recentIDs = nil
		e.recentChecked = true
		e.mu.Unlock()
		return fmt.Errorf("find recent cards: %w", err)
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	e.mu.Lock()
	first := !e.recentChecked
	same := len(set) == len(e.recentIDs)
	if same {
		for id := range set {
			if _, ok := e.recentIDs[id]; !ok {
				same = false
				break
			}
		}
	}
	e.recentIDs = set
	e.recentChecked = true
	if first || same {
		e.mu.Unlock()
		return nil
	}
	for i := range e.lines {
		if e.lines[i].uncollected && e.lines[i].state == StateColored {
			e.lines[i].stale = true
		}
	}
	e.mu.Unlock()

	if e.Rebuild == nil {
		return nil
	}
	modified, err := e.Rebuild(ctx)
	e.TokensModified(modified...)
	if err != nil {
		e.mu.Lock()
		e.recentIDs = nil
		e.mu.Unlock()
		return fmt.Errorf("rebuild after recent changes: %w", err)
	}
	return nil
}

// ErrTrackDisabled is returned for operations on a disabled or unknown track.
var ErrTrackDisabled = errors.New("coloring: track disabled")

// SaveTokenLocal stores a LOCAL record for token with its lemmas and refreshes every line
// containing the token or one of its lemmas.
func (e *Engine) SaveTokenLocal(ctx context.Context, track int, token string, status vocab.Status, states []vocab.State) error {
	if !e.enabled(track) || e.Tracks[track].Tokenizer == nil {
		return fmt.Errorf("%w: %d", ErrTrackDisabled, track+1)
	}
	if e.DB == nil {
		return errors.New("coloring: no database configured")
	}
	token = strings.TrimSpace(token)
	lemmas, err := e.Tracks[track].Tokenizer.Lemmatize(ctx, token)
	if err != nil {
		return fmt.Errorf("lemmatize %q: %w", token, err)
	}
	if _, err := db.SaveLocalBulk(ctx, e.DB, e.Profile, []db.LocalTokenInput{
		{Token: token, Status: status, Lemmas: lemmas, States: states},
	}); err != nil {
		return err
	}
	e.TokensModified(append([]string{token}, lemmas...)...)
	return nil
}
