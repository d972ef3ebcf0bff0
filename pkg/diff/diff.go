// Package diff works out which external cards changed since the last build.
package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/db"
	"golang.org/x/sync/errgroup"
)

// ErrInconsistent means the card store changed between two queries of one sync. Retrying
// the build is safe.
var ErrInconsistent = errors.New("anki changed during sync")

// Track is the card filter of one track.
type Track struct {
	Index          int
	Decks          []string
	WordFields     []string
	SentenceFields []string
	// Reset marks a track whose cache was just cleared, so every matching card is rebuilt.
	Reset bool
}

// Fields returns the word and sentence fields without duplicates.
func (t Track) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range append(append([]string{}, t.WordFields...), t.SentenceFields...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Query is the search matching the cards of the track.
func (t Track) Query() string {
	q := "(" + anki.FieldsClause(t.Fields()) + ")"
	if len(t.Decks) > 0 {
		q = "(" + anki.DecksClause(t.Decks) + ") " + q
	}
	return q
}

// Matches reports whether a card in deck with the given non-empty fields belongs to the track.
func (t Track) Matches(deck string, fields map[string]string) bool {
	if len(t.Decks) > 0 && !anki.InDeck(deck, t.Decks) {
		return false
	}
	for _, f := range t.Fields() {
		if fields[f] != "" {
			return true
		}
	}
	return false
}

// Card is a modified card with its trimmed non-empty fields.
type Card struct {
	ID         int64
	NoteID     int64
	ModifiedAt int64
	Deck       string
	Fields     map[string]string
	Suspended  bool
	// Tracks lists the tracks the card belongs to.
	Tracks []int
}

// InTrack reports whether the card belongs to track.
func (c Card) InTrack(track int) bool {
	for _, t := range c.Tracks {
		if t == track {
			return true
		}
	}
	return false
}

// Result is the outcome of one sync pass.
type Result struct {
	Modified []Card
	// Suspend and Unsuspend list already cached cards whose suspension flipped.
	Suspend   []int64
	Unsuspend []int64
	Orphaned  map[int][]int64
	// Updated counts modified cards plus cached cards that disappeared from the store.
	Updated int
}

// OrphanCount is the number of orphaned (card, track) pairs.
func (r Result) OrphanCount() int {
	n := 0
	for _, ids := range r.Orphaned {
		n += len(ids)
	}
	return n
}

// Diff compares the cards matching tracks against the cached card rows of profile. Card
// details are fetched only for cards whose modification time moved.
func Diff(ctx context.Context, client anki.Client, store db.DBExecutor, profile string, tracks []Track) (Result, error) {
	res := Result{Orphaned: make(map[int][]int64, len(tracks))}
	active := make(map[int]Track, len(tracks))
	queries := make([]string, 0, len(tracks))
	var resetQueries []string
	fieldSet := make(map[string]bool)
	var fields []string
	for _, t := range tracks {
		res.Orphaned[t.Index] = nil
		active[t.Index] = t
		q := "(" + t.Query() + ")"
		queries = append(queries, q)
		if t.Reset {
			resetQueries = append(resetQueries, q)
		}
		for _, f := range t.Fields() {
			if !fieldSet[f] {
				fieldSet[f] = true
				fields = append(fields, f)
			}
		}
	}
	if len(tracks) == 0 {
		return res, nil
	}
	union := strings.Join(queries, " OR ")

	var noteIDs, cardIDs, resetIDs []int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		noteIDs, err = client.FindNotes(gctx, union)
		return err
	})
	g.Go(func() (err error) {
		cardIDs, err = client.FindCards(gctx, union)
		return err
	})
	// Only cards a cleared track can hold are rebuilt for it.
	if len(resetQueries) > 0 {
		g.Go(func() (err error) {
			resetIDs, err = client.FindCards(gctx, strings.Join(resetQueries, " OR "))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("search cards: %w", err)
	}

	existing, err := db.CardsByProfile(ctx, store, profile)
	if err != nil {
		return Result{}, err
	}
	rows := make(map[int64][]db.CardRecord)
	for _, r := range existing {
		if _, ok := active[r.Track]; ok {
			rows[r.CardID] = append(rows[r.CardID], r)
		}
	}

	modTimes, blank, err := modificationTimes(ctx, client, noteIDs, cardIDs, fields)
	if err != nil {
		return Result{}, err
	}
	// Cards whose tracked fields hold only whitespace match the search but no track.
	live := make(map[int64]bool, len(cardIDs))
	for _, id := range cardIDs {
		live[id] = !blank[id]
	}
	rebuild := make(map[int64]bool, len(resetIDs))
	for _, id := range resetIDs {
		rebuild[id] = true
	}

	var changed []int64
	for _, id := range cardIDs {
		if !live[id] {
			continue
		}
		cached := rows[id]
		if rebuild[id] || len(cached) == 0 {
			changed = append(changed, id)
			continue
		}
		for _, r := range cached {
			if r.ModifiedAt != modTimes[id] {
				changed = append(changed, id)
				break
			}
		}
	}

	modified := make(map[int64]Card, len(changed))
	if len(changed) > 0 {
		cards, err := details(ctx, client, changed, modTimes, tracks)
		if err != nil {
			return Result{}, err
		}
		for _, c := range cards {
			modified[c.ID] = c
			res.Modified = append(res.Modified, c)
		}
	}

	for _, id := range sortedKeys(rows) {
		c, isModified := modified[id]
		for _, r := range rows[id] {
			switch {
			case !live[id]:
				res.Orphaned[r.Track] = append(res.Orphaned[r.Track], id)
			case isModified && !c.InTrack(r.Track):
				res.Orphaned[r.Track] = append(res.Orphaned[r.Track], id)
			case isModified && c.Suspended != r.Suspended:
				if c.Suspended {
					res.Suspend = append(res.Suspend, id)
				} else {
					res.Unsuspend = append(res.Unsuspend, id)
				}
			}
		}
		if !live[id] {
			res.Updated++
		}
	}
	res.Suspend = unique(res.Suspend)
	res.Unsuspend = unique(res.Unsuspend)
	res.Updated += len(res.Modified)
	return res, nil
}

// modificationTimes returns, per card, the later of its note's edit time and its own
// review or suspension time, and the cards whose note has no non-blank value in fields.
func modificationTimes(ctx context.Context, client anki.Client, noteIDs, cardIDs []int64, fields []string) (map[int64]int64, map[int64]bool, error) {
	out := make(map[int64]int64, len(cardIDs))
	blank := make(map[int64]bool)
	if len(cardIDs) == 0 {
		return out, blank, nil
	}
	var (
		notes    []anki.NoteInfo
		noteMods []anki.NoteModTime
		cardMods []anki.CardModTime
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		notes, err = client.NotesInfo(gctx, noteIDs)
		return err
	})
	g.Go(func() (err error) {
		noteMods, err = client.NotesModTime(gctx, noteIDs)
		return err
	})
	g.Go(func() (err error) {
		cardMods, err = client.CardsModTime(gctx, cardIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("read modification times: %w", err)
	}
	if len(notes) != len(noteIDs) {
		return nil, nil, fmt.Errorf("%w: %d of %d notes returned", ErrInconsistent, len(notes), len(noteIDs))
	}
	if len(noteMods) != len(noteIDs) {
		return nil, nil, fmt.Errorf("%w: %d of %d note times returned", ErrInconsistent, len(noteMods), len(noteIDs))
	}
	if len(cardMods) != len(cardIDs) {
		return nil, nil, fmt.Errorf("%w: %d of %d card times returned", ErrInconsistent, len(cardMods), len(cardIDs))
	}

	noteMod := make(map[int64]int64, len(noteMods))
	for _, m := range noteMods {
		noteMod[m.NoteID] = m.Mod
	}
	noteOf := make(map[int64]int64)
	for _, n := range notes {
		empty := !hasValue(n.Fields, fields)
		for _, c := range n.Cards {
			noteOf[c] = n.NoteID
			if empty {
				blank[c] = true
			}
		}
	}
	for _, m := range cardMods {
		nid, ok := noteOf[m.CardID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: card %d has no matching note", ErrInconsistent, m.CardID)
		}
		out[m.CardID] = max(m.Mod, noteMod[nid])
	}
	return out, blank, nil
}

func hasValue(values map[string]anki.Field, fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(values[f].Value) != "" {
			return true
		}
	}
	return false
}

func details(ctx context.Context, client anki.Client, ids []int64, modTimes map[int64]int64, tracks []Track) ([]Card, error) {
	var (
		infos     []anki.CardInfo
		suspended []bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		infos, err = client.CardsInfo(gctx, ids)
		return err
	})
	g.Go(func() (err error) {
		suspended, err = client.AreSuspended(gctx, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read modified cards: %w", err)
	}
	if len(infos) != len(ids) || len(suspended) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d modified cards returned", ErrInconsistent, len(infos), len(ids))
	}
	isSuspended := make(map[int64]bool, len(ids))
	for i, id := range ids {
		isSuspended[id] = suspended[i]
	}

	out := make([]Card, 0, len(infos))
	for _, info := range infos {
		fields := make(map[string]string, len(info.Fields))
		for name, f := range info.Fields {
			if v := strings.TrimSpace(f.Value); v != "" {
				fields[name] = v
			}
		}
		c := Card{
			ID:         info.CardID,
			NoteID:     info.NoteID,
			ModifiedAt: modTimes[info.CardID],
			Deck:       info.DeckName,
			Fields:     fields,
			Suspended:  isSuspended[info.CardID],
		}
		for _, t := range tracks {
			if t.Matches(c.Deck, fields) {
				c.Tracks = append(c.Tracks, t.Index)
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
