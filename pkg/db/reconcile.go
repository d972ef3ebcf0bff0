package db

import (
	"context"
	"sort"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

// touch records a token and its lemmas as modified.
func touch(set vocab.TokenSet, r TokenRecord) {
	set.Add(r.Token)
	set.Add(r.Lemmas...)
}

// dropCards removes cardIDs from each card-derived record of track; records left with no
// cards are deleted. Every changed record is added to touched.
func dropCards(ctx context.Context, db DBExecutor, recs []TokenRecord, drop map[int64]bool, touched vocab.TokenSet) error {
	var deleteIDs []int64
	for _, r := range recs {
		remaining := make([]int64, 0, len(r.CardIDs))
		for _, id := range r.CardIDs {
			if !drop[id] {
				remaining = append(remaining, id)
			}
		}
		switch {
		case len(remaining) == 0:
			touch(touched, r)
			deleteIDs = append(deleteIDs, r.ID)
		case len(remaining) != len(r.CardIDs):
			touch(touched, r)
			if err := SetTokenCardIDs(ctx, db, r.ID, remaining); err != nil {
				return err
			}
		}
	}
	return DeleteTokens(ctx, db, deleteIDs)
}

// DeleteOrphanedCards removes orphaned card rows per track and detaches them from tokens,
// deleting tokens that no longer reference any card.
func DeleteOrphanedCards(ctx context.Context, db DBExecutor, profile string, orphaned map[int][]int64, touched vocab.TokenSet) (int64, error) {
	tracks := make([]int, 0, len(orphaned))
	for track := range orphaned {
		tracks = append(tracks, track)
	}
	sort.Ints(tracks)
	var deleted int64
	for _, track := range tracks {
		cardIDs := orphaned[track]
		if len(cardIDs) == 0 {
			continue
		}
		recs, err := TokensByCardIDs(ctx, db, profile, cardIDs)
		if err != nil {
			return deleted, err
		}
		drop := make(map[int64]bool, len(cardIDs))
		for _, id := range cardIDs {
			drop[id] = true
		}
		var inTrack []TokenRecord
		for _, r := range recs {
			if r.Track == track && r.Source != vocab.SourceLocal {
				inTrack = append(inTrack, r)
			}
		}
		if err := dropCards(ctx, db, inTrack, drop, touched); err != nil {
			return deleted, err
		}
		n, err := DeleteCards(ctx, db, profile, track, cardIDs)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// SweepStaleCardRefs drops batch cards from card-derived records of the given tracks that
// were not regenerated from those cards in this batch. regenerated reports whether a
// (track, source, token) record was written by the batch.
func SweepStaleCardRefs(ctx context.Context, db DBExecutor, profile string, tracks map[int]bool, batchCards map[int64]bool,
	regenerated func(track int, source vocab.Source, token string) bool, touched vocab.TokenSet) error {
	ids := make([]int64, 0, len(batchCards))
	for id := range batchCards {
		ids = append(ids, id)
	}
	recs, err := TokensByCardIDs(ctx, db, profile, ids)
	if err != nil {
		return err
	}
	var stale []TokenRecord
	for _, r := range recs {
		if r.Source != vocab.SourceWordField && r.Source != vocab.SourceSentenceField {
			continue
		}
		if !tracks[r.Track] || regenerated(r.Track, r.Source, r.Token) {
			continue
		}
		stale = append(stale, r)
	}
	return dropCards(ctx, db, stale, batchCards, touched)
}

// UpdateSuspension applies suspension flips to the cards of every given track and marks
// tokens referencing those cards as modified. It returns the number of rows changed.
func UpdateSuspension(ctx context.Context, db DBExecutor, profile string, tracks []int, suspend, unsuspend []int64, touched vocab.TokenSet) (int64, error) {
	if len(suspend)+len(unsuspend) == 0 || len(tracks) == 0 {
		return 0, nil
	}
	all := append(append([]int64(nil), suspend...), unsuspend...)
	recs, err := TokensByCardIDs(ctx, db, profile, all)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		touch(touched, r)
	}
	var changed int64
	for _, track := range tracks {
		n, err := SetCardsSuspended(ctx, db, profile, track, suspend, true)
		if err != nil {
			return changed, err
		}
		changed += n
		n, err = SetCardsSuspended(ctx, db, profile, track, unsuspend, false)
		if err != nil {
			return changed, err
		}
		changed += n
	}
	return changed, nil
}

// ExpandByLemmas adds to touched every token (and its lemmas) sharing a lemma with a member.
func ExpandByLemmas(ctx context.Context, db DBExecutor, profile string, touched vocab.TokenSet) error {
	if len(touched) == 0 {
		return nil
	}
	recs, err := TokensByLemmas(ctx, db, profile, touched.Slice())
	if err != nil {
		return err
	}
	for _, r := range recs {
		touch(touched, r)
	}
	return nil
}

// ClearTrack deletes every card row and card-derived token of a track. It returns the
// number of card rows removed.
func ClearTrack(ctx context.Context, db DBExecutor, profile string, track int, touched vocab.TokenSet) (int64, error) {
	cards, err := CardsByProfile(ctx, db, profile)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for _, c := range cards {
		if c.Track == track {
			ids = append(ids, c.CardID)
		}
	}
	deleted, err := DeleteOrphanedCards(ctx, db, profile, map[int][]int64{track: ids}, touched)
	if err != nil {
		return deleted, err
	}
	// Tokens whose cards were never cached, e.g. after an interrupted first build.
	recs, err := TokensByTrack(ctx, db, profile, track)
	if err != nil {
		return deleted, err
	}
	var stale []int64
	for _, r := range recs {
		if r.Source == vocab.SourceLocal {
			continue
		}
		touch(touched, r)
		stale = append(stale, r.ID)
	}
	return deleted, DeleteTokens(ctx, db, stale)
}
