package db

import (
	"context"
	"fmt"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

const cardColumns = `profile, track, card_id, note_id, modified_at, status, suspended`

// PutCards inserts or replaces card rows.
func PutCards(ctx context.Context, db DBExecutor, cards []CardRecord) error {
	for _, c := range cards {
		_, err := db.ExecContext(ctx, `INSERT INTO anki_cards (`+cardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(card_id, track, profile) DO UPDATE SET
			  note_id = excluded.note_id,
			  modified_at = excluded.modified_at,
			  status = excluded.status,
			  suspended = excluded.suspended`,
			c.Profile, c.Track, c.CardID, c.NoteID, c.ModifiedAt, int(c.Status), c.Suspended)
		if err != nil {
			return fmt.Errorf("upsert card %d: %w", c.CardID, err)
		}
	}
	return nil
}

// CardsByProfile returns every card row of a profile.
func CardsByProfile(ctx context.Context, db DBExecutor, profile string) ([]CardRecord, error) {
	return queryCards(ctx, db, `SELECT `+cardColumns+` FROM anki_cards WHERE profile = ? ORDER BY track, card_id`, profile)
}

// CardsByNoteIDs groups the card rows of the given notes by note id.
func CardsByNoteIDs(ctx context.Context, db DBExecutor, profile string, noteIDs []int64) (map[int64][]CardRecord, error) {
	out := make(map[int64][]CardRecord)
	for _, chunk := range chunks(noteIDs) {
		cards, err := queryCards(ctx, db,
			`SELECT `+cardColumns+` FROM anki_cards WHERE profile = ? AND note_id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk, profile)...)
		if err != nil {
			return nil, err
		}
		for _, c := range cards {
			out[c.NoteID] = append(out[c.NoteID], c)
		}
	}
	return out, nil
}

// CardStatuses returns the status of each cached card of (profile, track) among cardIDs.
func CardStatuses(ctx context.Context, db DBExecutor, profile string, track int, cardIDs []int64) (map[int64]vocab.CardStatus, error) {
	out := make(map[int64]vocab.CardStatus, len(cardIDs))
	for _, chunk := range chunks(cardIDs) {
		cards, err := queryCards(ctx, db,
			`SELECT `+cardColumns+` FROM anki_cards WHERE profile = ? AND track = ? AND card_id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk, profile, track)...)
		if err != nil {
			return nil, err
		}
		for _, c := range cards {
			out[c.CardID] = vocab.CardStatus{Status: c.Status, Suspended: c.Suspended}
		}
	}
	return out, nil
}

// DeleteCards removes card rows of one (profile, track).
func DeleteCards(ctx context.Context, db DBExecutor, profile string, track int, cardIDs []int64) (int64, error) {
	var total int64
	for _, chunk := range chunks(cardIDs) {
		res, err := db.ExecContext(ctx,
			`DELETE FROM anki_cards WHERE profile = ? AND track = ? AND card_id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk, profile, track)...)
		if err != nil {
			return total, fmt.Errorf("delete cards: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// SetCardsSuspended flips the suspended flag of cards in one (profile, track).
func SetCardsSuspended(ctx context.Context, db DBExecutor, profile string, track int, cardIDs []int64, suspended bool) (int64, error) {
	var total int64
	for _, chunk := range chunks(cardIDs) {
		res, err := db.ExecContext(ctx,
			`UPDATE anki_cards SET suspended = ? WHERE profile = ? AND track = ? AND card_id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk, suspended, profile, track)...)
		if err != nil {
			return total, fmt.Errorf("update suspended: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func queryCards(ctx context.Context, db DBExecutor, query string, args ...any) ([]CardRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()
	var out []CardRecord
	for rows.Next() {
		var c CardRecord
		var status int
		if err := rows.Scan(&c.Profile, &c.Track, &c.CardID, &c.NoteID, &c.ModifiedAt, &status, &c.Suspended); err != nil {
			return nil, err
		}
		c.Status = vocab.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
