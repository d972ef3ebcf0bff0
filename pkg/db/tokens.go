package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

const tokenColumns = `t.id, t.profile, t.track, t.source, t.token, t.status, t.lemmas, t.states`

// PutTokens inserts or replaces records by key and rebuilds their lemma and card index rows.
// The assigned ids are written back into records.
func PutTokens(ctx context.Context, db DBExecutor, records []TokenRecord) error {
	for i := range records {
		r := &records[i]
		if strings.TrimSpace(r.Token) == "" {
			return fmt.Errorf("token must be non-empty")
		}
		lemmas, err := json.Marshal(nonNil(r.Lemmas))
		if err != nil {
			return err
		}
		states, err := json.Marshal(nonNil(r.States))
		if err != nil {
			return err
		}
		var status any
		if r.Status != nil {
			status = int(*r.Status)
		}
		err = db.QueryRowContext(ctx, `INSERT INTO tokens (profile, track, source, token, status, lemmas, states)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(token, source, track, profile) DO UPDATE SET
			  status = excluded.status,
			  lemmas = excluded.lemmas,
			  states = excluded.states
			RETURNING id`,
			r.Profile, r.Track, int(r.Source), r.Token, status, string(lemmas), string(states)).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("upsert token %q: %w", r.Token, err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM token_lemmas WHERE token_id = ?`, r.ID); err != nil {
			return err
		}
		for _, lemma := range r.Lemmas {
			if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO token_lemmas (token_id, lemma) VALUES (?, ?)`, r.ID, lemma); err != nil {
				return fmt.Errorf("index lemma %q: %w", lemma, err)
			}
		}
		if err := SetTokenCardIDs(ctx, db, r.ID, r.CardIDs); err != nil {
			return err
		}
	}
	return nil
}

// SetTokenCardIDs replaces the supporting card set of a token.
func SetTokenCardIDs(ctx context.Context, db DBExecutor, tokenID int64, cardIDs []int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM token_cards WHERE token_id = ?`, tokenID); err != nil {
		return fmt.Errorf("clear token cards: %w", err)
	}
	for _, cardID := range cardIDs {
		if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO token_cards (token_id, card_id) VALUES (?, ?)`, tokenID, cardID); err != nil {
			return fmt.Errorf("link card %d: %w", cardID, err)
		}
	}
	return nil
}

// DeleteTokens removes token rows together with their index rows.
func DeleteTokens(ctx context.Context, db DBExecutor, ids []int64) error {
	for _, chunk := range chunks(ids) {
		in := placeholders(len(chunk))
		args := toArgs(chunk)
		for _, q := range []string{
			`DELETE FROM token_cards WHERE token_id IN (` + in + `)`,
			`DELETE FROM token_lemmas WHERE token_id IN (` + in + `)`,
			`DELETE FROM tokens WHERE id IN (` + in + `)`,
		} {
			if _, err := db.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("delete tokens: %w", err)
			}
		}
	}
	return nil
}

// GetTokensBySource returns the records for tokens under one (profile, track, source).
func GetTokensBySource(ctx context.Context, db DBExecutor, profile string, track int, source vocab.Source, tokens []string) (map[string]TokenRecord, error) {
	out := make(map[string]TokenRecord, len(tokens))
	for _, chunk := range chunks(tokens) {
		recs, err := queryTokens(ctx, db,
			`SELECT `+tokenColumns+` FROM tokens t WHERE t.profile = ? AND t.track = ? AND t.source = ? AND t.token IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk, profile, track, int(source))...)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out[r.Token] = r
		}
	}
	return out, nil
}

// TokensByCardIDs returns every record of a profile referencing any of cardIDs.
func TokensByCardIDs(ctx context.Context, db DBExecutor, profile string, cardIDs []int64) ([]TokenRecord, error) {
	return queryTokensIn(ctx, db, cardIDs, func(n int) string {
		return `SELECT DISTINCT ` + tokenColumns + ` FROM tokens t JOIN token_cards c ON c.token_id = t.id
			WHERE t.profile = ? AND c.card_id IN (` + placeholders(n) + `)`
	}, profile)
}

// TokensByLemmas returns every record of a profile carrying any of lemmas.
func TokensByLemmas(ctx context.Context, db DBExecutor, profile string, lemmas []string) ([]TokenRecord, error) {
	return queryTokensIn(ctx, db, lemmas, func(n int) string {
		return `SELECT DISTINCT ` + tokenColumns + ` FROM tokens t JOIN token_lemmas l ON l.token_id = t.id
			WHERE t.profile = ? AND l.lemma IN (` + placeholders(n) + `)`
	}, profile)
}

// TokensByTrack returns every record of a (profile, track).
func TokensByTrack(ctx context.Context, db DBExecutor, profile string, track int) ([]TokenRecord, error) {
	return queryTokens(ctx, db, `SELECT `+tokenColumns+` FROM tokens t WHERE t.profile = ? AND t.track = ? ORDER BY t.token, t.source`, profile, track)
}

func queryTokensIn[T any](ctx context.Context, db DBExecutor, values []T, query func(n int) string, profile string) ([]TokenRecord, error) {
	seen := make(map[int64]bool)
	var out []TokenRecord
	for _, chunk := range chunks(values) {
		recs, err := queryTokens(ctx, db, query(len(chunk)), toArgs(chunk, profile)...)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out, nil
}

// queryTokens fully drains the row set before loading card ids so it works on a single connection.
func queryTokens(ctx context.Context, db DBExecutor, query string, args ...any) ([]TokenRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	recs, err := scanTokens(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := attachCardIDs(ctx, db, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanTokens(rows *sql.Rows) ([]TokenRecord, error) {
	var out []TokenRecord
	for rows.Next() {
		var r TokenRecord
		var source int
		var status sql.NullInt64
		var lemmas, states string
		if err := rows.Scan(&r.ID, &r.Profile, &r.Track, &source, &r.Token, &status, &lemmas, &states); err != nil {
			return nil, err
		}
		r.Source = vocab.Source(source)
		if status.Valid {
			s := vocab.Status(status.Int64)
			r.Status = &s
		}
		if err := json.Unmarshal([]byte(lemmas), &r.Lemmas); err != nil {
			return nil, fmt.Errorf("decode lemmas of %q: %w", r.Token, err)
		}
		if err := json.Unmarshal([]byte(states), &r.States); err != nil {
			return nil, fmt.Errorf("decode states of %q: %w", r.Token, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func attachCardIDs(ctx context.Context, db DBExecutor, recs []TokenRecord) error {
	if len(recs) == 0 {
		return nil
	}
	index := make(map[int64]int, len(recs))
	ids := make([]int64, 0, len(recs))
	for i, r := range recs {
		index[r.ID] = i
		ids = append(ids, r.ID)
	}
	for _, chunk := range chunks(ids) {
		rows, err := db.QueryContext(ctx,
			`SELECT token_id, card_id FROM token_cards WHERE token_id IN (`+placeholders(len(chunk))+`) ORDER BY token_id, card_id`,
			toArgs(chunk)...)
		if err != nil {
			return fmt.Errorf("query token cards: %w", err)
		}
		for rows.Next() {
			var tokenID, cardID int64
			if err := rows.Scan(&tokenID, &cardID); err != nil {
				rows.Close()
				return err
			}
			i := index[tokenID]
			recs[i].CardIDs = append(recs[i].CardIDs, cardID)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
