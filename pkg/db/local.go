package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

// SaveLocalBulk validates and stores user-authored token statuses in one transaction.
// States already stored for a token are merged into the new record.
func SaveLocalBulk(ctx context.Context, conn *sql.DB, profile string, inputs []LocalTokenInput) ([]TokenKey, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	profile = ProfileOrDefault(profile)
	var keys []TokenKey
	err := WithTx(ctx, conn, func(tx *sql.Tx) error {
		tokens := make([]string, 0, len(inputs))
		for _, in := range inputs {
			tokens = append(tokens, in.Token)
		}
		existing, err := GetTokensBySource(ctx, tx, profile, LocalTrack, vocab.SourceLocal, tokens)
		if err != nil {
			return err
		}
		records := make([]TokenRecord, 0, len(inputs))
		for _, in := range inputs {
			if in.Token == "" || !vocab.HasLetter(in.Token) {
				return fmt.Errorf("cannot save local token with invalid token: %q", in.Token)
			}
			if !in.Status.Valid() {
				return fmt.Errorf("cannot save local token %q with invalid status %d", in.Token, in.Status)
			}
			states := append([]vocab.State(nil), in.States...)
			if prev, ok := existing[in.Token]; ok {
				states = vocab.MergeStates(states, prev.States)
			}
			if len(in.Lemmas) == 0 {
				return fmt.Errorf("cannot save local token with no lemmas: %q", in.Token)
			}
			if in.Status == vocab.Uncollected && len(states) == 0 {
				return fmt.Errorf("cannot save local token with uncollected status and no states: %q", in.Token)
			}
			status := in.Status
			records = append(records, TokenRecord{
				Profile: profile,
				Track:   LocalTrack,
				Source:  vocab.SourceLocal,
				Token:   in.Token,
				Status:  &status,
				Lemmas:  in.Lemmas,
				States:  states,
			})
		}
		if err := PutTokens(ctx, tx, records); err != nil {
			return err
		}
		for _, r := range records {
			keys = append(keys, r.Key())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteLocalBulk removes LOCAL records for tokens and returns how many were deleted.
func DeleteLocalBulk(ctx context.Context, db DBExecutor, profile string, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	existing, err := GetTokensBySource(ctx, db, ProfileOrDefault(profile), LocalTrack, vocab.SourceLocal, tokens)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(existing))
	for _, r := range existing {
		ids = append(ids, r.ID)
	}
	if err := DeleteTokens(ctx, db, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ProfileCounts reports rows removed by DeleteProfile.
type ProfileCounts struct {
	Meta   int64
	Tokens int64
	Cards  int64
}

// DeleteProfile removes every meta, token and card row of profile in one transaction.
// A build running for the profile fails its next lease health check.
func DeleteProfile(ctx context.Context, conn *sql.DB, profile string) (ProfileCounts, error) {
	var counts ProfileCounts
	if strings.TrimSpace(profile) == "" {
		return counts, fmt.Errorf("profile must be non-empty")
	}
	err := WithTx(ctx, conn, func(tx *sql.Tx) error {
		sub := `SELECT id FROM tokens WHERE profile = ?`
		if _, err := tx.ExecContext(ctx, `DELETE FROM token_cards WHERE token_id IN (`+sub+`)`, profile); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM token_lemmas WHERE token_id IN (`+sub+`)`, profile); err != nil {
			return err
		}
		for _, step := range []struct {
			query string
			n     *int64
		}{
			{`DELETE FROM meta WHERE profile = ?`, &counts.Meta},
			{`DELETE FROM tokens WHERE profile = ?`, &counts.Tokens},
			{`DELETE FROM anki_cards WHERE profile = ?`, &counts.Cards},
		} {
			res, err := tx.ExecContext(ctx, step.query, profile)
			if err != nil {
				return fmt.Errorf("delete profile: %w", err)
			}
			*step.n, _ = res.RowsAffected()
		}
		return nil
	})
	return counts, err
}
