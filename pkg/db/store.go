package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DBExecutor is an interface that allows methods to accept either *sql.DB or *sql.Tx
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// maxInArgs bounds the number of bound parameters in one IN (...) list.
const maxInArgs = 500

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// chunks splits values into slices of at most maxInArgs.
func chunks[T any](values []T) [][]T {
	var out [][]T
	for len(values) > maxInArgs {
		out = append(out, values[:maxInArgs])
		values = values[maxInArgs:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}

func toArgs[T any](values []T, prefix ...any) []any {
	args := make([]any, 0, len(prefix)+len(values))
	args = append(args, prefix...)
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// GetMeta returns the meta row for (profile, track). ok is false when none exists.
func GetMeta(ctx context.Context, db DBExecutor, profile string, track int) (m Meta, ok bool, err error) {
	var started, expires int64
	var buildID, settings sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT last_build_started_at, last_build_expires_at, build_id, settings FROM meta WHERE profile = ? AND track = ?`,
		profile, track,
	).Scan(&started, &expires, &buildID, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("get meta: %w", err)
	}
	return Meta{
		Profile:            profile,
		Track:              track,
		LastBuildStartedAt: fromMillis(started),
		LastBuildExpiresAt: fromMillis(expires),
		BuildID:            buildID.String,
		Settings:           settings.String,
	}, true, nil
}

// ListMeta returns every meta row of a profile ordered by track.
func ListMeta(ctx context.Context, db DBExecutor, profile string) ([]Meta, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT track, last_build_started_at, last_build_expires_at, build_id, settings FROM meta WHERE profile = ? ORDER BY track`,
		profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		m := Meta{Profile: profile}
		var started, expires int64
		var buildID, settings sql.NullString
		if err := rows.Scan(&m.Track, &started, &expires, &buildID, &settings); err != nil {
			return nil, err
		}
		m.LastBuildStartedAt = fromMillis(started)
		m.LastBuildExpiresAt = fromMillis(expires)
		m.BuildID = buildID.String
		m.Settings = settings.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertLease records buildID as the owner of (profile, track), keeping any saved settings.
func UpsertLease(ctx context.Context, db DBExecutor, profile string, track int, buildID string, startedAt, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO meta (profile, track, last_build_started_at, last_build_expires_at, build_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(profile, track) DO UPDATE SET
		  last_build_started_at = excluded.last_build_started_at,
		  last_build_expires_at = excluded.last_build_expires_at,
		  build_id = excluded.build_id`,
		profile, track, toMillis(startedAt), toMillis(expiresAt), buildID)
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}

// ExtendLease moves the expiry of a lease still owned by buildID. It reports whether a row changed.
func ExtendLease(ctx context.Context, db DBExecutor, profile string, track int, buildID string, expiresAt time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE meta SET last_build_expires_at = ? WHERE profile = ? AND track = ? AND build_id = ?`,
		toMillis(expiresAt), profile, track, buildID)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearBuildID releases the lease if buildID still owns it; timestamps are kept.
func ClearBuildID(ctx context.Context, db DBExecutor, profile string, track int, buildID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE meta SET build_id = NULL WHERE profile = ? AND track = ? AND build_id = ?`,
		profile, track, buildID)
	if err != nil {
		return false, fmt.Errorf("clear build id: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetSettings stores the settings fingerprint of an existing meta row.
func SetSettings(ctx context.Context, db DBExecutor, profile string, track int, settings string) error {
	_, err := db.ExecContext(ctx, `UPDATE meta SET settings = ? WHERE profile = ? AND track = ?`, settings, profile, track)
	if err != nil {
		return fmt.Errorf("set settings: %w", err)
	}
	return nil
}
