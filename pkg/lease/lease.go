package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/japaniel/vocabsync/pkg/db"
)

// MinDuration is the shortest lease ever granted or extended.
const MinDuration = 5 * time.Minute

// ErrCorruptedLease means a build no longer owns a lease it acquired, because another
// process reclaimed it after expiry or the profile was deleted.
var ErrCorruptedLease = errors.New("build lease lost")

// Key identifies one lease.
type Key struct {
	Profile string
	Track   int
}

func (k Key) String() string { return fmt.Sprintf("%s/track %d", k.Profile, k.Track+1) }

// Grant is the outcome of an acquire attempt. When denied, ExpiresAt is the expiry of the
// lease currently held by Holder.
type Grant struct {
	Granted   bool
	ExpiresAt time.Time
	Holder    string
	// Reclaimed is the id of an expired lease taken over by this grant.
	Reclaimed string
}

// Acquire grants candidate the lease for key if none exists, if candidate already owns it,
// or if the current one has expired at now. It must run inside a write transaction so the
// read and the update cannot interleave with another process.
func Acquire(ctx context.Context, ex db.DBExecutor, key Key, candidate string, now time.Time) (Grant, error) {
	if candidate == "" {
		return Grant{}, fmt.Errorf("candidate id must be non-empty")
	}
	m, ok, err := db.GetMeta(ctx, ex, key.Profile, key.Track)
	if err != nil {
		return Grant{}, err
	}
	var g Grant
	if ok && m.BuildID != "" && m.BuildID != candidate {
		if now.Before(m.LastBuildExpiresAt) {
			return Grant{ExpiresAt: m.LastBuildExpiresAt, Holder: m.BuildID}, nil
		}
		g.Reclaimed = m.BuildID
	}
	expires := now.Add(MinDuration)
	if err := db.UpsertLease(ctx, ex, key.Profile, key.Track, candidate, now, expires); err != nil {
		return Grant{}, err
	}
	g.Granted = true
	g.ExpiresAt = expires
	g.Holder = candidate
	return g, nil
}

// HealthCheck verifies candidate still owns every key. Call it inside the transaction
// that performs the guarded writes.
func HealthCheck(ctx context.Context, ex db.DBExecutor, candidate string, keys ...Key) error {
	for _, key := range keys {
		m, ok, err := db.GetMeta(ctx, ex, key.Profile, key.Track)
		if err != nil {
			return err
		}
		if !ok || m.BuildID != candidate {
			return fmt.Errorf("%w for %s", ErrCorruptedLease, key)
		}
	}
	return nil
}

// ETA extrapolates the remaining time from the processing rate observed so far.
func ETA(current, total int, startedAt, now time.Time) time.Duration {
	elapsed := now.Sub(startedAt)
	if current <= 0 || elapsed <= 0 || total <= current {
		return 0
	}
	perItem := elapsed / time.Duration(current)
	return perItem * time.Duration(total-current)
}

// Coordinator runs lease operations in their own transactions.
type Coordinator struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Acquire runs Acquire in a transaction at the coordinator's clock.
func (c *Coordinator) Acquire(ctx context.Context, key Key, candidate string) (Grant, error) {
	var g Grant
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		var err error
		g, err = Acquire(ctx, tx, key, candidate, c.now())
		return err
	})
	if err == nil && g.Reclaimed != "" {
		c.logger().Warn("reclaimed stale build lease", "profile", key.Profile, "track", key.Track, "stale_build_id", g.Reclaimed, "build_id", candidate)
	}
	return g, err
}

// Renew health-checks every key and extends it to now + max(eta, MinDuration).
func (c *Coordinator) Renew(ctx context.Context, candidate string, eta time.Duration, keys ...Key) (time.Time, error) {
	var expires time.Time
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		if err := HealthCheck(ctx, tx, candidate, keys...); err != nil {
			return err
		}
		expires = c.now().Add(max(eta, MinDuration))
		for _, key := range keys {
			if _, err := db.ExtendLease(ctx, tx, key.Profile, key.Track, candidate, expires); err != nil {
				return err
			}
		}
		return nil
	})
	return expires, err
}

// Release clears candidate's ownership of every key it still holds. Failures are logged and
// the first one returned; remaining keys are still attempted.
func (c *Coordinator) Release(ctx context.Context, candidate string, keys ...Key) error {
	var first error
	for _, key := range keys {
		if _, err := db.ClearBuildID(ctx, c.DB, key.Profile, key.Track, candidate); err != nil {
			c.logger().Error("release build lease", "profile", key.Profile, "track", key.Track, "build_id", candidate, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
