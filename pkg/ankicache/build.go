// Package ankicache runs cache builds: it takes the build leases, syncs against the card
// store, classifies and re-tokenizes modified cards, and reports progress as events.
package ankicache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/classify"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/diff"
	"github.com/japaniel/vocabsync/pkg/ingest"
	"github.com/japaniel/vocabsync/pkg/lease"
	"github.com/japaniel/vocabsync/pkg/observe"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

// Track is the build configuration of one track.
type Track struct {
	Index int
	// Disabled tracks keep their cache but are not rebuilt.
	Disabled       bool
	Decks          []string
	WordFields     []string
	SentenceFields []string
	MatureCutoff   int
	Tokenizer      tokenizer.Tokenizer
	// Fingerprint serializes every setting the cache content depends on. A change
	// clears the track before syncing.
	Fingerprint string
}

func (t Track) hasFields() bool { return len(t.WordFields)+len(t.SentenceFields) > 0 }

func (t Track) fields() []string {
	return diff.Track{WordFields: t.WordFields, SentenceFields: t.SentenceFields}.Fields()
}

// Builder runs cache builds for one profile.
type Builder struct {
	DB      *sql.DB
	Client  anki.Client
	Profile string

	BatchSize int
	Workers   int
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger
	Metrics   *observe.Metrics
}

// NewBuilder returns a Builder with default batching and uuid build ids.
func NewBuilder(conn *sql.DB, client anki.Client, profile string) *Builder {
	return &Builder{
		DB:        conn,
		Client:    client,
		Profile:   db.ProfileOrDefault(profile),
		BatchSize: ingest.DefaultBatchSize,
		Workers:   4,
	}
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// run holds the state of one build.
type run struct {
	*Builder
	profile   string
	buildID   string
	keys      []lease.Key
	leases    *lease.Coordinator
	emit      Sink
	touched   vocab.TokenSet
	stats     Stats
	startedAt time.Time
}

func (r *run) healthCheck(ctx context.Context, tx *sql.Tx) error {
	return lease.HealthCheck(ctx, tx, r.buildID, r.keys...)
}

// Build runs one build over tracks, emitting progress events and a final stats or error
// event to emit (which may be nil). The returned error is a *BuildError.
func (b *Builder) Build(ctx context.Context, tracks []Track, emit Sink) (Stats, []string, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	newID := b.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	r := &run{
		Builder:   b,
		profile:   db.ProfileOrDefault(b.Profile),
		buildID:   newID(),
		leases:    &lease.Coordinator{DB: b.DB, Now: b.Now, Logger: b.Logger},
		emit:      emit,
		touched:   vocab.TokenSet{},
		startedAt: b.now(),
	}
	err := r.build(ctx, tracks)
	if len(r.keys) > 0 {
		// The build context may be cancelled already.
		_ = r.leases.Release(context.WithoutCancel(ctx), r.buildID, r.keys...)
	}
	if gerr := db.ExpandByLemmas(context.WithoutCancel(ctx), b.DB, r.profile, r.touched); gerr != nil && err == nil {
		err = wrap(NoTrack, "gather modified tokens", gerr)
	}
	r.stats.Duration = b.now().Sub(r.startedAt)
	modified := r.touched.Slice()

	result := "ok"
	if err != nil {
		be := wrap(NoTrack, "build failed", err)
		result = string(be.Code)
		b.logger().Error("cache build failed", "profile", r.profile, "build_id", r.buildID, "code", be.Code, "track", be.Track, "error", be)
		emit(Event{Kind: EventError, Error: be, ModifiedTokens: modified})
		err = be
	} else {
		b.logger().Info("cache build finished", "profile", r.profile, "build_id", r.buildID,
			"tracks", len(r.stats.Tracks), "cards", r.stats.ModifiedCards, "modified_tokens", len(modified), "duration", r.stats.Duration)
		stats := r.stats
		emit(Event{Kind: EventStats, Stats: &stats, ModifiedTokens: modified})
	}
	if b.Metrics != nil {
		b.Metrics.RecordBuild(ctx, result, r.stats.Duration.Seconds(), r.stats.ProcessedCards, len(modified))
	}
	return r.stats, modified, err
}

func (r *run) build(ctx context.Context, tracks []Track) error {
	// Permission comes first so a refused build takes no lease.
	if err := r.Client.RequestPermission(ctx); err != nil {
		return &BuildError{Code: CodePermission, Track: NoTrack, Message: "could not get card store permission", Err: err}
	}
	if err := r.acquire(ctx, tracks); err != nil {
		return err
	}

	active, reset, err := r.prepare(ctx, tracks)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		r.logger().Info("no tracks to build", "profile", r.profile, "cleared", r.stats.ClearedTracks, "skipped", r.stats.SkippedTracks)
		return nil
	}

	diffTracks := make([]diff.Track, 0, len(active))
	for _, t := range active {
		r.stats.Tracks = append(r.stats.Tracks, t.Index)
		diffTracks = append(diffTracks, diff.Track{
			Index: t.Index, Decks: t.Decks, WordFields: t.WordFields, SentenceFields: t.SentenceFields, Reset: reset[t.Index],
		})
	}
	res, err := diff.Diff(ctx, r.Client, r.DB, r.profile, diffTracks)
	if err != nil {
		return wrap(NoTrack, "could not sync track states with the card store", err)
	}
	r.stats.ModifiedCards = res.Updated

	statuses := make(map[int]map[int64]vocab.Status, len(active))
	for _, t := range active {
		var ids []int64
		for _, c := range res.Modified {
			if c.InTrack(t.Index) {
				ids = append(ids, c.ID)
			}
		}
		st, err := classify.Classify(ctx, r.Client, ids, t.fields(), t.MatureCutoff)
		if err != nil {
			return wrap(t.Index, "could not classify cards", err)
		}
		statuses[t.Index] = st
	}

	// Suspension and orphans first: a failed batch below must not leave them stale behind
	// already updated modification times.
	indices := make([]int, 0, len(active))
	for _, t := range active {
		indices = append(indices, t.Index)
	}
	err = db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if err := r.healthCheck(ctx, tx); err != nil {
			return err
		}
		n, err := db.UpdateSuspension(ctx, tx, r.profile, indices, res.Suspend, res.Unsuspend, r.touched)
		if err != nil {
			return err
		}
		r.stats.SuspensionChanges = n
		n, err = db.DeleteOrphanedCards(ctx, tx, r.profile, res.Orphaned, r.touched)
		r.stats.OrphanedCards = n
		return err
	})
	if err != nil {
		return wrap(NoTrack, "could not apply suspension and orphan changes", err)
	}

	return r.tokens(ctx, active, res.Modified, statuses)
}

// acquire takes the lease of every configured track, disabled ones included, so no other
// process builds the profile concurrently.
func (r *run) acquire(ctx context.Context, tracks []Track) error {
	for _, t := range tracks {
		key := lease.Key{Profile: r.profile, Track: t.Index}
		g, err := r.leases.Acquire(ctx, key, r.buildID)
		if err != nil {
			return wrap(t.Index, "could not acquire build lease", err)
		}
		if !g.Granted {
			return &BuildError{
				Code:       CodeConcurrentBuild,
				Track:      t.Index,
				Message:    fmt.Sprintf("build already in progress, expires at %s", g.ExpiresAt.Format(time.TimeOnly)),
				RetryAfter: g.ExpiresAt,
			}
		}
		r.keys = append(r.keys, key)
	}
	return nil
}

// prepare picks the tracks to build. Tracks without fields, and tracks whose settings
// changed, are cleared; the new settings are saved with the deletion so an interrupted
// build resumes incrementally. Tracks with an unreachable tokenizer are skipped.
func (r *run) prepare(ctx context.Context, tracks []Track) ([]Track, map[int]bool, error) {
	var active []Track
	var clear []int
	settings := make(map[int]string)
	reset := make(map[int]bool)
	for _, t := range tracks {
		if t.Disabled {
			continue
		}
		if !t.hasFields() {
			clear = append(clear, t.Index)
			continue
		}
		if t.Tokenizer == nil {
			return nil, nil, &BuildError{Code: CodeInternal, Track: t.Index, Message: "no tokenizer configured"}
		}
		if err := t.Tokenizer.Ping(ctx); err != nil {
			r.logger().Warn("skipping track, tokenizer unavailable", "profile", r.profile, "track", t.Index+1, "error", err)
			r.stats.SkippedTracks = append(r.stats.SkippedTracks, t.Index)
			r.emit(Event{Kind: EventError, Error: &BuildError{
				Code: CodeDependencyUnavailable, Track: t.Index, Message: "tokenizer unavailable, track skipped", Err: err,
			}, ModifiedTokens: r.touched.Slice()})
			continue
		}
		meta, ok, err := db.GetMeta(ctx, r.DB, r.profile, t.Index)
		if err != nil {
			return nil, nil, wrap(t.Index, "read track settings", err)
		}
		if !ok || meta.Settings != t.Fingerprint {
			clear = append(clear, t.Index)
			settings[t.Index] = t.Fingerprint
			reset[t.Index] = true
		}
		active = append(active, t)
	}
	if len(clear) == 0 {
		return active, reset, nil
	}

	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if err := r.healthCheck(ctx, tx); err != nil {
			return err
		}
		for _, track := range clear {
			n, err := db.ClearTrack(ctx, tx, r.profile, track, r.touched)
			if err != nil {
				return err
			}
			r.stats.ClearedCards += n
			if s, ok := settings[track]; ok {
				if err := db.SetSettings(ctx, tx, r.profile, track, s); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, wrap(NoTrack, "could not clear tracks", err)
	}
	r.stats.ClearedTracks = clear
	r.logger().Info("cleared tracks", "profile", r.profile, "tracks", clear, "cards", r.stats.ClearedCards)
	return active, reset, nil
}

// tokens re-tokenizes modified cards in batches, renewing the leases from the observed rate.
func (r *run) tokens(ctx context.Context, active []Track, cards []diff.Card, statuses map[int]map[int64]vocab.Status) error {
	if len(cards) == 0 {
		return nil
	}
	started := r.now()
	ib := ingest.NewBuilder(r.DB, r.profile)
	if r.BatchSize > 0 {
		ib.BatchSize = r.BatchSize
	}
	if r.Workers > 0 {
		ib.Workers = r.Workers
	}
	ib.Logger = r.Logger
	ib.Guard = r.healthCheck
	ib.OnBatch = func(ctx context.Context, done, total int) error {
		eta := lease.ETA(done, total, started, r.now())
		if _, err := r.leases.Renew(ctx, r.buildID, eta, r.keys...); err != nil {
			return err
		}
		r.emit(Event{Kind: EventProgress, Progress: &Progress{Current: done, Total: total, StartedAt: started, ETA: eta}, ModifiedTokens: r.touched.Slice()})
		return nil
	}

	tracks := make([]ingest.Track, 0, len(active))
	for _, t := range active {
		tracks = append(tracks, ingest.Track{Index: t.Index, WordFields: t.WordFields, SentenceFields: t.SentenceFields, Tokenizer: t.Tokenizer})
	}
	slices.SortFunc(tracks, func(a, b ingest.Track) int { return a.Index - b.Index })
	done, err := ib.Build(ctx, tracks, cards, statuses, r.touched)
	r.stats.ProcessedCards = done
	if err != nil {
		return wrap(NoTrack, fmt.Sprintf("token build stopped after %d of %d cards", done, len(cards)), err)
	}
	return nil
}
