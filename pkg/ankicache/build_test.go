package ankicache

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/japaniel/vocabsync/pkg/anki/ankitest"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/lease"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

// spaceTokenizer splits on whitespace; every token is its own lemma unless listed.
type spaceTokenizer struct {
	lemmas  map[string][]string
	pingErr error
	// onTokenize runs before every Tokenize call.
	onTokenize func()
}

func (s spaceTokenizer) Tokenize(_ context.Context, text string) ([]string, error) {
	if s.onTokenize != nil {
		s.onTokenize()
	}
	return strings.Fields(text), nil
}

func (s spaceTokenizer) Lemmatize(_ context.Context, token string) ([]string, error) {
	if l, ok := s.lemmas[token]; ok {
		return l, nil
	}
	return []string{token}, nil
}

func (s spaceTokenizer) Ping(context.Context) error { return s.pingErr }

var lemmas = spaceTokenizer{lemmas: map[string][]string{"走っ": {"走る"}, "走る": {"走る"}}}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func seed() *ankitest.Collection {
	c := ankitest.NewCollection()
	c.AddNote(ankitest.Note{ID: 1, Mod: 100, Fields: map[string]string{"Word": "犬", "Sentence": "犬 が 走っ た"}},
		ankitest.Card{ID: 11, Deck: "Japanese", Mod: 100, Type: ankitest.Review, Interval: 30})
	c.AddNote(ankitest.Note{ID: 2, Mod: 100, Fields: map[string]string{"Word": "走る"}},
		ankitest.Card{ID: 21, Deck: "Japanese", Mod: 100})
	return c
}

func track() Track {
	return Track{
		Index:          0,
		Decks:          []string{"Japanese"},
		WordFields:     []string{"Word"},
		SentenceFields: []string{"Sentence"},
		MatureCutoff:   21,
		Tokenizer:      lemmas,
		Fingerprint:    `{"fields":["Word","Sentence"]}`,
	}
}

func newBuilder(conn *sql.DB, c *ankitest.Collection) *Builder {
	b := NewBuilder(conn, c, "")
	b.BatchSize = 1
	return b
}

func build(t *testing.T, b *Builder, tracks ...Track) (Stats, []string, []Event) {
	t.Helper()
	var events []Event
	stats, modified, err := b.Build(context.Background(), tracks, Collect(&events))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return stats, modified, events
}

func buildErr(t *testing.T, b *Builder, tracks ...Track) *BuildError {
	t.Helper()
	_, _, err := b.Build(context.Background(), tracks, nil)
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BuildError, got %v", err)
	}
	return be
}

func TestBuildIsIdempotent(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	b := newBuilder(conn, c)

	stats, modified, events := build(t, b, track())
	if stats.ModifiedCards != 2 || stats.ProcessedCards != 2 {
		t.Fatalf("first build stats = %+v", stats)
	}
	for _, tok := range []string{"犬", "走っ", "走る", "が", "た"} {
		if !slicesContain(modified, tok) {
			t.Fatalf("expected %q modified, got %v", tok, modified)
		}
	}
	var progress []int
	var seen []string
	for _, e := range events {
		if e.Kind != EventProgress {
			continue
		}
		progress = append(progress, e.Progress.Current)
		if len(e.ModifiedTokens) == 0 {
			t.Fatalf("progress %d carries no modified tokens", e.Progress.Current)
		}
		for _, tok := range seen {
			if !slicesContain(e.ModifiedTokens, tok) {
				t.Fatalf("progress %d dropped %q: %v", e.Progress.Current, tok, e.ModifiedTokens)
			}
		}
		seen = e.ModifiedTokens
	}
	if !reflect.DeepEqual(progress, []int{1, 2}) {
		t.Fatalf("progress = %v", progress)
	}
	if last := events[len(events)-1]; last.Kind != EventStats {
		t.Fatalf("last event = %+v", last)
	}

	statuses, err := db.CardStatuses(context.Background(), conn, db.DefaultProfile, 0, []int64{11, 21})
	if err != nil {
		t.Fatalf("CardStatuses: %v", err)
	}
	if statuses[11].Status != vocab.Mature || statuses[21].Status != vocab.Unknown {
		t.Fatalf("statuses = %+v", statuses)
	}

	stats, modified, _ = build(t, b, track())
	if len(modified) != 0 || stats.ModifiedCards != 0 || stats.ProcessedCards != 0 {
		t.Fatalf("second build must change nothing, got stats=%+v modified=%v", stats, modified)
	}
	if n := c.Calls("cardsInfo"); n != 1 {
		t.Fatalf("card details must only be fetched by the first build, got %d calls", n)
	}

	// Leases are released after every build.
	metas, _ := db.ListMeta(context.Background(), conn, db.DefaultProfile)
	for _, m := range metas {
		if m.BuildID != "" {
			t.Fatalf("lease still held: %+v", m)
		}
	}
}

func TestBuildPicksUpEdits(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	b := newBuilder(conn, c)
	build(t, b, track())

	c.UpdateNote(2, func(n *ankitest.Note) {
		n.Mod = 200
		n.Fields["Word"] = "猫"
	})
	_, modified, _ := build(t, b, track())
	// 走る lost its word card but still has the 走っ sentence form through its lemma.
	for _, tok := range []string{"猫", "走る", "走っ"} {
		if !slicesContain(modified, tok) {
			t.Fatalf("expected %q modified, got %v", tok, modified)
		}
	}
	if slicesContain(modified, "犬") {
		t.Fatalf("犬 was not affected, got %v", modified)
	}
	got, _ := db.GetTokensBySource(context.Background(), conn, db.DefaultProfile, 0, vocab.SourceWordField, []string{"走る", "猫"})
	if _, ok := got["走る"]; ok {
		t.Fatalf("走る word record must be removed")
	}
	if !reflect.DeepEqual(got["猫"].CardIDs, []int64{21}) {
		t.Fatalf("猫 = %+v", got["猫"])
	}
}

func TestBuildClearsTrackWithoutFields(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	b := newBuilder(conn, c)
	build(t, b, track())

	cleared := track()
	cleared.WordFields = nil
	cleared.SentenceFields = nil
	stats, modified, _ := build(t, b, cleared)
	if !reflect.DeepEqual(stats.ClearedTracks, []int{0}) || stats.ClearedCards != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, tok := range []string{"犬", "走っ", "走る", "が", "た"} {
		if !slicesContain(modified, tok) {
			t.Fatalf("expected %q modified, got %v", tok, modified)
		}
	}
	if recs, _ := db.TokensByTrack(context.Background(), conn, db.DefaultProfile, 0); len(recs) != 0 {
		t.Fatalf("tokens left: %+v", recs)
	}
	if cards, _ := db.CardsByProfile(context.Background(), conn, db.DefaultProfile); len(cards) != 0 {
		t.Fatalf("cards left: %+v", cards)
	}
}

func TestBuildSettingsChangeRebuilds(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	b := newBuilder(conn, c)
	build(t, b, track())

	changed := track()
	changed.MatureCutoff = 60
	changed.Fingerprint = `{"fields":["Word","Sentence"],"cutoff":60}`
	stats, _, _ := build(t, b, changed)
	if !reflect.DeepEqual(stats.ClearedTracks, []int{0}) || stats.ProcessedCards != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	statuses, _ := db.CardStatuses(context.Background(), conn, db.DefaultProfile, 0, []int64{11})
	if statuses[11].Status != vocab.Young {
		t.Fatalf("card 11 must be reclassified with the new cutoff, got %v", statuses[11].Status)
	}
	m, _, _ := db.GetMeta(context.Background(), conn, db.DefaultProfile, 0)
	if m.Settings != changed.Fingerprint {
		t.Fatalf("settings = %q", m.Settings)
	}
}

func TestBuildPermissionDenied(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	c.Denied = true
	if be := buildErr(t, newBuilder(conn, c), track()); be.Code != CodePermission {
		t.Fatalf("code = %s", be.Code)
	}
	if metas, _ := db.ListMeta(context.Background(), conn, db.DefaultProfile); len(metas) != 0 {
		t.Fatalf("a refused build must not take a lease, got %+v", metas)
	}
}

func TestBuildConcurrent(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	now := time.UnixMilli(1_700_000_000_000)
	coord := &lease.Coordinator{DB: conn, Now: func() time.Time { return now }}
	g, err := coord.Acquire(context.Background(), lease.Key{Profile: db.DefaultProfile, Track: 0}, "other")
	if err != nil || !g.Granted {
		t.Fatalf("acquire: %+v %v", g, err)
	}

	b := newBuilder(conn, c)
	b.Now = func() time.Time { return now.Add(time.Minute) }
	be := buildErr(t, b, track())
	if be.Code != CodeConcurrentBuild || !be.RetryAfter.Equal(g.ExpiresAt) {
		t.Fatalf("error = %+v", be)
	}
	m, _, _ := db.GetMeta(context.Background(), conn, db.DefaultProfile, 0)
	if m.BuildID != "other" {
		t.Fatalf("the other lease must be untouched, got %+v", m)
	}
}

func TestBuildSkipsTrackWithUnavailableTokenizer(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	down := track()
	down.Index = 1
	down.Tokenizer = spaceTokenizer{pingErr: errors.New("connection refused")}

	stats, _, events := build(t, newBuilder(conn, c), track(), down)
	if !reflect.DeepEqual(stats.SkippedTracks, []int{1}) || !reflect.DeepEqual(stats.Tracks, []int{0}) {
		t.Fatalf("stats = %+v", stats)
	}
	var found bool
	for _, e := range events {
		if e.Kind == EventError && e.Error.Code == CodeDependencyUnavailable && e.Error.Track == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dependency_unavailable event, got %+v", events)
	}
	if cards, _ := db.CardsByProfile(context.Background(), conn, db.DefaultProfile); len(cards) != 2 {
		t.Fatalf("track 0 must still be built, got %+v", cards)
	}
}

func TestBuildCorruptedLease(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	var once sync.Once
	tr := track()
	tr.Tokenizer = spaceTokenizer{onTokenize: func() {
		once.Do(func() {
			if _, err := db.DeleteProfile(context.Background(), conn, db.DefaultProfile); err != nil {
				t.Errorf("delete profile: %v", err)
			}
		})
	}}
	var events []Event
	_, _, err := newBuilder(conn, c).Build(context.Background(), []Track{tr}, Collect(&events))
	var be *BuildError
	if !errors.As(err, &be) || be.Code != CodeCorruptedLease || !errors.Is(err, lease.ErrCorruptedLease) {
		t.Fatalf("expected corrupted lease, got %v", err)
	}
	if last := events[len(events)-1]; last.Kind != EventError {
		t.Fatalf("last event = %+v", last)
	}
	if cards, _ := db.CardsByProfile(context.Background(), conn, db.DefaultProfile); len(cards) != 0 {
		t.Fatalf("no batch may be written after the lease is lost, got %+v", cards)
	}
}

func TestBuildInconsistentSync(t *testing.T) {
	conn := setupDB(t)
	c := seed()
	var once sync.Once
	c.Before = func(action string) {
		if action == "notesInfo" {
			once.Do(func() { c.RemoveNote(2) })
		}
	}
	if be := buildErr(t, newBuilder(conn, c), track()); be.Code != CodeSyncInconsistency {
		t.Fatalf("code = %s", be.Code)
	}
}

func slicesContain(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
