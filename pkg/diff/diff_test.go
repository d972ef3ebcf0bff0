package diff

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/japaniel/vocabsync/pkg/anki/ankitest"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

func setupTestDB(t *testing.T) db.DBExecutor {
	t.Helper()
	conn, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

var tracks = []Track{
	{Index: 0, Decks: []string{"Japanese"}, WordFields: []string{"Word"}, SentenceFields: []string{"Sentence"}},
	{Index: 1, Decks: []string{"Mining"}, WordFields: []string{"Expression"}},
}

func seed() *ankitest.Collection {
	c := ankitest.NewCollection()
	c.AddNote(ankitest.Note{ID: 1, Mod: 100, Fields: map[string]string{"Word": "犬", "Sentence": "犬 が いる"}},
		ankitest.Card{ID: 11, Deck: "Japanese::Core", Mod: 50})
	c.AddNote(ankitest.Note{ID: 2, Mod: 100, Fields: map[string]string{"Expression": "猫"}},
		ankitest.Card{ID: 21, Deck: "Mining", Mod: 150})
	// Outside every track.
	c.AddNote(ankitest.Note{ID: 3, Mod: 100, Fields: map[string]string{"Word": "鳥"}},
		ankitest.Card{ID: 31, Deck: "Other", Mod: 50})
	return c
}

// store caches every modified card under its tracks, as a completed build would.
func store(t *testing.T, conn db.DBExecutor, res Result) {
	t.Helper()
	var recs []db.CardRecord
	for _, c := range res.Modified {
		for _, tr := range c.Tracks {
			recs = append(recs, db.CardRecord{
				Profile: db.DefaultProfile, Track: tr, CardID: c.ID, NoteID: c.NoteID,
				ModifiedAt: c.ModifiedAt, Status: vocab.Unknown, Suspended: c.Suspended,
			})
		}
	}
	if err := db.PutCards(context.Background(), conn, recs); err != nil {
		t.Fatalf("PutCards: %v", err)
	}
}

func run(t *testing.T, c *ankitest.Collection, conn db.DBExecutor, tr []Track) Result {
	t.Helper()
	res, err := Diff(context.Background(), c, conn, db.DefaultProfile, tr)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	return res
}

func TestDiffFirstSync(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	res := run(t, c, conn, tracks)
	if len(res.Modified) != 2 || res.Updated != 2 {
		t.Fatalf("expected two modified cards, got %+v", res)
	}
	first, second := res.Modified[0], res.Modified[1]
	if first.ID != 11 || !reflect.DeepEqual(first.Tracks, []int{0}) || first.ModifiedAt != 100 {
		t.Fatalf("card 11 = %+v", first)
	}
	if second.ID != 21 || !reflect.DeepEqual(second.Tracks, []int{1}) || second.ModifiedAt != 150 {
		t.Fatalf("card 21 = %+v", second)
	}
	if first.Fields["Sentence"] != "犬 が いる" {
		t.Fatalf("fields not carried: %v", first.Fields)
	}
	if res.OrphanCount() != 0 {
		t.Fatalf("unexpected orphans %v", res.Orphaned)
	}
}

func TestDiffOnlyFetchesChangedCards(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	store(t, conn, run(t, c, conn, tracks))

	c.ResetCalls()
	if res := run(t, c, conn, tracks); len(res.Modified) != 0 || res.Updated != 0 {
		t.Fatalf("expected no changes, got %+v", res)
	}
	if n := c.Calls("cardsInfo"); n != 0 {
		t.Fatalf("card details must not be fetched when nothing changed, got %d calls", n)
	}

	c.UpdateCard(21, func(card *ankitest.Card) { card.Mod = 300 })
	c.ResetCalls()
	res := run(t, c, conn, tracks)
	if len(res.Modified) != 1 || res.Modified[0].ID != 21 || res.Modified[0].ModifiedAt != 300 {
		t.Fatalf("expected card 21 modified, got %+v", res.Modified)
	}
	if got := c.Requested("cardsInfo"); !reflect.DeepEqual(got, [][]int64{{21}}) {
		t.Fatalf("cardsInfo requested %v", got)
	}
}

func TestDiffResetRebuildsOnlyItsTrack(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	store(t, conn, run(t, c, conn, tracks))
	reset := append([]Track{}, tracks...)
	reset[1].Reset = true
	c.ResetCalls()
	res := run(t, c, conn, reset)
	if len(res.Modified) != 1 || res.Modified[0].ID != 21 {
		t.Fatalf("a reset track must rebuild only its own cards, got %+v", res.Modified)
	}
	if got := c.Requested("cardsInfo"); !reflect.DeepEqual(got, [][]int64{{21}}) {
		t.Fatalf("cardsInfo requested %v", got)
	}
}

func TestDiffSkipsBlankFieldCards(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	c.AddNote(ankitest.Note{ID: 4, Mod: 100, Fields: map[string]string{"Word": " \u3000 ", "Sentence": "\t"}},
		ankitest.Card{ID: 41, Deck: "Japanese", Mod: 50})
	for i := 0; i < 2; i++ {
		c.ResetCalls()
		res := run(t, c, conn, tracks)
		for _, card := range res.Modified {
			if card.ID == 41 {
				t.Fatalf("run %d: blank card reported modified: %+v", i, card)
			}
		}
		for _, req := range c.Requested("cardsInfo") {
			for _, id := range req {
				if id == 41 {
					t.Fatalf("run %d: details fetched for blank card", i)
				}
			}
		}
		store(t, conn, res)
	}
}

func TestDiffOrphans(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	store(t, conn, run(t, c, conn, tracks))

	c.RemoveNote(2)
	c.UpdateNote(1, func(n *ankitest.Note) {
		n.Mod = 200
		n.Fields["Word"] = ""
		n.Fields["Sentence"] = "  "
	})
	res := run(t, c, conn, tracks)
	want := map[int][]int64{0: {11}, 1: {21}}
	if !reflect.DeepEqual(res.Orphaned, want) {
		t.Fatalf("orphaned = %v, want %v", res.Orphaned, want)
	}
	// Card 11 kept only blank fields and card 21 disappeared.
	if res.Updated != 2 {
		t.Fatalf("updated = %d", res.Updated)
	}
}

func TestDiffDeckMove(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	store(t, conn, run(t, c, conn, tracks))

	// Moving into a deck of the other track re-homes the card.
	c.UpdateCard(11, func(card *ankitest.Card) {
		card.Deck = "Mining"
		card.Mod = 400
	})
	c.UpdateNote(1, func(n *ankitest.Note) { n.Fields["Expression"] = "犬" })
	res := run(t, c, conn, tracks)
	if len(res.Modified) != 1 || !reflect.DeepEqual(res.Modified[0].Tracks, []int{1}) {
		t.Fatalf("modified = %+v", res.Modified)
	}
	if !reflect.DeepEqual(res.Orphaned[0], []int64{11}) {
		t.Fatalf("expected card 11 orphaned from track 0, got %v", res.Orphaned)
	}
}

func TestDiffSuspension(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	store(t, conn, run(t, c, conn, tracks))

	c.UpdateCard(11, func(card *ankitest.Card) {
		card.Suspended = true
		card.Mod = 500
	})
	res := run(t, c, conn, tracks)
	if !reflect.DeepEqual(res.Suspend, []int64{11}) || len(res.Unsuspend) != 0 {
		t.Fatalf("suspend=%v unsuspend=%v", res.Suspend, res.Unsuspend)
	}
	if !res.Modified[0].Suspended {
		t.Fatalf("modified card must carry its suspension")
	}
}

func TestDiffInconsistent(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	var once sync.Once
	c.Before = func(action string) {
		if action == "notesInfo" {
			once.Do(func() { c.RemoveNote(2) })
		}
	}
	if _, err := Diff(context.Background(), c, conn, db.DefaultProfile, tracks); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
}

func TestDiffSearchError(t *testing.T) {
	conn := setupTestDB(t)
	c := seed()
	c.Errors["findCards"] = errors.New("boom")
	if _, err := Diff(context.Background(), c, conn, db.DefaultProfile, tracks); err == nil {
		t.Fatalf("expected search error")
	}
}
