// Package ankitest provides an in-memory card store implementing anki.Client.
package ankitest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/japaniel/vocabsync/pkg/anki"
)

// CardType is the scheduling queue of a card.
type CardType int

const (
	New CardType = iota
	Learning
	Review
)

// Note is a fake note. Field order follows FieldOrder when set, else sorted names.
type Note struct {
	ID         int64
	Fields     map[string]string
	FieldOrder []string
	Mod        int64
	// Edited marks the note as edited within the last day.
	Edited bool
}

// Card is a fake card.
type Card struct {
	ID       int64
	NoteID   int64
	Deck     string
	Type     CardType
	Interval int
	// Stability is nil when the card was never reviewed with FSRS.
	Stability *float64
	Suspended bool
	Mod       int64
	// Rated marks the card as reviewed within the last day.
	Rated bool
}

// Collection is a concurrency-safe fake card store.
type Collection struct {
	mu    sync.Mutex
	notes map[int64]*Note
	cards map[int64]*Card

	// Denied makes RequestPermission fail.
	Denied bool
	// Errors fails the named action (e.g. "findCards") with the given error.
	Errors map[string]error
	// Before runs at the start of every action, outside the lock, to mutate the
	// collection between calls.
	Before func(action string)

	calls    map[string]int
	requests map[string][][]int64
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{
		notes:    make(map[int64]*Note),
		cards:    make(map[int64]*Card),
		Errors:   make(map[string]error),
		calls:    make(map[string]int),
		requests: make(map[string][][]int64),
	}
}

// AddNote stores a note and its cards, replacing existing ones with the same ids.
func (c *Collection) AddNote(n Note, cards ...Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nn := n
	nn.Fields = make(map[string]string, len(n.Fields))
	for k, v := range n.Fields {
		nn.Fields[k] = v
	}
	c.notes[n.ID] = &nn
	for _, card := range cards {
		cc := card
		cc.NoteID = n.ID
		c.cards[card.ID] = &cc
	}
}

// UpdateNote edits a note in place.
func (c *Collection) UpdateNote(id int64, fn func(n *Note)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.notes[id]; ok {
		fn(n)
	}
}

// UpdateCard edits a card in place.
func (c *Collection) UpdateCard(id int64, fn func(card *Card)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if card, ok := c.cards[id]; ok {
		fn(card)
	}
}

// RemoveNote deletes a note and all of its cards.
func (c *Collection) RemoveNote(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notes, id)
	for cid, card := range c.cards {
		if card.NoteID == id {
			delete(c.cards, cid)
		}
	}
}

// Calls returns how many times action was invoked.
func (c *Collection) Calls(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[action]
}

// Requested returns the id lists passed to action, in call order.
func (c *Collection) Requested(action string) [][]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]int64(nil), c.requests[action]...)
}

// ResetCalls clears call accounting.
func (c *Collection) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
	c.requests = make(map[string][][]int64)
}

func (c *Collection) begin(action string, ids []int64) error {
	if c.Before != nil {
		c.Before(action)
	}
	c.mu.Lock()
	c.calls[action]++
	if ids != nil {
		c.requests[action] = append(c.requests[action], append([]int64(nil), ids...))
	}
	err := c.Errors[action]
	c.mu.Unlock()
	return err
}

func (c *Collection) RequestPermission(ctx context.Context) error {
	if err := c.begin("requestPermission", nil); err != nil {
		return err
	}
	if c.Denied {
		return fmt.Errorf("%w: denied", anki.ErrPermissionDenied)
	}
	return ctx.Err()
}

func (c *Collection) FindNotes(ctx context.Context, query string) ([]int64, error) {
	if err := c.begin("findNotes", nil); err != nil {
		return nil, err
	}
	pred, err := Parse(query)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, card := range c.sortedCards() {
		n := c.notes[card.NoteID]
		if n == nil || seen[n.ID] || !pred(n, card) {
			continue
		}
		seen[n.ID] = true
		out = append(out, n.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, ctx.Err()
}

func (c *Collection) FindCards(ctx context.Context, query string) ([]int64, error) {
	if err := c.begin("findCards", nil); err != nil {
		return nil, err
	}
	pred, err := Parse(query)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, card := range c.sortedCards() {
		n := c.notes[card.NoteID]
		if n != nil && pred(n, card) {
			out = append(out, card.ID)
		}
	}
	return out, ctx.Err()
}

func (c *Collection) NotesInfo(ctx context.Context, noteIDs []int64) ([]anki.NoteInfo, error) {
	if err := c.begin("notesInfo", noteIDs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []anki.NoteInfo
	for _, id := range noteIDs {
		n, ok := c.notes[id]
		if !ok {
			continue
		}
		info := anki.NoteInfo{NoteID: id, Fields: c.fieldsOf(n)}
		for _, card := range c.sortedCards() {
			if card.NoteID == id {
				info.Cards = append(info.Cards, card.ID)
			}
		}
		out = append(out, info)
	}
	return out, ctx.Err()
}

func (c *Collection) NotesModTime(ctx context.Context, noteIDs []int64) ([]anki.NoteModTime, error) {
	if err := c.begin("notesModTime", noteIDs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []anki.NoteModTime
	for _, id := range noteIDs {
		if n, ok := c.notes[id]; ok {
			out = append(out, anki.NoteModTime{NoteID: id, Mod: n.Mod})
		}
	}
	return out, ctx.Err()
}

func (c *Collection) CardsModTime(ctx context.Context, cardIDs []int64) ([]anki.CardModTime, error) {
	if err := c.begin("cardsModTime", cardIDs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []anki.CardModTime
	for _, id := range cardIDs {
		if card, ok := c.cards[id]; ok {
			out = append(out, anki.CardModTime{CardID: id, Mod: card.Mod})
		}
	}
	return out, ctx.Err()
}

func (c *Collection) CardsInfo(ctx context.Context, cardIDs []int64) ([]anki.CardInfo, error) {
	if err := c.begin("cardsInfo", cardIDs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []anki.CardInfo
	for _, id := range cardIDs {
		card, ok := c.cards[id]
		if !ok {
			continue
		}
		info := anki.CardInfo{CardID: id, NoteID: card.NoteID, DeckName: card.Deck, Interval: card.Interval, Mod: card.Mod}
		if n := c.notes[card.NoteID]; n != nil {
			info.Fields = c.fieldsOf(n)
		}
		out = append(out, info)
	}
	return out, ctx.Err()
}

func (c *Collection) AreSuspended(ctx context.Context, cardIDs []int64) ([]bool, error) {
	if err := c.begin("areSuspended", cardIDs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(cardIDs))
	for i, id := range cardIDs {
		if card, ok := c.cards[id]; ok {
			out[i] = card.Suspended
		}
	}
	return out, ctx.Err()
}

func (c *Collection) sortedCards() []*Card {
	out := make([]*Card, 0, len(c.cards))
	for _, card := range c.cards {
		out = append(out, card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Collection) fieldsOf(n *Note) map[string]anki.Field {
	order := n.FieldOrder
	if len(order) == 0 {
		for name := range n.Fields {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	out := make(map[string]anki.Field, len(n.Fields))
	for i, name := range order {
		if v, ok := n.Fields[name]; ok {
			out[name] = anki.Field{Value: v, Order: i}
		}
	}
	return out
}

var _ anki.Client = (*Collection)(nil)
