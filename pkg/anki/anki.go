// Package anki talks to the external card store through the AnkiConnect JSON API.
package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultURL is where AnkiConnect listens by default.
const DefaultURL = "http://127.0.0.1:8765"

const apiVersion = 6

// ErrPermissionDenied is returned when the card store refuses access.
var ErrPermissionDenied = errors.New("anki permission denied")

// Field is one note field value.
type Field struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

// NoteInfo is the detail of one note. Fields are an open map keyed by field name.
type NoteInfo struct {
	NoteID    int64            `json:"noteId"`
	ModelName string           `json:"modelName"`
	Tags      []string         `json:"tags"`
	Fields    map[string]Field `json:"fields"`
	Cards     []int64          `json:"cards"`
}

// CardInfo is the detail of one card.
type CardInfo struct {
	CardID   int64            `json:"cardId"`
	NoteID   int64            `json:"note"`
	DeckName string           `json:"deckName"`
	Fields   map[string]Field `json:"fields"`
	Interval int              `json:"interval"`
	Mod      int64            `json:"mod"`
}

// NoteModTime is the last field edit time of a note.
type NoteModTime struct {
	NoteID int64 `json:"noteId"`
	Mod    int64 `json:"mod"`
}

// CardModTime is the last review or state change time of a card.
type CardModTime struct {
	CardID int64 `json:"cardId"`
	Mod    int64 `json:"mod"`
}

// Client is the subset of the card store API used by builds and live lookups.
type Client interface {
	RequestPermission(ctx context.Context) error
	FindNotes(ctx context.Context, query string) ([]int64, error)
	FindCards(ctx context.Context, query string) ([]int64, error)
	NotesInfo(ctx context.Context, noteIDs []int64) ([]NoteInfo, error)
	NotesModTime(ctx context.Context, noteIDs []int64) ([]NoteModTime, error)
	CardsModTime(ctx context.Context, cardIDs []int64) ([]CardModTime, error)
	CardsInfo(ctx context.Context, cardIDs []int64) ([]CardInfo, error)
	AreSuspended(ctx context.Context, cardIDs []int64) ([]bool, error)
}

// HTTPClient is a Client backed by AnkiConnect.
type HTTPClient struct {
	URL    string
	Key    string
	HTTP   *http.Client
	Origin string
}

// NewHTTPClient returns a client for url, or DefaultURL when empty.
func NewHTTPClient(url string) *HTTPClient {
	if url == "" {
		url = DefaultURL
	}
	return &HTTPClient{URL: strings.TrimRight(url, "/"), HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Key     string `json:"key,omitempty"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

func (c *HTTPClient) invoke(ctx context.Context, action string, params any, out any) error {
	body, err := json.Marshal(request{Action: action, Version: apiVersion, Key: c.Key, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Origin != "" {
		req.Header.Set("Origin", c.Origin)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("anki %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("anki %s: status %s: %s", action, resp.Status, strings.TrimSpace(string(msg)))
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("anki %s: decode: %w", action, err)
	}
	if r.Error != nil {
		return fmt.Errorf("anki %s: %s", action, *r.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("anki %s: decode result: %w", action, err)
	}
	return nil
}

// RequestPermission asks AnkiConnect for access and returns ErrPermissionDenied on refusal.
func (c *HTTPClient) RequestPermission(ctx context.Context) error {
	var res struct {
		Permission string `json:"permission"`
	}
	if err := c.invoke(ctx, "requestPermission", nil, &res); err != nil {
		return err
	}
	if res.Permission != "granted" {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, res.Permission)
	}
	return nil
}

func (c *HTTPClient) FindNotes(ctx context.Context, query string) ([]int64, error) {
	var ids []int64
	err := c.invoke(ctx, "findNotes", map[string]any{"query": query}, &ids)
	return ids, err
}

func (c *HTTPClient) FindCards(ctx context.Context, query string) ([]int64, error) {
	var ids []int64
	err := c.invoke(ctx, "findCards", map[string]any{"query": query}, &ids)
	return ids, err
}

func (c *HTTPClient) NotesInfo(ctx context.Context, noteIDs []int64) ([]NoteInfo, error) {
	var notes []NoteInfo
	err := c.invoke(ctx, "notesInfo", map[string]any{"notes": noteIDs}, &notes)
	return notes, err
}

func (c *HTTPClient) NotesModTime(ctx context.Context, noteIDs []int64) ([]NoteModTime, error) {
	var out []NoteModTime
	err := c.invoke(ctx, "notesModTime", map[string]any{"notes": noteIDs}, &out)
	return out, err
}

func (c *HTTPClient) CardsModTime(ctx context.Context, cardIDs []int64) ([]CardModTime, error) {
	var out []CardModTime
	err := c.invoke(ctx, "cardsModTime", map[string]any{"cards": cardIDs}, &out)
	return out, err
}

func (c *HTTPClient) CardsInfo(ctx context.Context, cardIDs []int64) ([]CardInfo, error) {
	var out []CardInfo
	err := c.invoke(ctx, "cardsInfo", map[string]any{"cards": cardIDs}, &out)
	return out, err
}

// AreSuspended returns one flag per card; cards unknown to the store report false.
func (c *HTTPClient) AreSuspended(ctx context.Context, cardIDs []int64) ([]bool, error) {
	var raw []*bool
	if err := c.invoke(ctx, "areSuspended", map[string]any{"cards": cardIDs}, &raw); err != nil {
		return nil, err
	}
	out := make([]bool, len(raw))
	for i, v := range raw {
		out[i] = v != nil && *v
	}
	return out, nil
}

// FieldsClause builds an OR group matching notes with any of fields non-empty.
func FieldsClause(fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, Quote(f+":_*"))
	}
	return strings.Join(parts, " OR ")
}

// DecksClause builds an OR group matching cards in any of decks or their sub-decks.
func DecksClause(decks []string) string {
	parts := make([]string, 0, len(decks))
	for _, d := range decks {
		parts = append(parts, Quote("deck:"+d))
	}
	return strings.Join(parts, " OR ")
}

// CardIDsClause restricts a search to the given card ids.
func CardIDsClause(cardIDs []int64) string {
	var b strings.Builder
	b.WriteString("cid:")
	for i, id := range cardIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	return b.String()
}

// Quote wraps a search term in double quotes, escaping embedded quotes.
func Quote(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `\"`) + `"`
}

// EscapeValue escapes search wildcards in a literal field value.
func EscapeValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `_`, `\_`, `:`, `\:`)
	return r.Replace(v)
}

// InDeck reports whether deck is one of decks or a sub-deck of one.
func InDeck(deck string, decks []string) bool {
	for _, d := range decks {
		if strings.EqualFold(deck, d) || strings.HasPrefix(strings.ToLower(deck), strings.ToLower(d)+"::") {
			return true
		}
	}
	return false
}
