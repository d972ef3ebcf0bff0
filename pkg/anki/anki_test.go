package anki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func fakeConnect(t *testing.T, handle func(action string, params map[string]any) (any, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action  string         `json:"action"`
			Version int            `json:"version"`
			Params  map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Version != 6 {
			t.Errorf("expected version 6, got %d", req.Version)
		}
		result, errMsg := handle(req.Action, req.Params)
		resp := map[string]any{"result": result, "error": nil}
		if errMsg != "" {
			resp["error"] = errMsg
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientActions(t *testing.T) {
	srv := fakeConnect(t, func(action string, params map[string]any) (any, string) {
		switch action {
		case "requestPermission":
			return map[string]any{"permission": "granted"}, ""
		case "findCards":
			if params["query"] != `"Word:_*"` {
				return nil, "bad query"
			}
			return []int64{1, 2}, ""
		case "notesInfo":
			return []map[string]any{{
				"noteId": 7,
				"fields": map[string]any{"Word": map[string]any{"value": "犬", "order": 0}},
				"cards":  []int64{1},
			}}, ""
		case "areSuspended":
			return []any{true, false, nil}, ""
		}
		return nil, "unsupported action"
	})
	c := NewHTTPClient(srv.URL + "/")
	ctx := context.Background()

	if err := c.RequestPermission(ctx); err != nil {
		t.Fatalf("permission: %v", err)
	}
	ids, err := c.FindCards(ctx, FieldsClause([]string{"Word"}))
	if err != nil || !reflect.DeepEqual(ids, []int64{1, 2}) {
		t.Fatalf("findCards = %v, %v", ids, err)
	}
	notes, err := c.NotesInfo(ctx, []int64{7})
	if err != nil || len(notes) != 1 || notes[0].Fields["Word"].Value != "犬" {
		t.Fatalf("notesInfo = %+v, %v", notes, err)
	}
	sus, err := c.AreSuspended(ctx, []int64{1, 2, 3})
	if err != nil || !reflect.DeepEqual(sus, []bool{true, false, false}) {
		t.Fatalf("areSuspended = %v, %v", sus, err)
	}
	if _, err := c.FindNotes(ctx, "x"); err == nil {
		t.Fatalf("expected error response to surface")
	}
}

func TestHTTPClientPermissionDenied(t *testing.T) {
	srv := fakeConnect(t, func(string, map[string]any) (any, string) {
		return map[string]any{"permission": "denied"}, ""
	})
	err := NewHTTPClient(srv.URL).RequestPermission(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestInDeck(t *testing.T) {
	decks := []string{"Japanese::Core"}
	if !InDeck("Japanese::Core", decks) || !InDeck("japanese::core::N5", decks) {
		t.Fatalf("expected deck and sub-deck to match")
	}
	if InDeck("Japanese::Core2", decks) || InDeck("Japanese", decks) {
		t.Fatalf("sibling and parent decks must not match")
	}
}
