package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/japaniel/vocabsync/pkg/ankicache"
	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/logging"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

type handlers struct {
	deps *Deps
}

// CardStatus is a card status on the wire.
type CardStatus struct {
	Status    string `json:"status"`
	Suspended bool   `json:"suspended"`
}

// TokenResult is the winning record of one token.
type TokenResult struct {
	Token    string       `json:"token"`
	Source   string       `json:"source"`
	Status   string       `json:"status"`
	Statuses []CardStatus `json:"statuses"`
	States   []string     `json:"states"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LocalRequest is the body of PUT /v1/local/{token}.
type LocalRequest struct {
	Status string   `json:"status"`
	States []string `json:"states"`
	// Lemmas defaults to the lemmas of the track's tokenizer.
	Lemmas []string `json:"lemmas"`
}

// BuildResponse lists the events of one build.
type BuildResponse struct {
	Events []ankicache.Event `json:"events"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var be *ankicache.BuildError
	if errors.As(err, &be) {
		resp.Code = string(be.Code)
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", "error", err)
	}
	h.writeJSON(w, r, status, resp)
}

func (h *handlers) profile(r *http.Request) string {
	if p := strings.TrimSpace(r.URL.Query().Get("profile")); p != "" {
		return p
	}
	return db.ProfileOrDefault(h.deps.Profile)
}

// track parses a one-based track path or query value into a zero-based index.
func (h *handlers) track(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || (h.deps.Tracks > 0 && n > h.deps.Tracks) {
		return 0, fmt.Errorf("invalid track %q", raw)
	}
	return n - 1, nil
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		h.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func queryValues(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func encodeResult(token string, source vocab.Source, statuses []vocab.CardStatus, states []vocab.State) TokenResult {
	res := TokenResult{
		Token:    token,
		Source:   source.String(),
		Status:   vocab.AggregateCardStatuses(statuses, vocab.TreatSuspended{Normal: true}).String(),
		Statuses: make([]CardStatus, 0, len(statuses)),
		States:   make([]string, 0, len(states)),
	}
	for _, s := range statuses {
		res.Statuses = append(res.Statuses, CardStatus{Status: s.Status.String(), Suspended: s.Suspended})
	}
	for _, s := range states {
		res.States = append(res.States, s.String())
	}
	return res
}

func (h *handlers) tokens(w http.ResponseWriter, r *http.Request) {
	track, err := h.track(chi.URLParam(r, "track"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	tokens := queryValues(r, "token")
	if len(tokens) == 0 {
		h.writeError(w, r, http.StatusBadRequest, errors.New("at least one token query parameter is required"))
		return
	}
	res, err := db.GetBulk(r.Context(), h.deps.DB, h.profile(r), track, tokens)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make(map[string]TokenResult, len(res))
	for token, tr := range res {
		out[token] = encodeResult(token, tr.Source, tr.Statuses, tr.States)
	}
	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *handlers) lemmas(w http.ResponseWriter, r *http.Request) {
	track, err := h.track(chi.URLParam(r, "track"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	lemmas := queryValues(r, "lemma")
	if len(lemmas) == 0 {
		h.writeError(w, r, http.StatusBadRequest, errors.New("at least one lemma query parameter is required"))
		return
	}
	res, err := db.GetByLemmaBulk(r.Context(), h.deps.DB, h.profile(r), track, lemmas)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make(map[string][]TokenResult, len(res))
	for lemma, lrs := range res {
		for _, lr := range lrs {
			out[lemma] = append(out[lemma], encodeResult(lr.Token, lr.Source, lr.Statuses, lr.States))
		}
	}
	h.writeJSON(w, r, http.StatusOK, out)
}

// buildStatus maps a build failure onto an HTTP status.
func buildStatus(err error) int {
	var be *ankicache.BuildError
	if !errors.As(err, &be) {
		return http.StatusInternalServerError
	}
	switch be.Code {
	case ankicache.CodePermission:
		return http.StatusForbidden
	case ankicache.CodeConcurrentBuild:
		return http.StatusConflict
	case ankicache.CodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	case ankicache.CodeSyncInconsistency:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handlers) build(w http.ResponseWriter, r *http.Request) {
	if h.deps.Build == nil {
		h.writeError(w, r, http.StatusNotImplemented, errors.New("builds are not enabled"))
		return
	}
	var (
		mu     sync.Mutex
		events []ankicache.Event
	)
	err := h.deps.Build(r.Context(), h.profile(r), func(ev ankicache.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	status := http.StatusOK
	if err != nil {
		status = buildStatus(err)
		var be *ankicache.BuildError
		if errors.As(err, &be) && be.Code == ankicache.CodeConcurrentBuild && !be.RetryAfter.IsZero() {
			w.Header().Set("Retry-After", be.RetryAfter.UTC().Format(http.TimeFormat))
		}
		logging.FromContext(r.Context()).Warn("build failed", "error", err)
	}
	if events == nil {
		events = []ankicache.Event{}
	}
	h.writeJSON(w, r, status, BuildResponse{Events: events})
}

func (h *handlers) saveLocal(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	var req LocalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	status, err := vocab.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	states := make([]vocab.State, 0, len(req.States))
	for _, s := range req.States {
		st, err := vocab.ParseState(s)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		states = append(states, st)
	}
	lemmas := req.Lemmas
	if len(lemmas) == 0 {
		track, err := h.track(r.URL.Query().Get("track"))
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if h.deps.Tokenizer != nil {
			if tok := h.deps.Tokenizer(track); tok != nil {
				if lemmas, err = tok.Lemmatize(r.Context(), token); err != nil {
					h.writeError(w, r, http.StatusBadGateway, fmt.Errorf("lemmatize %q: %w", token, err))
					return
				}
			}
		}
	}
	keys, err := db.SaveLocalBulk(r.Context(), h.deps.DB, h.profile(r), []db.LocalTokenInput{
		{Token: token, Status: status, Lemmas: lemmas, States: states},
	})
	if err != nil {
		// Validation failures (no letters, no lemmas, untracked UNCOLLECTED) are client errors.
		h.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"saved": len(keys), "lemmas": lemmas})
}

func (h *handlers) deleteLocal(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	n, err := db.DeleteLocalBulk(r.Context(), h.deps.DB, h.profile(r), []string{token})
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if n == 0 {
		h.writeError(w, r, http.StatusNotFound, fmt.Errorf("no local token %q", token))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
