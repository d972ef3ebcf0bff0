// Package httpapi serves token status queries, builds and local token edits over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/japaniel/vocabsync/pkg/ankicache"
	"github.com/japaniel/vocabsync/pkg/observe"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
)

// BuildFunc runs one cache build for profile, passing every event to emit.
type BuildFunc func(ctx context.Context, profile string, emit ankicache.Sink) error

// Deps holds dependencies for the HTTP router.
type Deps struct {
	DB *sql.DB
	// Profile is used when a request names none.
	Profile string
	// Tracks is the number of configured tracks; track path values are one-based.
	Tracks int
	Build  BuildFunc
	// Tokenizer returns the tokenizer of a zero-based track, used to lemmatize local
	// tokens saved without lemmas. It may return nil.
	Tokenizer func(track int) tokenizer.Tokenizer
	Logger    *slog.Logger
	Metrics   *observe.Metrics
}

// NewRouter creates the HTTP router.
func NewRouter(deps *Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(requestDuration(deps.Metrics))
	}

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/tracks/{track}/tokens", h.tokens)
		r.Get("/tracks/{track}/lemmas", h.lemmas)
		r.Post("/build", h.build)
		r.Put("/local/{token}", h.saveLocal)
		r.Delete("/local/{token}", h.deleteLocal)
	})
	return r
}
