// Package match decides the status of a surface token from the records collected for a
// track, honouring the track's word/sentence match strategies and combination priority.
package match

import (
	"context"
	"fmt"

	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

// Config is the matching configuration of one track.
type Config struct {
	WordStrategy     vocab.MatchStrategy
	SentenceStrategy vocab.MatchStrategy
	Priority         vocab.Priority
	TreatSuspended   vocab.TreatSuspended
}

// DefaultConfig matches exact then lemma forms, preferring exact hits.
func DefaultConfig() Config {
	return Config{
		WordStrategy:     vocab.MatchLemmaOrExact,
		SentenceStrategy: vocab.MatchLemmaOrExact,
		Priority:         vocab.PriorityExact,
		TreatSuspended:   vocab.TreatSuspended{Normal: true},
	}
}

// Validate reports configuration values outside the known enums.
func (c Config) Validate() error {
	if !c.WordStrategy.Valid() {
		return fmt.Errorf("unknown word match strategy %q", c.WordStrategy)
	}
	if !c.SentenceStrategy.Valid() {
		return fmt.Errorf("unknown sentence match strategy %q", c.SentenceStrategy)
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("unknown match priority %q", c.Priority)
	}
	return nil
}

func (c Config) usesExact() bool { return c.WordStrategy.UsesExact() || c.SentenceStrategy.UsesExact() }
func (c Config) usesLemma() bool { return c.WordStrategy.UsesLemma() || c.SentenceStrategy.UsesLemma() }
func (c Config) usesAny() bool {
	return c.WordStrategy.UsesAnyForm() || c.SentenceStrategy.UsesAnyForm()
}

// Result is a collected status for one looked up form.
type Result struct {
	Status vocab.Status
	Source vocab.Source
}

// FormResult is one stored token reached through a shared lemma.
type FormResult struct {
	Token  string
	Status vocab.Status
	Source vocab.Source
}

// Collected caches the lookups of one track. It is not safe for concurrent use.
type Collected struct {
	Exact  map[string]Result
	Lemma  map[string]Result
	Any    map[string][]FormResult
	States map[string][]vocab.State
	// Errored holds tokens whose lemmas could not be determined by the last Collect.
	Errored map[string]error
}

// NewCollected returns an empty cache.
func NewCollected() *Collected {
	return &Collected{
		Exact:   make(map[string]Result),
		Lemma:   make(map[string]Result),
		Any:     make(map[string][]FormResult),
		States:  make(map[string][]vocab.State),
		Errored: make(map[string]error),
	}
}

// Forget drops everything cached for tokens so the next Collect re-reads them.
func (c *Collected) Forget(tokens ...string) {
	for _, t := range tokens {
		delete(c.Exact, t)
		delete(c.Lemma, t)
		delete(c.Any, t)
		delete(c.States, t)
		delete(c.Errored, t)
	}
}

func (c *Collected) addStates(token string, states []vocab.State) {
	if len(states) == 0 {
		return
	}
	c.States[token] = vocab.MergeStates(c.States[token], states)
}

// Lookup reads token records as seen from one track.
type Lookup interface {
	GetBulk(ctx context.Context, tokens []string) (map[string]db.TokenResult, error)
	GetByLemmaBulk(ctx context.Context, lemmas []string) (map[string][]db.LemmaResult, error)
}

// Lemmatizer maps a surface token to its dictionary forms.
type Lemmatizer interface {
	Lemmatize(ctx context.Context, token string) ([]string, error)
}

// Resolver evaluates tokens for one track.
type Resolver struct {
	Config     Config
	Lemmatizer Lemmatizer
}

// Collect loads into c every form of tokens the configuration consults and c lacks. A
// token whose lemmatization fails is recorded in c.Errored and the others are still
// collected; only lookup failures are returned.
func (r *Resolver) Collect(ctx context.Context, lookup Lookup, tokens []string, c *Collected) error {
	cfg := r.Config
	exact, lemma, anyForm := vocab.TokenSet{}, vocab.TokenSet{}, vocab.TokenSet{}
	for _, token := range tokens {
		if cfg.usesExact() {
			if _, ok := c.Exact[token]; !ok {
				exact.Add(token)
			}
		}
		if !cfg.usesLemma() && !cfg.usesAny() {
			continue
		}
		lemmas, err := r.Lemmatizer.Lemmatize(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Errored[token] = fmt.Errorf("lemmatize %q: %w", token, err)
			continue
		}
		delete(c.Errored, token)
		for _, l := range lemmas {
			if _, ok := c.Lemma[l]; cfg.usesLemma() && !ok {
				lemma.Add(l)
			}
			if _, ok := c.Any[l]; cfg.usesAny() && !ok {
				anyForm.Add(l)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(exact) > 0 {
		res, err := lookup.GetBulk(ctx, exact.Slice())
		if err != nil {
			return err
		}
		for token, tr := range res {
			c.Exact[token] = Result{Status: vocab.AggregateCardStatuses(tr.Statuses, cfg.TreatSuspended), Source: tr.Source}
			c.addStates(token, tr.States)
		}
	}
	if len(lemma) > 0 {
		res, err := lookup.GetBulk(ctx, lemma.Slice())
		if err != nil {
			return err
		}
		for l, tr := range res {
			c.Lemma[l] = Result{Status: vocab.AggregateCardStatuses(tr.Statuses, cfg.TreatSuspended), Source: tr.Source}
			c.addStates(l, tr.States)
		}
	}
	if len(anyForm) > 0 {
		res, err := lookup.GetByLemmaBulk(ctx, anyForm.Slice())
		if err != nil {
			return err
		}
		for l, lrs := range res {
			for _, lr := range lrs {
				c.Any[l] = append(c.Any[l], FormResult{
					Token:  lr.Token,
					Status: vocab.AggregateCardStatuses(lr.Statuses, cfg.TreatSuspended),
					Source: lr.Source,
				})
				c.addStates(lr.Token, lr.States)
			}
		}
	}
	return ctx.Err()
}

// pass is one of the two lookup rounds. The word round ignores sentence field records.
type pass struct {
	strategy vocab.MatchStrategy
	word     bool
}

func (p pass) admits(src vocab.Source) bool { return !p.word || src != vocab.SourceSentenceField }

// Resolve returns the status of a trimmed token from c. Word field matches are always
// preferred; sentence field records are consulted only when the word round finds nothing.
// A token nothing matched is UNCOLLECTED.
func (r *Resolver) Resolve(ctx context.Context, token string, c *Collected) (vocab.Status, error) {
	if err, ok := c.Errored[token]; ok {
		return 0, err
	}
	var lemmas []string
	if r.Config.usesLemma() || r.Config.usesAny() {
		var err error
		if lemmas, err = r.Lemmatizer.Lemmatize(ctx, token); err != nil {
			return 0, fmt.Errorf("lemmatize %q: %w", token, err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	passes := []pass{{r.Config.WordStrategy, true}, {r.Config.SentenceStrategy, false}}

	switch r.Config.Priority {
	case vocab.PriorityExact, vocab.PriorityLemma:
		lemmaFirst := r.Config.Priority == vocab.PriorityLemma
		for _, p := range passes {
			if s, ok := firstMatch(p, token, lemmas, c, lemmaFirst); ok {
				return s, nil
			}
		}
	case vocab.PriorityBestKnown, vocab.PriorityLeastKnown:
		combine := vocab.MaxStatus
		if r.Config.Priority == vocab.PriorityLeastKnown {
			combine = vocab.MinStatus
		}
		for _, p := range passes {
			if found := allMatches(p, token, lemmas, c); len(found) > 0 {
				return combine(found...), nil
			}
		}
	default:
		return 0, fmt.Errorf("unknown match priority %q", r.Config.Priority)
	}
	return vocab.Uncollected, nil
}

func firstMatch(p pass, token string, lemmas []string, c *Collected, lemmaFirst bool) (vocab.Status, bool) {
	order := []func() (vocab.Status, bool){
		func() (vocab.Status, bool) { return exactStatus(p, token, c) },
		func() (vocab.Status, bool) { return lemmaStatus(p, lemmas, c) },
	}
	if lemmaFirst {
		order[0], order[1] = order[1], order[0]
	}
	for _, try := range order {
		if s, ok := try(); ok {
			return s, true
		}
	}
	if !p.strategy.UsesAnyForm() {
		return 0, false
	}
	forms := anyForms(p, lemmas, c)
	if len(forms) == 0 {
		return 0, false
	}
	bySurface := func(f FormResult) bool { return f.Token == token }
	byLemma := func(f FormResult) bool { return contains(lemmas, f.Token) }
	prefs := []func(FormResult) bool{bySurface, byLemma}
	if lemmaFirst {
		prefs[0], prefs[1] = prefs[1], prefs[0]
	}
	for _, pref := range prefs {
		if s, ok := bestOf(forms, pref); ok {
			return s, true
		}
	}
	s, _ := bestOf(forms, func(FormResult) bool { return true })
	return s, true
}

func allMatches(p pass, token string, lemmas []string, c *Collected) []vocab.Status {
	var out []vocab.Status
	if s, ok := exactStatus(p, token, c); ok {
		out = append(out, s)
	}
	if s, ok := lemmaStatus(p, lemmas, c); ok {
		out = append(out, s)
	}
	if p.strategy.UsesAnyForm() {
		for _, f := range anyForms(p, lemmas, c) {
			out = append(out, f.Status)
		}
	}
	return out
}

func exactStatus(p pass, token string, c *Collected) (vocab.Status, bool) {
	if !p.strategy.UsesExact() {
		return 0, false
	}
	r, ok := c.Exact[token]
	if !ok || !p.admits(r.Source) {
		return 0, false
	}
	return r.Status, true
}

// lemmaStatus is the best status among the token's lemmas.
func lemmaStatus(p pass, lemmas []string, c *Collected) (vocab.Status, bool) {
	if !p.strategy.UsesLemma() {
		return 0, false
	}
	var found []vocab.Status
	for _, l := range lemmas {
		if r, ok := c.Lemma[l]; ok && p.admits(r.Source) {
			found = append(found, r.Status)
		}
	}
	if len(found) == 0 {
		return 0, false
	}
	return vocab.MaxStatus(found...), true
}

func anyForms(p pass, lemmas []string, c *Collected) []FormResult {
	var out []FormResult
	for _, l := range lemmas {
		for _, f := range c.Any[l] {
			if p.admits(f.Source) {
				out = append(out, f)
			}
		}
	}
	return out
}

func bestOf(forms []FormResult, keep func(FormResult) bool) (vocab.Status, bool) {
	var found []vocab.Status
	for _, f := range forms {
		if keep(f) {
			found = append(found, f.Status)
		}
	}
	if len(found) == 0 {
		return 0, false
	}
	return vocab.MaxStatus(found...), true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
