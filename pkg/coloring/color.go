package coloring

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/japaniel/vocabsync/pkg/match"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

type lineResult struct {
	colored     Colored
	uncollected bool
	// keys are the tokens and lemmas of the line for the token index.
	keys []string
}

func (r lineResult) state() State {
	if r.colored.Errored {
		return StateErrored
	}
	return StateColored
}

type tokenized struct {
	index  int
	text   string
	tokens []string
}

// color runs one pass. It returns the lines finished before ctx was cancelled.
func (e *Engine) color(ctx context.Context, j *job) map[int]lineResult {
	results := make(map[int]lineResult, len(j.indexes))
	byTrack := make(map[int][]int)
	for _, i := range j.indexes {
		byTrack[j.lines[i].Track] = append(byTrack[j.lines[i].Track], i)
	}
	tracks := make([]int, 0, len(byTrack))
	for t := range byTrack {
		tracks = append(tracks, t)
	}
	sort.Ints(tracks)

	for _, track := range tracks {
		indexes := byTrack[track]
		var ts *trackState
		if track >= 0 && track < len(j.states) {
			ts = j.states[track]
		}
		if ts == nil {
			for _, i := range indexes {
				results[i] = erroredLine(i, j.lines[i])
			}
			continue
		}
		if len(j.refresh) > 0 {
			ts.collected.Forget(j.refresh...)
		}
		log := e.logger().With(slog.Int("track", track+1))

		var lines []tokenized
		var all []string
		for _, i := range indexes {
			text := j.lines[i].Text
			toks, err := ts.memo.Tokenize(ctx, text)
			if ctx.Err() != nil {
				return results
			}
			if err != nil {
				log.Warn("tokenize line failed", slog.Int("line", i), slog.Any("error", err))
				results[i] = erroredLine(i, j.lines[i])
				continue
			}
			lines = append(lines, tokenized{index: i, text: text, tokens: toks})
			for _, tok := range toks {
				if tok = strings.TrimSpace(tok); vocab.HasLetter(tok) {
					all = append(all, tok)
				}
			}
		}

		// Only lookup failures reach here; a token that fails to lemmatize errors its own line.
		if err := ts.resolver.Collect(ctx, e.Tracks[track].Lookup, all, ts.collected); err != nil {
			if ctx.Err() != nil {
				return results
			}
			log.Warn("collect token statuses failed", slog.Any("error", err))
			for _, l := range lines {
				results[l.index] = erroredLine(l.index, j.lines[l.index])
			}
			continue
		}

		for _, l := range lines {
			res, ok := e.colorLine(ctx, ts, l)
			if !ok {
				return results
			}
			res.colored.Track = track
			results[l.index] = res
		}
	}
	return results
}

func erroredLine(i int, l Line) lineResult {
	return lineResult{colored: Colored{Index: i, Track: l.Track, Text: l.Text, Errored: true}}
}

// colorLine resolves every token of one line. It returns false when ctx was cancelled.
func (e *Engine) colorLine(ctx context.Context, ts *trackState, l tokenized) (lineResult, bool) {
	res := lineResult{colored: Colored{Index: l.index, Text: l.text, Tokens: make([]Token, 0, len(l.tokens))}}
	offset := 0
	for _, raw := range l.tokens {
		tok := Token{Text: raw, Start: offset, End: offset}
		if p := strings.Index(l.text[offset:], raw); p >= 0 && raw != "" {
			tok.Start = offset + p
			tok.End = tok.Start + len(raw)
			offset = tok.End
		}
		trimmed := strings.TrimSpace(raw)
		states := ts.collected.States[trimmed]
		if len(states) > 0 {
			tok.States = slices.Clone(states)
		}
		if !vocab.HasLetter(trimmed) {
			tok.Status = vocab.FullyKnown
			res.colored.Tokens = append(res.colored.Tokens, tok)
			continue
		}

		res.keys = append(res.keys, trimmed)
		if usesLemmas(ts.resolver.Config) {
			if lemmas, err := ts.memo.Lemmatize(ctx, trimmed); err == nil {
				res.keys = append(res.keys, lemmas...)
			}
		}
		if slices.Contains(states, vocab.StateIgnored) {
			tok.Status = vocab.FullyKnown
			res.colored.Tokens = append(res.colored.Tokens, tok)
			continue
		}
		status, err := ts.resolver.Resolve(ctx, trimmed, ts.collected)
		if ctx.Err() != nil {
			return res, false
		}
		if err != nil {
			e.logger().Debug("resolve token failed", slog.String("token", trimmed), slog.Any("error", err))
			tok.Errored = true
			res.colored.Errored = true
		} else {
			tok.Status = status
			if status == vocab.Uncollected {
				res.uncollected = true
			}
		}
		res.colored.Tokens = append(res.colored.Tokens, tok)
	}
	return res, ctx.Err() == nil
}

func usesLemmas(cfg match.Config) bool {
	for _, s := range []vocab.MatchStrategy{cfg.WordStrategy, cfg.SentenceStrategy} {
		if s.UsesLemma() || s.UsesAnyForm() {
			return true
		}
	}
	return false
}
