// Package coloring keeps the subtitle lines around the playback position colored by the
// known status of their tokens.
//
// Each line moves through uncached, pending, and then colored or errored. Ticks pick the
// lines of the current window that lack a valid coloring and hand them to a single
// background pass. A pass is cancelled through its context as soon as the showing lines
// need something it is not working on.
package coloring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/match"
	"github.com/japaniel/vocabsync/pkg/observe"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
	"github.com/japaniel/vocabsync/pkg/vocab"
	"golang.org/x/sync/errgroup"
)

// State is the coloring state of one line.
type State int

const (
	StateUncached State = iota
	StatePending
	StateColored
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUncached:
		return "uncached"
	case StatePending:
		return "pending"
	case StateColored:
		return "colored"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultInitialLookahead = 10
	DefaultLookahead        = 100
	// DefaultBuildAheadThreshold is how close the window start may get to the end of the
	// last colored range before the next range is colored.
	DefaultBuildAheadThreshold = 10
	DefaultTickInterval        = 100 * time.Millisecond
	DefaultErrorRetry          = 10 * time.Second
	DefaultRecentPoll          = 10 * time.Second
)

// Line is one input line and the track it belongs to.
type Line struct {
	Track int
	Text  string
}

// Token is one colored token of a line. Start and End are byte offsets into the line text.
type Token struct {
	Text    string        `json:"text"`
	Start   int           `json:"start"`
	End     int           `json:"end"`
	Status  vocab.Status  `json:"status"`
	States  []vocab.State `json:"states,omitempty"`
	Errored bool          `json:"errored,omitempty"`
}

// Colored is the published coloring of one line.
type Colored struct {
	Index   int     `json:"index"`
	Track   int     `json:"track"`
	Text    string  `json:"text"`
	State   State   `json:"-"`
	Tokens  []Token `json:"tokens"`
	Errored bool    `json:"errored,omitempty"`
}

// Track configures coloring for one vocabulary track.
type Track struct {
	Disabled  bool
	Tokenizer tokenizer.Tokenizer
	Lookup    match.Lookup
	Match     match.Config
	// Fields are the word and sentence fields polled for recent changes.
	Fields []string
}

// Engine colors lines for a single profile.
type Engine struct {
	Profile string
	Tracks  []Track
	// DB receives tokens saved with SaveTokenLocal.
	DB *sql.DB
	// Client is polled for recently reviewed or edited cards. Nil disables polling.
	Client anki.Client
	// Rebuild refreshes the persistent cache after a recent change and returns the
	// modified tokens.
	Rebuild func(ctx context.Context) ([]string, error)
	// OnUpdate receives lines whose coloring changed. It runs on the pass goroutine.
	OnUpdate func([]Colored)
	Logger   *slog.Logger
	Metrics  *observe.Metrics
	Now      func() time.Time

	InitialLookahead    int
	Lookahead           int
	BuildAheadThreshold int
	TickInterval        time.Duration
	ErrorRetry          time.Duration
	RecentPoll          time.Duration

	mu    sync.Mutex
	gen   int
	lines []lineState
	// index maps tokens and lemmas to the lines containing them.
	index   map[string]map[int]struct{}
	refresh vocab.TokenSet
	states  []*trackState

	initialized bool
	lower       int
	upper       int
	builtEnd    int
	showing     []int

	building  bool
	inflight  map[int]struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	lastRetry time.Time

	recentIDs     map[int64]struct{}
	recentChecked bool
}

type lineState struct {
	Line
	state State
	// prev is restored when a pass is cancelled before reaching the line.
	prev        State
	colored     Colored
	uncollected bool
	stale       bool
}

type trackState struct {
	memo      *tokenizer.Memo
	resolver  *match.Resolver
	collected *match.Collected
}

// New returns an engine with default intervals.
func New(profile string, tracks []Track) *Engine {
	return &Engine{
		Profile:             profile,
		Tracks:              tracks,
		InitialLookahead:    DefaultInitialLookahead,
		Lookahead:           DefaultLookahead,
		BuildAheadThreshold: DefaultBuildAheadThreshold,
		TickInterval:        DefaultTickInterval,
		ErrorRetry:          DefaultErrorRetry,
		RecentPoll:          DefaultRecentPoll,
		index:               make(map[string]map[int]struct{}),
		refresh:             vocab.TokenSet{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SetLines replaces the input. Lines whose text or track changed lose their coloring;
// a different line count resets every cache and cancels the running pass.
func (e *Engine) SetLines(lines []Line) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(lines) != len(e.lines) {
		e.resetLocked()
		e.lines = make([]lineState, len(lines))
		for i, l := range lines {
			e.lines[i] = lineState{Line: l}
		}
		return
	}
	for i, l := range lines {
		if e.lines[i].Line != l {
			e.lines[i] = lineState{Line: l}
		}
	}
}

func (e *Engine) resetLocked() {
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	e.index = make(map[string]map[int]struct{})
	e.refresh = vocab.TokenSet{}
	e.states = nil
	e.initialized = false
	e.lower, e.upper, e.builtEnd = 0, 0, 0
	e.showing = nil
	e.recentIDs = nil
	e.recentChecked = false
}

// TokensModified marks tokens and lemmas whose status may have changed. Lines containing
// them are recolored on the next tick, inside the window or not.
func (e *Engine) TokensModified(tokens ...string) {
	if len(tokens) == 0 {
		return
	}
	e.mu.Lock()
	e.refresh.Add(tokens...)
	e.mu.Unlock()
}

// Snapshot returns the coloring of lines [start, end).
func (e *Engine) Snapshot(start, end int) []Colored {
	e.mu.Lock()
	defer e.mu.Unlock()
	start = max(start, 0)
	end = min(end, len(e.lines))
	out := make([]Colored, 0, max(end-start, 0))
	for i := start; i < end; i++ {
		out = append(out, e.coloredLocked(i))
	}
	return out
}

// State returns the state of line i.
func (e *Engine) State(i int) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.lines) {
		return StateUncached
	}
	return e.lines[i].state
}

func (e *Engine) coloredLocked(i int) Colored {
	ls := e.lines[i]
	c := ls.colored
	c.Index, c.Track, c.Text, c.State = i, ls.Track, ls.Text, ls.state
	return c
}

// Tick schedules a pass for the window around showing, the indexes of the lines on screen.
// It reports whether a pass was started.
func (e *Engine) Tick(ctx context.Context, showing []int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lines) == 0 {
		return false
	}
	if e.building {
		if !slices.Equal(showing, e.showing) {
			e.showing = slices.Clone(showing)
			for _, i := range showing {
				if i < 0 || i >= len(e.lines) {
					continue
				}
				if _, ok := e.inflight[i]; !ok && e.needsColoring(i) {
					e.cancel()
					break
				}
			}
		}
		return false
	}
	e.showing = slices.Clone(showing)
	j := e.planLocked(showing)
	if j == nil {
		return false
	}
	e.startLocked(ctx, j)
	return true
}

// Wait blocks until the running pass, if any, finishes.
func (e *Engine) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if !e.building {
			e.mu.Unlock()
			return nil
		}
		done := e.done
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ColorRange synchronously colors every line in [start, end) that lacks a valid coloring
// and returns the result.
func (e *Engine) ColorRange(ctx context.Context, start, end int) ([]Colored, error) {
	for {
		if err := e.Wait(ctx); err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.building {
			e.mu.Unlock()
			continue
		}
		start, end := max(start, 0), min(end, len(e.lines))
		j := &job{start: start, end: end}
		for i := start; i < end; i++ {
			if e.enabled(e.lines[i].Track) && (e.needsColoring(i) || e.lines[i].state == StateErrored) {
				j.indexes = append(j.indexes, i)
			}
		}
		e.addRefreshLocked(j)
		if len(j.indexes) > 0 {
			e.startLocked(ctx, j)
		}
		e.mu.Unlock()
		break
	}
	if err := e.Wait(ctx); err != nil {
		return nil, err
	}
	return e.Snapshot(start, end), ctx.Err()
}

// Run ticks until ctx is done, asking showing for the lines on screen. It also polls the
// card store for recent changes when Client is set.
func (e *Engine) Run(ctx context.Context, showing func() []int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(e.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				if e.cancel != nil {
					e.cancel()
				}
				e.mu.Unlock()
				_ = e.Wait(context.Background())
				return nil
			case <-t.C:
				e.Tick(ctx, showing())
			}
		}
	})
	if e.Client != nil && e.RecentPoll > 0 {
		g.Go(func() error {
			t := time.NewTicker(e.RecentPoll)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := e.PollRecent(ctx); err != nil && !errors.Is(err, context.Canceled) {
						e.logger().Warn("recent change poll failed", slog.Any("error", err))
					}
				}
			}
		})
	}
	return g.Wait()
}

func (e *Engine) enabled(track int) bool {
	return track >= 0 && track < len(e.Tracks) && !e.Tracks[track].Disabled
}

// needsColoring reports lines without a valid coloring. Errored lines only count when
// their retry is due, which planLocked decides.
func (e *Engine) needsColoring(i int) bool {
	ls := e.lines[i]
	if !e.enabled(ls.Track) {
		return false
	}
	switch ls.state {
	case StateUncached:
		return true
	case StateColored:
		return ls.stale
	}
	return false
}

// job is one coloring pass.
type job struct {
	gen     int
	indexes []int
	lines   map[int]Line
	refresh []string
	states  []*trackState
	start   int
	end     int
	// window passes advance the build-ahead thresholds when they complete.
	window bool
	init   bool
}

func (e *Engine) window(showing []int) (int, int) {
	lookahead := e.Lookahead
	if !e.initialized {
		lookahead = e.InitialLookahead
	}
	start, last := -1, -1
	for _, i := range showing {
		if i < 0 || i >= len(e.lines) {
			continue
		}
		if start < 0 || i < start {
			start = i
		}
		last = max(last, i)
	}
	if start < 0 {
		return 0, min(lookahead, len(e.lines))
	}
	return start, min(last+1+lookahead, len(e.lines))
}

func (e *Engine) planLocked(showing []int) *job {
	start, end := e.window(showing)
	if e.initialized && start >= e.lower && start < e.upper {
		end = min(end, max(e.builtEnd, start))
		for _, i := range showing {
			end = max(end, min(i+1, len(e.lines)))
		}
	}
	j := &job{start: start, end: end, window: true, init: !e.initialized}
	seen := make(map[int]struct{})
	add := func(i int) {
		if _, ok := seen[i]; ok {
			return
		}
		seen[i] = struct{}{}
		j.indexes = append(j.indexes, i)
	}

	e.addRefreshLocked(j)
	for _, i := range j.indexes {
		seen[i] = struct{}{}
	}
	now := e.now()
	retry := e.ErrorRetry <= 0 || now.Sub(e.lastRetry) >= e.ErrorRetry
	for i := start; i < end; i++ {
		if e.needsColoring(i) {
			add(i)
		} else if e.lines[i].state == StateErrored && e.enabled(e.lines[i].Track) && retry {
			add(i)
		}
	}
	if len(j.indexes) == 0 {
		return nil
	}
	// Errored lines are retried at most once per ErrorRetry after any pass.
	e.lastRetry = now
	return j
}

// addRefreshLocked marks the lines containing refreshed tokens stale and adds them to j.
func (e *Engine) addRefreshLocked(j *job) {
	if len(e.refresh) == 0 {
		return
	}
	j.refresh = e.refresh.Slice()
	have := make(map[int]struct{}, len(j.indexes))
	for _, i := range j.indexes {
		have[i] = struct{}{}
	}
	for _, tok := range j.refresh {
		for i := range e.index[tok] {
			if i >= len(e.lines) {
				continue
			}
			if e.lines[i].state == StateColored {
				e.lines[i].stale = true
			}
			if _, ok := have[i]; ok || !e.enabled(e.lines[i].Track) {
				continue
			}
			have[i] = struct{}{}
			j.indexes = append(j.indexes, i)
		}
	}
	slices.Sort(j.indexes)
}

func (e *Engine) startLocked(ctx context.Context, j *job) {
	if e.states == nil {
		e.states = make([]*trackState, len(e.Tracks))
		for i, tr := range e.Tracks {
			if tr.Disabled || tr.Tokenizer == nil {
				continue
			}
			memo := tokenizer.NewMemo(tr.Tokenizer)
			e.states[i] = &trackState{
				memo:      memo,
				resolver:  &match.Resolver{Config: tr.Match, Lemmatizer: memo},
				collected: match.NewCollected(),
			}
		}
	}
	j.gen = e.gen
	j.states = e.states
	// Tokens modified again while the pass runs stay queued for the next one.
	for _, tok := range j.refresh {
		delete(e.refresh, tok)
	}
	j.lines = make(map[int]Line, len(j.indexes))
	e.inflight = make(map[int]struct{}, len(j.indexes))
	for _, i := range j.indexes {
		j.lines[i] = e.lines[i].Line
		e.inflight[i] = struct{}{}
		e.lines[i].prev = e.lines[i].state
		e.lines[i].state = StatePending
	}
	pctx, cancel := context.WithCancel(ctx)
	e.building = true
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	go func() {
		defer close(done)
		defer cancel()
		results := e.color(pctx, j)
		cancelled := pctx.Err() != nil
		e.finish(ctx, j, results, cancelled)
	}()
}

// finish applies the results of a pass. Results of a pass started before a reset are
// dropped.
func (e *Engine) finish(ctx context.Context, j *job, results map[int]lineResult, cancelled bool) {
	e.mu.Lock()
	stale := j.gen != e.gen
	var updated []Colored
	if !stale {
		for _, i := range j.indexes {
			if i >= len(e.lines) {
				continue
			}
			ls := &e.lines[i]
			res, ok := results[i]
			if !ok || ls.Line != j.lines[i] {
				if ls.state == StatePending {
					ls.state = ls.prev
				}
				continue
			}
			changed := !sameColoring(ls.colored, res.colored) || ls.state != res.state()
			ls.colored = res.colored
			ls.state = res.state()
			ls.uncollected = res.uncollected
			ls.stale = false
			for _, key := range res.keys {
				lines := e.index[key]
				if lines == nil {
					lines = make(map[int]struct{})
					e.index[key] = lines
				}
				lines[i] = struct{}{}
			}
			if changed {
				updated = append(updated, e.coloredLocked(i))
			}
		}
		if cancelled {
			e.refresh.Add(j.refresh...)
		} else if j.window {
			if !j.init {
				e.lower = j.start
				e.upper = j.end - e.BuildAheadThreshold
				e.builtEnd = j.end
			}
			e.initialized = true
		}
	}
	e.building = false
	e.cancel = nil
	e.inflight = nil
	e.mu.Unlock()

	if cancelled && !stale {
		e.logger().Debug("coloring pass cancelled", slog.Int("lines", len(j.indexes)), slog.Int("done", len(results)))
		if e.Metrics != nil {
			e.Metrics.RecolorsCancelled.Add(ctx, 1)
		}
	}
	if e.Metrics != nil {
		for _, r := range results {
			e.Metrics.RecordLine(ctx, r.colored.Errored)
		}
	}
	if len(updated) > 0 && e.OnUpdate != nil {
		e.OnUpdate(updated)
	}
}

func sameColoring(a, b Colored) bool {
	return a.Errored == b.Errored && slices.EqualFunc(a.Tokens, b.Tokens, func(x, y Token) bool {
		return x.Text == y.Text && x.Start == y.Start && x.End == y.End && x.Status == y.Status &&
			x.Errored == y.Errored && slices.Equal(x.States, y.States)
	})
}
