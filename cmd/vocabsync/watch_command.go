package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/japaniel/vocabsync/pkg/ankicache"
	"github.com/japaniel/vocabsync/pkg/coloring"
	"github.com/japaniel/vocabsync/pkg/subtitles"
)

// reloadDebounce collapses the burst of events editors produce when saving.
const reloadDebounce = 200 * time.Millisecond

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var (
		track     int
		live      bool
		colorMode string
		offset    time.Duration
		noBuild   bool
	)

	cmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Keep a subtitle file colored while it plays",
		Long: "Color FILE progressively, following its timing from --offset. The file is reloaded " +
			"when it changes, the cache is rebuilt periodically, and recent reviews or edits in " +
			"the card store recolor affected lines.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			idx, err := ctx.parseTrack(track)
			if err != nil {
				return err
			}
			colorize, err := colorEnabled(colorMode, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			lock := flock.New(cfg.Database.Path + ".watch.lock")
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire watch lock: %w", err)
			}
			if !ok {
				return errors.New("another vocabsync watch is already running for this database")
			}
			defer func() { _ = lock.Unlock() }()

			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			w := &watcher{
				ctx:      ctx,
				conn:     conn,
				path:     path,
				track:    idx,
				offset:   offset,
				started:  time.Now(),
				out:      cmd.OutOrStdout(),
				colorize: colorize,
				logger:   ctx.componentLogger("watch"),
			}
			return w.run(cmd.Context(), live, !noBuild)
		},
	}

	cmd.Flags().IntVarP(&track, "track", "t", 1, "Track number (1-based)")
	cmd.Flags().BoolVar(&live, "live", false, "Search the card store for tokens missing from the cache")
	cmd.Flags().StringVar(&colorMode, "color", "auto", "Colorize output: auto, always or never")
	cmd.Flags().DurationVar(&offset, "offset", 0, "Playback position to start from")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "Skip the initial and periodic cache builds")
	return cmd
}

type watcher struct {
	ctx      *commandContext
	conn     *sql.DB
	path     string
	track    int
	offset   time.Duration
	started  time.Time
	out      io.Writer
	colorize bool
	logger   *slog.Logger
	engine   *coloring.Engine

	mu    sync.Mutex
	lines []subtitles.Line

	buildMu sync.Mutex
	outMu   sync.Mutex
}

func (w *watcher) run(ctx context.Context, live, build bool) error {
	engine, err := w.ctx.newEngine(w.conn, live)
	if err != nil {
		return err
	}
	engine.Client = w.ctx.ankiClient()
	engine.Rebuild = w.rebuild
	engine.OnUpdate = w.print
	w.engine = engine

	if err := w.reload(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	// Editors often replace the file, so watch its directory.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx, w.showing) })
	g.Go(func() error { return w.watchFile(ctx, fsw) })
	if build {
		g.Go(func() error { return w.buildLoop(ctx) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *watcher) reload(ctx context.Context) error {
	lines, err := subtitles.Open(ctx, &http.Client{Timeout: 30 * time.Second}, w.path)
	if err != nil {
		return fmt.Errorf("load %s: %w", w.path, err)
	}
	input := make([]coloring.Line, 0, len(lines))
	for _, l := range lines {
		input = append(input, coloring.Line{Track: w.track, Text: l.Text})
	}
	w.mu.Lock()
	w.lines = lines
	w.mu.Unlock()
	w.engine.SetLines(input)
	w.logger.Info("subtitles loaded", slog.String("path", w.path), slog.Int("lines", len(lines)))
	return nil
}

// showing returns the lines on screen at the current playback position. Untimed sources
// show their first line.
func (w *watcher) showing() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return showingAt(w.lines, w.offset+time.Since(w.started))
}

func showingAt(lines []subtitles.Line, pos time.Duration) []int {
	var out []int
	timed := false
	for i, l := range lines {
		if l.End > 0 {
			timed = true
		}
		if l.Start <= pos && pos < l.End {
			out = append(out, i)
		}
	}
	if !timed && len(lines) > 0 {
		return []int{0}
	}
	if len(out) == 0 {
		// Between lines, keep the next one warm.
		for i, l := range lines {
			if l.Start > pos {
				return []int{i}
			}
		}
	}
	return out
}

func (w *watcher) watchFile(ctx context.Context, fsw *fsnotify.Watcher) error {
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := w.reload(ctx); err != nil {
				w.logger.Warn("subtitle reload failed", slog.Any("error", err))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

func (w *watcher) buildLoop(ctx context.Context) error {
	interval := time.Duration(w.ctx.config.Coloring.BuildIntervalHours) * time.Hour
	w.buildAndRefresh(ctx)
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.buildAndRefresh(ctx)
		}
	}
}

func (w *watcher) buildAndRefresh(ctx context.Context) {
	modified, err := w.rebuild(ctx)
	if err != nil {
		return
	}
	w.engine.TokensModified(modified...)
}

// rebuild serializes builds started by the timer and by the recent change poll. Failures
// are logged; a concurrent build in another process is not an error here.
func (w *watcher) rebuild(ctx context.Context) ([]string, error) {
	w.buildMu.Lock()
	defer w.buildMu.Unlock()
	_, modified, err := w.ctx.runBuild(ctx, w.conn, nil)
	if err != nil {
		var be *ankicache.BuildError
		if errors.As(err, &be) && be.Code == ankicache.CodeConcurrentBuild {
			w.logger.Info("build skipped, another build holds the lease", slog.Time("retry_after", be.RetryAfter))
		} else if ctx.Err() == nil {
			w.logger.Warn("cache build failed", slog.Any("error", err))
		}
		return nil, err
	}
	return modified, nil
}

func (w *watcher) print(lines []coloring.Colored) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	for _, l := range lines {
		if l.State != coloring.StateColored && l.State != coloring.StateErrored {
			continue
		}
		text := l.Text
		if w.colorize {
			text = coloring.Render(l, coloring.DefaultPalette)
		} else if l.Errored {
			text = "! " + text
		}
		fmt.Fprintf(w.out, "%5d  %s\n", l.Index+1, text)
	}
}
