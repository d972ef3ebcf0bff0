package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/coloring"
	"github.com/japaniel/vocabsync/pkg/subtitles"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

var statusOrder = []vocab.Status{vocab.Uncollected, vocab.Unknown, vocab.Learning, vocab.Graduated, vocab.Young, vocab.Mature}

func newColorizeCommand(ctx *commandContext) *cobra.Command {
	var (
		track     int
		live      bool
		jsonOut   bool
		colorMode string
		statsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "colorize SOURCE",
		Short: "Color a subtitle, text or HTML source by vocabulary knowledge",
		Long: "Color every line of SOURCE (an .srt/.vtt file, a text file, an HTML page or an " +
			"http(s) URL) by the status of its tokens and print a status summary.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
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

			lines, err := subtitles.Open(cmd.Context(), &http.Client{Timeout: 30 * time.Second}, args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}

			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			engine, err := ctx.newEngine(conn, live)
			if err != nil {
				return err
			}
			input := make([]coloring.Line, 0, len(lines))
			for _, l := range lines {
				input = append(input, coloring.Line{Track: idx, Text: l.Text})
			}
			engine.SetLines(input)
			colored, err := engine.ColorRange(cmd.Context(), 0, len(input))
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, colored)
			}
			out := cmd.OutOrStdout()
			if !statsOnly {
				printColored(out, colored, colorize)
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, renderCounts(colored))
			return nil
		},
	}

	cmd.Flags().IntVarP(&track, "track", "t", 1, "Track number (1-based)")
	cmd.Flags().BoolVar(&live, "live", false, "Search the card store for tokens missing from the cache")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print colored lines as JSON")
	cmd.Flags().StringVar(&colorMode, "color", "auto", "Colorize output: auto, always or never")
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "Only print the status summary")
	return cmd
}

func colorEnabled(mode string, out io.Writer) (bool, error) {
	switch mode {
	case "auto", "":
		return shouldColorize(out), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	}
	return false, fmt.Errorf("invalid --color value %q (want auto, always or never)", mode)
}

func printColored(w io.Writer, lines []coloring.Colored, colorize bool) {
	for _, l := range lines {
		text := l.Text
		if colorize {
			text = coloring.Render(l, coloring.DefaultPalette)
		} else if l.Errored {
			text = "! " + text
		}
		fmt.Fprintln(w, text)
	}
}

func renderCounts(lines []coloring.Colored) string {
	counts := coloring.Counts(lines)
	total := 0
	for _, n := range counts {
		total += n
	}
	errored := 0
	for _, l := range lines {
		if l.Errored {
			errored++
		}
	}
	rows := make([][]string, 0, len(statusOrder)+2)
	for _, s := range statusOrder {
		rows = append(rows, []string{s.String(), itoa(counts[s]), percent(counts[s], total)})
	}
	rows = append(rows, []string{"Total tokens", itoa(total), ""})
	rows = append(rows, []string{"Errored lines", itoa(errored), percent(errored, len(lines))})
	return renderTable([]string{"Status", "Tokens", "Share"}, rows, []columnAlignment{alignLeft, alignRight, alignRight})
}

func percent(n, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(total))
}
