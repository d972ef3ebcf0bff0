package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/ankicache"
)

func newBuildCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Sync the vocabulary cache with the card store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			var emit ankicache.Sink
			if jsonOut {
				enc := json.NewEncoder(out)
				emit = func(ev ankicache.Event) { _ = enc.Encode(ev) }
			} else {
				emit = progressPrinter(cmd.ErrOrStderr())
			}

			stats, modified, err := ctx.runBuild(cmd.Context(), conn, emit)
			if err != nil {
				return err
			}
			if !jsonOut {
				fmt.Fprintln(out, renderStats(stats, len(modified)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print build events as JSON lines")
	return cmd
}

func progressPrinter(w io.Writer) ankicache.Sink {
	return func(ev ankicache.Event) {
		if ev.Kind != ankicache.EventProgress || ev.Progress == nil {
			return
		}
		p := ev.Progress
		line := fmt.Sprintf("batch %d/%d", p.Current, p.Total)
		if p.ETA > 0 {
			line += fmt.Sprintf(" (eta %s)", p.ETA.Round(time.Second))
		}
		fmt.Fprintln(w, line)
	}
}

func trackList(tracks []int) string {
	if len(tracks) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tracks))
	for _, t := range tracks {
		parts = append(parts, itoa(t+1))
	}
	return strings.Join(parts, ", ")
}

func renderStats(s ankicache.Stats, modifiedTokens int) string {
	rows := [][]string{
		{"Tracks", trackList(s.Tracks)},
		{"Skipped tracks", trackList(s.SkippedTracks)},
		{"Cleared tracks", trackList(s.ClearedTracks)},
		{"Cleared cards", fmt.Sprint(s.ClearedCards)},
		{"Modified cards", itoa(s.ModifiedCards)},
		{"Processed cards", itoa(s.ProcessedCards)},
		{"Suspension changes", fmt.Sprint(s.SuspensionChanges)},
		{"Orphaned cards", fmt.Sprint(s.OrphanedCards)},
		{"Modified tokens", itoa(modifiedTokens)},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
	}
	return renderTable([]string{"Build", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}
