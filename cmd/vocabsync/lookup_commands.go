package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

type lookupRow struct {
	Lemma     string   `json:"lemma,omitempty"`
	Token     string   `json:"token"`
	Source    string   `json:"source"`
	Status    string   `json:"status"`
	Cards     int      `json:"cards"`
	Suspended int      `json:"suspended"`
	States    []string `json:"states"`
}

func newLookupRow(token string, source vocab.Source, statuses []vocab.CardStatus, states []vocab.State, treat vocab.TreatSuspended) lookupRow {
	row := lookupRow{
		Token:  token,
		Source: source.String(),
		Status: vocab.AggregateCardStatuses(statuses, treat).String(),
		States: make([]string, 0, len(states)),
	}
	if source != vocab.SourceLocal {
		row.Cards = len(statuses)
	}
	for _, s := range statuses {
		if s.Suspended {
			row.Suspended++
		}
	}
	for _, s := range states {
		row.States = append(row.States, s.String())
	}
	return row
}

func statesCell(states []string) string {
	if len(states) == 0 {
		return "-"
	}
	return strings.Join(states, ", ")
}

func newLookupCommand(ctx *commandContext) *cobra.Command {
	var track int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "lookup TOKEN...",
		Short: "Show the cached record of tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			idx, err := ctx.parseTrack(track)
			if err != nil {
				return err
			}
			mc, err := cfg.Tracks[idx].MatchConfig()
			if err != nil {
				return err
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := db.GetBulk(cmd.Context(), conn, cfg.Profile, idx, args)
			if err != nil {
				return err
			}
			rows := make([]lookupRow, 0, len(args))
			var missing []string
			for _, token := range args {
				r, ok := res[token]
				if !ok {
					missing = append(missing, token)
					continue
				}
				rows = append(rows, newLookupRow(token, r.Source, r.Statuses, r.States, mc.TreatSuspended))
			}
			if jsonOut {
				return writeJSON(cmd, rows)
			}
			out := cmd.OutOrStdout()
			if len(rows) > 0 {
				table := make([][]string, 0, len(rows))
				for _, r := range rows {
					table = append(table, []string{r.Token, r.Source, r.Status, itoa(r.Cards), itoa(r.Suspended), statesCell(r.States)})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Token", "Source", "Status", "Cards", "Suspended", "States"},
					table,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
			}
			for _, token := range missing {
				fmt.Fprintf(out, "%s: not collected\n", token)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&track, "track", "t", 1, "Track number (1-based)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	return cmd
}

func newLemmaCommand(ctx *commandContext) *cobra.Command {
	var track int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "lemma LEMMA...",
		Short: "List cached tokens sharing a lemma",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			idx, err := ctx.parseTrack(track)
			if err != nil {
				return err
			}
			mc, err := cfg.Tracks[idx].MatchConfig()
			if err != nil {
				return err
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := db.GetByLemmaBulk(cmd.Context(), conn, cfg.Profile, idx, args)
			if err != nil {
				return err
			}
			var rows []lookupRow
			for _, lemma := range args {
				lrs := res[lemma]
				sort.Slice(lrs, func(i, j int) bool { return lrs[i].Token < lrs[j].Token })
				for _, lr := range lrs {
					row := newLookupRow(lr.Token, lr.Source, lr.Statuses, lr.States, mc.TreatSuspended)
					row.Lemma = lemma
					rows = append(rows, row)
				}
			}
			if jsonOut {
				if rows == nil {
					rows = []lookupRow{}
				}
				return writeJSON(cmd, rows)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No tokens found.")
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{r.Lemma, r.Token, r.Source, r.Status, statesCell(r.States)})
			}
			fmt.Fprintln(out, renderTable([]string{"Lemma", "Token", "Source", "Status", "States"}, table, nil))
			return nil
		},
	}

	cmd.Flags().IntVarP(&track, "track", "t", 1, "Track number (1-based)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	return cmd
}
