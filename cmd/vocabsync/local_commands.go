package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/db"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

func newLocalCommand(ctx *commandContext) *cobra.Command {
	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Manage tokens marked by hand",
	}
	localCmd.AddCommand(newLocalSetCommand(ctx))
	localCmd.AddCommand(newLocalDeleteCommand(ctx))
	return localCmd
}

func newLocalSetCommand(ctx *commandContext) *cobra.Command {
	var (
		track     int
		statusArg string
		stateArgs []string
		lemmas    []string
	)

	cmd := &cobra.Command{
		Use:   "set TOKEN",
		Short: "Record a token status independent of the card store",
		Long: "Record a token status independent of the card store. Without --lemma the token is " +
			"lemmatized with the tokenizer of --track.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			status, err := vocab.ParseStatus(statusArg)
			if err != nil {
				return err
			}
			states := make([]vocab.State, 0, len(stateArgs))
			for _, s := range stateArgs {
				st, err := vocab.ParseState(s)
				if err != nil {
					return err
				}
				states = append(states, st)
			}
			idx, err := ctx.parseTrack(track)
			if err != nil {
				return err
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			token := args[0]
			if len(lemmas) > 0 {
				_, err = db.SaveLocalBulk(cmd.Context(), conn, cfg.Profile, []db.LocalTokenInput{
					{Token: token, Status: status, Lemmas: lemmas, States: states},
				})
			} else {
				engine, eerr := ctx.newEngine(conn, false)
				if eerr != nil {
					return eerr
				}
				err = engine.SaveTokenLocal(cmd.Context(), idx, token, status, states)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s as %s\n", token, status)
			return nil
		},
	}

	cmd.Flags().IntVarP(&track, "track", "t", 1, "Track whose tokenizer lemmatizes the token")
	cmd.Flags().StringVarP(&statusArg, "status", "s", "", "Status (UNCOLLECTED, UNKNOWN, LEARNING, GRADUATED, YOUNG, MATURE)")
	cmd.Flags().StringSliceVar(&stateArgs, "state", nil, "State flags (IGNORED, TRACKED)")
	cmd.Flags().StringSliceVar(&lemmas, "lemma", nil, "Lemmas of the token")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newLocalDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TOKEN...",
		Short: "Remove hand-marked tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			n, err := db.DeleteLocalBulk(cmd.Context(), conn, cfg.Profile, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d local token(s)\n", n)
			return nil
		},
	}
}

func newProfileCommand(ctx *commandContext) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage cached profiles",
	}

	var yes bool
	deleteCmd := &cobra.Command{
		Use:   "delete [NAME]",
		Short: "Delete every cached record of a profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			profile := cfg.Profile
			if len(args) == 1 {
				profile = args[0]
			}
			if !yes {
				return fmt.Errorf("refusing to delete profile %q without --yes", profile)
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			counts, err := db.DeleteProfile(cmd.Context(), conn, profile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %q: %d track(s), %d token(s), %d card(s)\n",
				profile, counts.Meta, counts.Tokens, counts.Cards)
			return nil
		},
	}
	deleteCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")

	profileCmd.AddCommand(deleteCmd)
	return profileCmd
}
