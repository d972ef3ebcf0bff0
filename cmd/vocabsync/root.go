package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	return newRootCommandWithContext(newCommandContext())
}

func newRootCommandWithContext(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vocabsync",
		Short:         "Sync Anki vocabulary into a local cache and color subtitles by knowledge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&ctx.profileFlag, "profile", "p", "", "Anki profile (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newBuildCommand(ctx))
	rootCmd.AddCommand(newLookupCommand(ctx))
	rootCmd.AddCommand(newLemmaCommand(ctx))
	rootCmd.AddCommand(newLocalCommand(ctx))
	rootCmd.AddCommand(newColorizeCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newProfileCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
