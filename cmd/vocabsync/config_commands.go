package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := os.WriteFile(target, []byte(config.SampleConfig()), 0o644); err != nil {
				return fmt.Errorf("write sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Edit the [[tracks]] fields to match your note types before running vocabsync build.")
			return nil
		},
	}

	cmd.Flags().StringVar(&targetPath, "path", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Setting", "Value"}, [][]string{
				{"Profile", cfg.Profile},
				{"Database", cfg.Database.Path},
				{"AnkiConnect", cfg.Anki.URL},
				{"API bind", cfg.API.Bind},
				{"Log level", cfg.Logging.Level},
			}, nil))

			rows := make([][]string, 0, len(cfg.Tracks))
			for i, tr := range cfg.Tracks {
				rows = append(rows, []string{
					itoa(i + 1),
					yesNo(!tr.Disabled),
					strings.Join(tr.Decks, ", "),
					strings.Join(tr.WordFields, ", "),
					strings.Join(tr.SentenceFields, ", "),
					tr.Tokenizer,
					itoa(tr.MatureCutoff),
					tr.WordMatch + " / " + tr.SentenceMatch,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Track", "Enabled", "Decks", "Word fields", "Sentence fields", "Tokenizer", "Mature", "Match"},
				rows, nil))
			return nil
		},
	}
}
