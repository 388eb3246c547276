package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/sjc-dev/zreplicore/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the task configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigDiffCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Parse and print the configuration as resolved after defaults and env overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ParseConfig(configPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

// newConfigDiffCmd compares the currently configured file against a
// second file, as a `config reload` caller would want to see before
// swapping the running configuration out from under a daemon.
func newConfigDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <other-config.yml>",
		Short: "Show what changed between the configured file and another config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := configAsMap(configPath)
			if err != nil {
				return fmt.Errorf("load %s: %w", configPath, err)
			}
			after, err := configAsMap(args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}

			diff := gojsondiff.New().CompareObjects(before, after)
			if !diff.Modified() {
				fmt.Println("no differences")
				return nil
			}

			f := formatter.NewAsciiFormatter(before, formatter.AsciiFormatterConfig{
				ShowArrayIndex: true,
				Coloring:       true,
			})
			out, err := f.Format(diff)
			if err != nil {
				return fmt.Errorf("format diff: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// configAsMap parses a config file and round-trips it through JSON so
// gojsondiff, which compares generic maps rather than typed structs,
// can walk it field by field.
func configAsMap(path string) (map[string]interface{}, error) {
	cfg, err := config.ParseConfig(path)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
