package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  `Show the configuration after merging defaults, the config file, FRESHCHECK_* variables and flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if a.cfg.File == "" {
				fmt.Fprintln(out, "No config file loaded (using defaults).")
			} else {
				fmt.Fprintf(out, "Config file: %s\n", a.cfg.File)
			}

			data, err := json.MarshalIndent(a.v.AllSettings(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}
