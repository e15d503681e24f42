package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/l0p7/tilegate/internal/engine"
	"github.com/l0p7/tilegate/internal/tilecache"
)

func newVersionsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Print component versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			versions := tilecache.NewLoader(engine.New()).Versions()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(versions)
			}
			for _, name := range slices.Sorted(maps.Keys(versions)) {
				fmt.Fprintf(out, "%-10s %s\n", name, versions[name])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
