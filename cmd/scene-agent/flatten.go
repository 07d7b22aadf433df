package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var flattenProject string

func init() {
	flattenCmd.Flags().StringVar(&flattenProject, "project", "", "project whose scenes are flattened")
	_ = flattenCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(flattenCmd)
}

var flattenCmd = &cobra.Command{
	Use:   "flatten",
	Short: "Remove every author highlight from a project's scenes",
	Long: `flatten opens each scene of the project as its owner, clears all author
highlights in one edit and saves. Connected editors see the change live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}
		defer a.close()

		cleared, err := a.workspace.FlattenProject(cmd.Context(), a.scenes, flattenProject)
		ids := make([]string, 0, len(cleared))
		for id := range cleared {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, cleared[id])
		}
		return err
	},
}
