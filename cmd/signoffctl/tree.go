package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"signoff/api/internal/config"
	"signoff/api/internal/hierarchy"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/syncer"
	"signoff/api/internal/workflow"
)

var treeCmd = &cobra.Command{
	Use:   "tree <team-id>",
	Short: "Print a team's mirrored issue hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE:  runTree,
}

func runTree(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kvStore, err := openKV(config.Load())
	if err != nil {
		return err
	}
	defer kvStore.Close()

	issues, err := kv.NewMirror(kvStore).TeamIssues(ctx, args[0])
	if err != nil {
		return fmt.Errorf("read team issues: %w", err)
	}
	forest := syncer.BuildIssueForest(issues)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), forest.Roots)
	}
	renderTree(cmd.OutOrStdout(), forest.Roots, workflow.DeriveForest(forest))
	return nil
}

// renderTree writes one line per issue, indented by level.
func renderTree(w io.Writer, roots []*hierarchy.Node[linear.Issue], statuses map[string]workflow.Status) {
	for _, n := range roots {
		var flags []string
		if n.Orphan {
			flags = append(flags, "orphan")
		}
		if n.Cycle {
			flags = append(flags, "cycle")
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " (" + strings.Join(flags, ", ") + ")"
		}
		fmt.Fprintf(w, "%s%s  %s  [%s, %s]%s\n",
			strings.Repeat("  ", n.Level), n.Item.Identifier, n.Item.Title,
			n.Item.StateName(), statuses[n.ID], suffix)
		renderTree(w, n.Children, statuses)
	}
}
