package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"signoff/api/internal/config"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
)

var issueCmd = &cobra.Command{
	Use:   "issue <issue-id>",
	Short: "Compare an issue in Linear with its mirrored copy",
	Long: `Fetches a single issue from Linear and compares it with the mirror.

Differences in state, parent, children or title mean the next sync of the
issue's team will rewrite the mirrored copy.`,
	Args: cobra.ExactArgs(1),
	RunE: runIssue,
}

type issueDrift struct {
	IssueID  string        `json:"issueId"`
	Mirrored bool          `json:"mirrored"`
	Fields   []fieldChange `json:"fields"`
}

type fieldChange struct {
	Field  string `json:"field"`
	Mirror string `json:"mirror"`
	Linear string `json:"linear"`
}

func runIssue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	client, err := newLinearClient(cfg)
	if err != nil {
		return err
	}
	kvStore, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	live, err := client.FetchIssue(ctx, args[0])
	if err != nil {
		return err
	}
	mirrored, err := kv.NewMirror(kvStore).GetIssue(ctx, args[0])
	var drift issueDrift
	switch {
	case errors.Is(err, kv.ErrNotFound):
		drift = issueDrift{IssueID: live.ID}
	case err != nil:
		return fmt.Errorf("read mirror: %w", err)
	default:
		drift = compareIssues(mirrored, live)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), drift)
	}
	renderDrift(cmd.OutOrStdout(), live, drift)
	return nil
}

func compareIssues(mirrored, live linear.Issue) issueDrift {
	drift := issueDrift{IssueID: live.ID, Mirrored: true, Fields: []fieldChange{}}
	add := func(field, mirror, remote string) {
		if mirror != remote {
			drift.Fields = append(drift.Fields, fieldChange{Field: field, Mirror: mirror, Linear: remote})
		}
	}
	add("title", mirrored.Title, live.Title)
	add("state", stateName(mirrored), stateName(live))
	add("parent", mirrored.ParentID(), live.ParentID())

	mirrorChildren := slices.Sorted(slices.Values(mirrored.ChildIDs))
	liveChildren := slices.Sorted(slices.Values(live.ChildIDs))
	if !slices.Equal(mirrorChildren, liveChildren) {
		drift.Fields = append(drift.Fields, fieldChange{
			Field:  "children",
			Mirror: fmt.Sprint(mirrorChildren),
			Linear: fmt.Sprint(liveChildren),
		})
	}
	return drift
}

func stateName(issue linear.Issue) string {
	if issue.State == nil {
		return ""
	}
	return issue.State.Name
}

func renderDrift(w io.Writer, live linear.Issue, drift issueDrift) {
	fmt.Fprintf(w, "%s  %s\n", live.Identifier, live.Title)
	if !drift.Mirrored {
		fmt.Fprintln(w, "not mirrored")
		return
	}
	if len(drift.Fields) == 0 {
		fmt.Fprintln(w, "in sync")
		return
	}
	for _, f := range drift.Fields {
		fmt.Fprintf(w, "%-9s mirror=%q linear=%q\n", f.Field, f.Mirror, f.Linear)
	}
}
