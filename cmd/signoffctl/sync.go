package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"signoff/api/internal/config"
	"signoff/api/internal/kv"
	"signoff/api/internal/search"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync [team-id]",
	Short: "Mirror Linear teams into Redis",
	Long: `Mirror one team, or every configured team when no id is given. Runs are
recorded in the sync history with source "cli".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
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
	sqlDB, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer sqlDB.Close()

	mirror := kv.NewMirror(kvStore)
	var meiliClient *search.Meili
	if cfg.MeiliURL != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	index := search.NewService(meiliClient, nil)
	defer index.Close()

	s := syncer.New(client, mirror,
		syncer.WithRunRecorder(store.NewPostgresStore(sqlDB)),
		syncer.WithIndexer(index),
		syncer.WithTeams(cfg.SyncTeamIDs),
		syncer.WithConcurrency(cfg.SyncConcurrency),
	)

	var results []syncer.Result
	if len(args) == 1 {
		result, err := s.SyncTeamHierarchyFrom(ctx, args[0], syncer.SourceCLI)
		if err != nil {
			return err
		}
		results = []syncer.Result{result}
	} else {
		results, err = s.SyncTeamsFrom(ctx, syncer.SourceCLI)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, results)
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(out, "%-24s FAILED  %s\n", r.TeamID, r.Error)
			continue
		}
		fmt.Fprintf(out, "%-24s %4d issues  %3d changed  %3d removed\n", r.TeamID, r.IssueCount, r.Changed, r.Removed)
	}
	if failed := syncer.Failed(results); failed > 0 {
		return fmt.Errorf("%d of %d teams failed", failed, len(results))
	}
	return nil
}
