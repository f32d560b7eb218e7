// Package syncer mirrors Linear teams and issue hierarchies into the KV store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/store"
)

// LinearAPI is the part of the Linear client the syncer reads from.
type LinearAPI interface {
	FetchTeams(ctx context.Context) ([]linear.Team, error)
	FetchTeam(ctx context.Context, teamID string) (linear.Team, error)
	FetchTeamStates(ctx context.Context, teamID string) ([]linear.WorkflowState, error)
	FetchTeamIssues(ctx context.Context, teamID string) ([]linear.Issue, error)
}

// RunRecorder persists sync run history.
type RunRecorder interface {
	StartSyncRun(ctx context.Context, teamID, source string) (store.SyncRun, error)
	FinishSyncRun(ctx context.Context, run store.SyncRun) error
}

// Indexer receives every successfully mirrored team.
type Indexer interface {
	IndexTeamIssues(ctx context.Context, teamID string, issues []linear.Issue) error
	RemoveIssues(ctx context.Context, issueIDs []string) error
}

// defaultRunTimeout bounds a shared team sync that outlives its caller.
const defaultRunTimeout = 10 * time.Minute

// Run sources.
const (
	SourceManual   = "manual"
	SourceSchedule = "schedule"
	SourceCLI      = "cli"
)

// Result summarizes one team sync.
type Result struct {
	TeamID         string        `json:"teamId"`
	TeamKey        string        `json:"teamKey,omitempty"`
	RunID          string        `json:"runId,omitempty"`
	IssueCount     int           `json:"issueCount"`
	Changed        int           `json:"changed"`
	Removed        int           `json:"removed"`
	ClearedParents int           `json:"clearedParents"`
	Roots          int           `json:"roots"`
	Orphans        int           `json:"orphans"`
	Cycles         int           `json:"cycles"`
	Invalidated    int64         `json:"invalidated"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

type Syncer struct {
	api         LinearAPI
	mirror      *kv.Mirror
	runs        RunRecorder
	index       Indexer
	teamIDs     []string
	concurrency int
	runTimeout  time.Duration
	now         func() time.Time
	flight      singleflight.Group
}

type Option func(*Syncer)

func WithRunRecorder(runs RunRecorder) Option {
	return func(s *Syncer) { s.runs = runs }
}

func WithIndexer(index Indexer) Option {
	return func(s *Syncer) { s.index = index }
}

// WithTeams restricts SyncTeams to the given team ids.
func WithTeams(teamIDs []string) Option {
	return func(s *Syncer) { s.teamIDs = teamIDs }
}

func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(api LinearAPI, mirror *kv.Mirror, opts ...Option) *Syncer {
	s := &Syncer{
		api:         api,
		mirror:      mirror,
		concurrency: 4,
		runTimeout:  defaultRunTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncTeamHierarchy mirrors one team. Concurrent calls for the same team
// share a single run.
func (s *Syncer) SyncTeamHierarchy(ctx context.Context, teamID string) (Result, error) {
	return s.syncShared(ctx, teamID, SourceManual)
}

// SyncTeamHierarchyFrom is SyncTeamHierarchy with an explicit run source.
func (s *Syncer) SyncTeamHierarchyFrom(ctx context.Context, teamID, source string) (Result, error) {
	return s.syncShared(ctx, teamID, source)
}

// syncShared runs at most one sync per team. The shared run is detached from
// the caller that started it and bounded by runTimeout; every caller stops
// waiting when its own ctx ends.
func (s *Syncer) syncShared(ctx context.Context, teamID, source string) (Result, error) {
	ch := s.flight.DoChan(teamID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
		defer cancel()
		return s.syncTeam(runCtx, teamID, source)
	})
	select {
	case <-ctx.Done():
		return Result{TeamID: teamID}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(Result)
		return result, res.Err
	}
}

func (s *Syncer) syncTeam(ctx context.Context, teamID, source string) (Result, error) {
	started := s.now()
	result := Result{TeamID: teamID}
	run := s.startRun(ctx, teamID, source)
	result.RunID = run.ID

	fail := func(err error) (Result, error) {
		result.Duration = s.now().Sub(started)
		result.Error = err.Error()
		syncRunsTotal.WithLabelValues("failed").Inc()
		syncDuration.Observe(result.Duration.Seconds())
		run.Status = store.SyncFailed
		run.Error = err.Error()
		s.finishRun(ctx, run)
		log.Printf("sync: team %s failed after %s: %v", teamID, result.Duration.Round(time.Millisecond), err)
		return result, err
	}

	team, err := s.api.FetchTeam(ctx, teamID)
	if err != nil {
		return fail(fmt.Errorf("fetch team: %w", err))
	}
	result.TeamKey = team.Key
	states, err := s.api.FetchTeamStates(ctx, teamID)
	if err != nil {
		return fail(fmt.Errorf("fetch states: %w", err))
	}
	fetched, err := s.api.FetchTeamIssues(ctx, teamID)
	if err != nil {
		return fail(fmt.Errorf("fetch issues: %w", err))
	}

	issues := ReconcileParents(fetched)
	forest := BuildIssueForest(issues)
	result.IssueCount = len(issues)
	result.Roots = len(forest.Roots)
	for _, root := range forest.Roots {
		if root.Orphan {
			result.Orphans++
		}
		if root.Cycle {
			result.Cycles++
		}
	}

	inBatch := make(map[string]struct{}, len(issues))
	for _, issue := range issues {
		inBatch[issue.ID] = struct{}{}
	}
	for i := range issues {
		parentID := issues[i].ParentID()
		if parentID == "" {
			continue
		}
		if _, ok := inBatch[parentID]; ok {
			continue
		}
		exists, err := s.mirror.Store().Exists(ctx, kv.IssueKey(parentID))
		if err != nil {
			return fail(fmt.Errorf("check parent %s: %w", parentID, err))
		}
		if !exists {
			issues[i].Parent = nil
			result.ClearedParents++
		}
	}

	ids := make([]string, 0, len(issues))
	for i := range issues {
		issue := &issues[i]
		if issue.Team == nil {
			issue.Team = &linear.TeamRef{ID: team.ID, Key: team.Key}
		}
		changed, err := s.mirror.PutIssue(ctx, *issue)
		if err != nil {
			return fail(fmt.Errorf("write issue %s: %w", issue.Identifier, err))
		}
		if changed {
			result.Changed++
		}
		ids = append(ids, issue.ID)
	}
	if _, err := s.mirror.PutTeam(ctx, team); err != nil {
		return fail(fmt.Errorf("write team: %w", err))
	}
	if _, err := s.mirror.PutStates(ctx, teamID, states); err != nil {
		return fail(fmt.Errorf("write states: %w", err))
	}
	if err := s.mirror.ReplaceTeamIssues(ctx, teamID, ids); err != nil {
		return fail(fmt.Errorf("swap issue set: %w", err))
	}
	tree := kv.Tree{TeamID: teamID, Roots: TreeNodes(forest.Roots, func(i linear.Issue) string { return i.Identifier })}
	if _, err := s.mirror.PutTree(ctx, tree); err != nil {
		return fail(fmt.Errorf("write tree: %w", err))
	}

	reconciled, err := s.mirror.ReconcileOrphans(ctx, teamID, ids)
	if err != nil {
		return fail(fmt.Errorf("reconcile orphans: %w", err))
	}
	result.Removed = len(reconciled.Removed)
	result.ClearedParents += len(reconciled.ClearedParents)

	result.Duration = s.now().Sub(started)
	meta := kv.Meta{
		TeamID:     teamID,
		SyncedAt:   s.now().UTC(),
		IssueCount: result.IssueCount,
		Changed:    result.Changed,
		Removed:    result.Removed,
		DurationMS: result.Duration.Milliseconds(),
	}
	if err := s.mirror.PutMeta(ctx, meta); err != nil {
		return fail(fmt.Errorf("write meta: %w", err))
	}

	invalidated, err := s.mirror.InvalidateTeamCache(ctx, teamID)
	if err != nil {
		log.Printf("sync: invalidate cache for team %s: %v", teamID, err)
	}
	result.Invalidated = invalidated

	if s.index != nil {
		if err := s.index.IndexTeamIssues(ctx, teamID, issues); err != nil {
			log.Printf("search: index team %s: %v", teamID, err)
		}
		if len(reconciled.Removed) > 0 {
			if err := s.index.RemoveIssues(ctx, reconciled.Removed); err != nil {
				log.Printf("search: remove issues for team %s: %v", teamID, err)
			}
		}
	}

	syncRunsTotal.WithLabelValues("succeeded").Inc()
	syncDuration.Observe(result.Duration.Seconds())
	syncIssues.WithLabelValues(teamID).Set(float64(result.IssueCount))
	syncChangedTotal.WithLabelValues(teamID).Add(float64(result.Changed))
	syncRemovedTotal.WithLabelValues(teamID).Add(float64(result.Removed))

	run.Status = store.SyncSucceeded
	run.IssueCount = result.IssueCount
	run.Changed = result.Changed
	run.Removed = result.Removed
	s.finishRun(ctx, run)

	log.Printf("sync: team %s (%s) issues=%d changed=%d removed=%d orphans=%d in %s",
		team.Key, teamID, result.IssueCount, result.Changed, result.Removed, result.Orphans, result.Duration.Round(time.Millisecond))
	return result, nil
}

func (s *Syncer) startRun(ctx context.Context, teamID, source string) store.SyncRun {
	run := store.SyncRun{TeamID: teamID, Source: source, Status: store.SyncRunning}
	if s.runs == nil {
		return run
	}
	started, err := s.runs.StartSyncRun(ctx, teamID, source)
	if err != nil {
		log.Printf("sync: record start for team %s: %v", teamID, err)
		return run
	}
	return started
}

func (s *Syncer) finishRun(ctx context.Context, run store.SyncRun) {
	if s.runs == nil || run.ID == "" {
		return
	}
	if err := s.runs.FinishSyncRun(context.WithoutCancel(ctx), run); err != nil {
		log.Printf("sync: record finish for run %s: %v", run.ID, err)
	}
}

// SyncTeams refreshes the team forest and syncs every configured team, or
// every team when none are configured. A failing team is reported in its
// Result and does not stop the others.
func (s *Syncer) SyncTeams(ctx context.Context) ([]Result, error) {
	return s.syncTeams(ctx, SourceManual)
}

// SyncTeamsFrom is SyncTeams with an explicit run source.
func (s *Syncer) SyncTeamsFrom(ctx context.Context, source string) ([]Result, error) {
	return s.syncTeams(ctx, source)
}

func (s *Syncer) syncTeams(ctx context.Context, source string) ([]Result, error) {
	teams, err := s.api.FetchTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch teams: %w", err)
	}
	for _, team := range teams {
		if _, err := s.mirror.PutTeam(ctx, team); err != nil {
			return nil, fmt.Errorf("write team %s: %w", team.Key, err)
		}
	}
	forest := BuildTeamForest(teams)
	if _, err := s.mirror.PutTeamForest(ctx, TreeNodes(forest.Roots, func(t linear.Team) string { return t.Key })); err != nil {
		return nil, fmt.Errorf("write team forest: %w", err)
	}

	targets := s.teamIDs
	if len(targets) == 0 {
		targets = make([]string, 0, len(teams))
		for _, node := range forest.Flatten() {
			targets = append(targets, node.ID)
		}
	}

	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, teamID := range targets {
		g.Go(func() error {
			result, err := s.syncShared(gctx, teamID, source)
			if err != nil {
				result.TeamID = teamID
				result.Error = err.Error()
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// Failed counts results that carry an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Error != "" {
			n++
		}
	}
	return n
}

// Run syncs all teams immediately and then every interval until ctx ends.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sync interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		results, err := s.syncTeams(ctx, SourceSchedule)
		if err != nil && ctx.Err() == nil {
			log.Printf("sync: scheduled run failed: %v", err)
		} else if err == nil {
			log.Printf("sync: scheduled run synced %d teams, %d failed", len(results), Failed(results))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
