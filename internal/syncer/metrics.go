package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signoff_sync_runs_total",
		Help: "Team syncs by result",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signoff_sync_duration_seconds",
		Help:    "Duration of a single team sync",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	syncIssues = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signoff_sync_issues",
		Help: "Issues mirrored per team after the last successful sync",
	}, []string{"team"})

	syncChangedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signoff_sync_changed_issues_total",
		Help: "Issue snapshots rewritten because their content changed",
	}, []string{"team"})

	syncRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signoff_sync_removed_issues_total",
		Help: "Issue snapshots removed because the issue left the team",
	}, []string{"team"})
)
