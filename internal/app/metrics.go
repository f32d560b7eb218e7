package app

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signoff_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signoff_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	reviewActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signoff_review_actions_total",
		Help: "Review actions by action and outcome",
	}, []string{"action", "outcome"})
)

func observeRequest(method, path string, status int, seconds float64) {
	route := routeLabel(path)
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// routeLabel replaces ids in a request path so the label set stays small:
// /api/teams/abc/issues becomes /api/teams/:id/issues.
func routeLabel(path string) string {
	parts := splitPath(path)
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "teams", "issues", "users":
			if parts[i] != "visible" {
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}
