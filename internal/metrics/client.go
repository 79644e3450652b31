// Package metrics holds the controller's Prometheus instrumentation,
// registered at import time via promauto, then incremented from the
// authority/registry/buildstate/api/sweep/artifacts/auth packages as builds
// and workers move through their lifecycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsSubmittedTotal is the total number of builds submitted.
	BuildsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_builds_submitted_total",
		Help: "Total number of builds submitted",
	}, []string{"platform"})

	// BuildsTerminalTotal is the total number of builds reaching a terminal
	// state, broken down by the state reached.
	BuildsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_builds_terminal_total",
		Help: "Total number of builds reaching a terminal status",
	}, []string{"platform", "status"})

	// BuildDuration is the wall-clock time from submission to a terminal
	// status.
	BuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildctl_build_duration_seconds",
		Help:    "Duration from build submission to a terminal status, in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "status"})

	// QueueDepth is the current number of Pending builds per platform.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buildctl_queue_depth",
		Help: "Current number of pending builds awaiting assignment",
	}, []string{"platform"})

	// WorkersTotal is the current number of registered workers by status.
	WorkersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buildctl_workers_total",
		Help: "Current number of registered workers",
	}, []string{"status"})

	// WorkersSweptTotal is the total number of workers the staleness sweep
	// has marked Offline.
	WorkersSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_workers_swept_total",
		Help: "Total number of workers marked offline by the staleness sweep",
	}, []string{})

	// TokensIssuedTotal is the total number of tokens minted through the
	// authority's issue helper, by class (build, bootstrap_otp, guest).
	// Guest tokens minted by the OTP exchange and worker session secrets are
	// not counted.
	TokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_tokens_issued_total",
		Help: "Total number of tokens issued by the credential authority",
	}, []string{"class"})

	// TokensExpiredTotal is the total number of tokens the expiry sweep has
	// reaped.
	TokensExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_tokens_expired_total",
		Help: "Total number of expired tokens reaped by the sweep",
	}, []string{"class"})

	// OIDCVerificationsTotal is the total number of Operator SSO token
	// verifications.
	OIDCVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_oidc_verifications_total",
		Help: "Total number of OIDC token verifications",
	}, []string{"issuer", "result"})

	// APIRequestsTotal is the total number of gateway requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_api_requests_total",
		Help: "Total number of request gateway requests",
	}, []string{"endpoint", "method", "status"})

	// APIRequestDuration is the duration of gateway requests.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildctl_api_request_duration_seconds",
		Help:    "Duration of request gateway requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// ArtifactBytesTotal is the total bytes ingested or egressed through the
	// artifact channel.
	ArtifactBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildctl_artifact_bytes_total",
		Help: "Total bytes transferred through the artifact channel",
	}, []string{"kind", "direction"})

	// SweepDuration is the duration of one staleness/expiry sweep pass.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildctl_sweep_duration_seconds",
		Help:    "Duration of one staleness/expiry sweep pass in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{})
)
