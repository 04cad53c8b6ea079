// Package metrics holds the process-wide prometheus collectors. The
// orchestrator and the HTTP API increment them; everything is registered on
// a package registry so tests and the /metrics handler see the same state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// RunsStarted counts runs entering execution, including resumes.
	RunsStarted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "autopack_runs_started_total",
		Help: "Runs that entered execution.",
	})

	// RunsFinished counts runs leaving execution by final state.
	RunsFinished = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_runs_finished_total",
		Help: "Runs that left execution, by resulting state.",
	}, []string{"state"})

	// Attempts counts finalized phase attempts by verdict.
	Attempts = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_attempts_total",
		Help: "Phase attempts, by finalization verdict.",
	}, []string{"verdict"})

	// AttemptFailures counts failed or blocked attempts by failure category.
	AttemptFailures = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_attempt_failures_total",
		Help: "Attempt failures, by category.",
	}, []string{"category"})

	// Escalations counts builder model-tier escalations.
	Escalations = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "autopack_escalations_total",
		Help: "Builder tier escalations.",
	})

	// GovernanceDecisions counts decider verdicts.
	GovernanceDecisions = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_governance_decisions_total",
		Help: "Governance decisions, by verdict.",
	}, []string{"verdict"})

	// ApprovalRequests counts approval requests raised, by kind.
	ApprovalRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_approval_requests_total",
		Help: "Approval requests raised, by kind.",
	}, []string{"kind"})

	// ApprovalsResolved counts approval resolutions, by final status.
	ApprovalsResolved = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_approvals_resolved_total",
		Help: "Approval requests resolved, by status.",
	}, []string{"status"})

	// DoctorConsultations counts performed consultations by chosen action
	// and the model class that produced the final diagnosis.
	DoctorConsultations = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_doctor_consultations_total",
		Help: "Doctor consultations performed, by action and model class.",
	}, []string{"action", "model"})

	// Replans counts revision outcomes by verdict.
	Replans = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_replans_total",
		Help: "Re-plan attempts, by outcome.",
	}, []string{"verdict"})

	// TokensSpent counts LLM tokens by consuming agent role.
	TokensSpent = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_llm_tokens_total",
		Help: "LLM tokens consumed, by agent role.",
	}, []string{"agent"})

	// AttemptDuration observes wall time of one full phase attempt.
	AttemptDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "autopack_attempt_duration_seconds",
		Help:    "Duration of one phase attempt, build through finalize.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// TestRunDuration observes wall time of one delta test run.
	TestRunDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "autopack_test_run_duration_seconds",
		Help:    "Duration of one baseline-delta test run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the package registry, for callers that register extra
// collectors.
func Registry() *prometheus.Registry { return registry }

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
