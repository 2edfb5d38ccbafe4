package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service bundles the engine's prometheus collectors. Each Service registers
// against the registerer it is given, so tests can construct isolated
// instances against fresh registries.
type Service struct {
	BroadcastsTotal         prometheus.Counter
	ResubmissionsTotal      prometheus.Counter
	SignRetriesTotal        prometheus.Counter
	TransactionsConfirmed   prometheus.Counter
	TransactionsFailed      prometheus.Counter
	SubmissionsExhausted    prometheus.Counter
	NoncesReleasedTotal     prometheus.Counter
	NoncesFlaggedTotal      prometheus.Counter
	AccountsDeployedTotal   prometheus.Counter
	AccountsAlreadyDeployed prometheus.Counter
	SubmissionDurationSecs  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Service {
	factory := promauto.With(reg)

	return &Service{
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_broadcasts_total",
			Help: "Signed transactions handed to the chain pool.",
		}),
		ResubmissionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_resubmissions_total",
			Help: "Identical-payload replays after ambiguous broadcast outcomes.",
		}),
		SignRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_sign_retries_total",
			Help: "Signing attempts repeated after transient custody failures.",
		}),
		TransactionsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_transactions_confirmed_total",
			Help: "Transactions confirmed with a successful receipt.",
		}),
		TransactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_transactions_failed_total",
			Help: "Transactions with a terminal failed outcome.",
		}),
		SubmissionsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_submissions_exhausted_total",
			Help: "Transactions abandoned after the retry budget ran out.",
		}),
		NoncesReleasedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_nonces_released_total",
			Help: "Nonce reservations rolled back after definite non-submission.",
		}),
		NoncesFlaggedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_nonces_flagged_total",
			Help: "Nonce reservations flagged for reconciliation.",
		}),
		AccountsDeployedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_accounts_deployed_total",
			Help: "Token bound accounts deployed.",
		}),
		AccountsAlreadyDeployed: factory.NewCounter(prometheus.CounterOpts{
			Name: "terroir_accounts_already_deployed_total",
			Help: "Provisioning requests answered from existing chain code.",
		}),
		SubmissionDurationSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "terroir_submission_duration_seconds",
			Help:    "Wall time from nonce reservation to terminal outcome.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}
