// Package metrics holds the broker's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons for results.
const (
	ReasonCrypto   = "crypto"
	ReasonExpired  = "expired"
	ReasonNotFound = "not_found"
	ReasonConflict = "conflict"
	ReasonStore    = "store"
)

// Metrics provides observability for the session broker.
type Metrics struct {
	SessionsStarted    prometheus.Counter
	AuthorityFailures  *prometheus.CounterVec
	ResultsAccepted    prometheus.Counter
	ResultsRejected    *prometheus.CounterVec
	ProjectionsOmitted prometheus.Counter
	TokenRejections    *prometheus.CounterVec
	Lockouts           *prometheus.CounterVec

	// Authority round trip latency by operation
	AuthorityLatency *prometheus.HistogramVec
}

// New registers every collector on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "livecom_sessions_started_total",
			Help: "Sessions persisted and handed to the authority",
		}),
		AuthorityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecom_authority_failures_total",
			Help: "Failed authority calls by operation",
		}, []string{"op"}),
		ResultsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "livecom_results_accepted_total",
			Help: "Auth results stored",
		}),
		ResultsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecom_results_rejected_total",
			Help: "Auth results refused by reason",
		}, []string{"reason"}),
		ProjectionsOmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "livecom_projections_omitted_total",
			Help: "Stored results that could not be projected and were reported as null",
		}),
		TokenRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecom_token_rejections_total",
			Help: "Rejected bearer tokens by scope and kind",
		}, []string{"scope", "kind"}),
		Lockouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecom_lockouts_total",
			Help: "Client lockouts placed by scope",
		}, []string{"scope"}),
		AuthorityLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecom_authority_duration_seconds",
			Help:    "Duration of authority HTTP calls by operation",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
	}
}

func (m *Metrics) IncStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

func (m *Metrics) IncAuthorityFailure(op string) {
	if m != nil {
		m.AuthorityFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncAccepted() {
	if m != nil {
		m.ResultsAccepted.Inc()
	}
}

func (m *Metrics) IncRejected(reason string) {
	if m != nil {
		m.ResultsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncOmitted() {
	if m != nil {
		m.ProjectionsOmitted.Inc()
	}
}

func (m *Metrics) IncTokenRejection(scope, kind string) {
	if m != nil {
		m.TokenRejections.WithLabelValues(scope, kind).Inc()
	}
}

func (m *Metrics) IncLockout(scope string) {
	if m != nil {
		m.Lockouts.WithLabelValues(scope).Inc()
	}
}

// ObserveAuthority records the duration of an authority call.
func (m *Metrics) ObserveAuthority(op string, d time.Duration) {
	if m != nil {
		m.AuthorityLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}
