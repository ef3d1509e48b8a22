package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SignatureMismatches prometheus.Counter
	AuthFailures        *prometheus.CounterVec
	TokensIssued        *prometheus.CounterVec
	BansRemoved         prometheus.Counter
}

// NewMetrics registers the token service collectors on reg. A nil reg
// leaves the collectors unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignatureMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "token_service",
			Name:      "signature_mismatch_total",
			Help:      "Tokens presented with a signature that does not verify against the public key.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "token_service",
			Name:      "auth_failures_total",
			Help:      "Token validation failures by reason code.",
		}, []string{"reason"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "token_service",
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by issuance kind.",
		}, []string{"kind"}),
		BansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "token_service",
			Name:      "expired_bans_removed_total",
			Help:      "Ban entries cleared by the expiration sweeper.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.SignatureMismatches, m.AuthFailures, m.TokensIssued, m.BansRemoved)
	}

	return m
}
