package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	TokensTotal   *prometheus.CounterVec
	BilledUSD     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completion requests by logical model and outcome.",
		}, []string{"model", "outcome"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens consumed by logical model and kind.",
		}, []string{"model", "kind"}),
		BilledUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_billed_usd_total",
			Help: "Settled charges in USD by logical model.",
		}, []string{"model"}),
	}
}
