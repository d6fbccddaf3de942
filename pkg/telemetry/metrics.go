// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeStale   = "stale"
	OutcomeIgnored = "ignored"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	AuthorizationsTotal *prometheus.CounterVec
	ExchangesTotal      *prometheus.CounterVec
	LinkOutcomesTotal   *prometheus.CounterVec
	DiscoveryTotal      *prometheus.CounterVec
	JWKSRefreshTotal    *prometheus.CounterVec
	BackchannelTotal    *prometheus.CounterVec
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registerer.
func NewMetricsWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		AuthorizationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpbroker_authorizations_total",
				Help: "Total number of upstream authorization requests built",
			},
			[]string{"provider", "outcome"},
		),
		ExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpbroker_exchanges_total",
				Help: "Total number of upstream callbacks processed, by error kind",
			},
			[]string{"provider", "outcome", "error_type"},
		),
		LinkOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpbroker_link_outcomes_total",
				Help: "Total number of link resolutions by outcome",
			},
			[]string{"provider", "outcome"},
		),
		DiscoveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpbroker_discovery_requests_total",
				Help: "Total number of discovery resolutions by cache result",
			},
			[]string{"result"},
		),
		JWKSRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpbroker_jwks_refresh_total",
				Help: "Total number of forced JWKS refreshes",
			},
			[]string{"outcome"},
		),
		BackchannelTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpbroker_backchannel_logouts_total",
				Help: "Total number of backchannel logout tokens received",
			},
			[]string{"provider", "outcome"},
		),
	}
}

// ObserveAuthorization records an authorization request.
func (m *Metrics) ObserveAuthorization(provider, outcome string) {
	if m == nil {
		return
	}
	m.AuthorizationsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveExchange records a processed callback. errorType is empty on success.
func (m *Metrics) ObserveExchange(provider, errorType string) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if errorType != "" {
		outcome = OutcomeFailure
	}
	m.ExchangesTotal.WithLabelValues(provider, outcome, errorType).Inc()
}

// ObserveLink records a link resolution outcome.
func (m *Metrics) ObserveLink(provider, outcome string) {
	if m == nil {
		return
	}
	m.LinkOutcomesTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveDiscovery records a discovery cache result.
func (m *Metrics) ObserveDiscovery(result string) {
	if m == nil {
		return
	}
	m.DiscoveryTotal.WithLabelValues(result).Inc()
}

// ObserveJWKSRefresh records a forced key set refresh.
func (m *Metrics) ObserveJWKSRefresh(outcome string) {
	if m == nil {
		return
	}
	m.JWKSRefreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackchannel records a backchannel logout outcome.
func (m *Metrics) ObserveBackchannel(provider, outcome string) {
	if m == nil {
		return
	}
	m.BackchannelTotal.WithLabelValues(provider, outcome).Inc()
}
