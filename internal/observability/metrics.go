// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/accounts/internal/auth"
)

// outcomeOK labels operations that returned no error.
const outcomeOK = "ok"

// Metrics contains the accounts service Prometheus metrics. It implements
// auth.Recorder.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	RefreshReuseTotal prometheus.Counter
	MailFailuresTotal *prometheus.CounterVec
	PurgedRowsTotal   *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

var _ auth.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers the accounts metrics. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_auth_operations_total",
				Help: "Total number of credential operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RefreshReuseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accounts_refresh_reuse_total",
			Help: "Total number of revoked refresh tokens presented again",
		}),
		MailFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_mail_failures_total",
				Help: "Total number of failed mail deliveries by template",
			},
			[]string{"template"},
		),
		PurgedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_purged_rows_total",
				Help: "Total number of expired credential rows removed by collection",
			},
			[]string{"collection"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accounts_http_request_duration_seconds",
				Help:    "HTTP API request latency by method, route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.OperationsTotal, m.RefreshReuseTotal, m.MailFailuresTotal, m.PurgedRowsTotal, m.RequestDuration)
	}
	return m
}

// ObserveOperation counts one orchestrator operation.
func (m *Metrics) ObserveOperation(operation string, kind auth.Kind) {
	outcome := string(kind)
	if kind == auth.KindNone {
		outcome = outcomeOK
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveRefreshReuse counts one detected refresh token reuse.
func (m *Metrics) ObserveRefreshReuse() {
	m.RefreshReuseTotal.Inc()
}

// ObserveMailFailure counts one failed delivery.
func (m *Metrics) ObserveMailFailure(templateID string) {
	m.MailFailuresTotal.WithLabelValues(templateID).Inc()
}

// ObservePurge adds the rows removed by one purge run.
func (m *Metrics) ObservePurge(report auth.PurgeReport) {
	for collection, n := range report {
		m.PurgedRowsTotal.WithLabelValues(collection).Add(float64(n))
	}
}

// ObserveRequest records one HTTP API request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
