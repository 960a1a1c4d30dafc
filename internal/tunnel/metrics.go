package tunnel

import "github.com/prometheus/client_golang/prometheus"

type tunnelMetrics struct {
	sessionsActive  prometheus.Gauge
	bytesUpstream   prometheus.Counter
	bytesDownstream prometheus.Counter
	parseErrors     prometheus.Counter
	authFailures    prometheus.Counter
	dialErrors      prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
}

func newTunnelMetrics(reg prometheus.Registerer) *tunnelMetrics {
	m := &tunnelMetrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metertun_sessions_active",
			Help: "Number of tunnel sessions currently open",
		}),
		bytesUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metertun_bytes_upstream_total",
			Help: "Total bytes relayed from clients to targets",
		}),
		bytesDownstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metertun_bytes_downstream_total",
			Help: "Total bytes relayed from targets to clients",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metertun_header_parse_errors_total",
			Help: "Number of connections dropped for malformed request headers",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metertun_auth_failures_total",
			Help: "Number of sessions rejected by account or quota checks",
		}),
		dialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metertun_dial_errors_total",
			Help: "Number of upstream dial failures",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metertun_sessions_closed_total",
			Help: "Sessions closed, labelled by termination reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.bytesUpstream,
		m.bytesDownstream,
		m.parseErrors,
		m.authFailures,
		m.dialErrors,
		m.sessionsClosed,
	)

	return m
}
