package session

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	submitsTotal   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_emulator_active_sessions",
			Help: "The number of open USB/IP client connections.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_emulator_sessions_total",
			Help: "The number of finished USB/IP client connections by outcome.",
		}, []string{"outcome"}),
		submitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_emulator_submits_total",
			Help: "The number of served CMD_SUBMIT requests by reply kind.",
		}, []string{"reply"}),
	}
	if reg != nil {
		reg.MustRegister(m.activeSessions, m.sessionsTotal, m.submitsTotal)
	}
	return m
}

func (m *metrics) submit(kind string) {
	if m == nil {
		return
	}
	m.submitsTotal.WithLabelValues(kind).Inc()
}
