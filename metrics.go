package sipplay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes call and media counters. Nil *Metrics is valid and does nothing
type Metrics struct {
	callsTotal   prometheus.Counter
	callsActive  prometheus.Gauge
	terminations *prometheus.CounterVec
	rtpSent      prometheus.Counter
	rtpReceived  prometheus.Counter
	rtcpReceived prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipplay",
			Name:      "calls_total",
			Help:      "Number of accepted call setup requests",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipplay",
			Name:      "calls_active",
			Help:      "Number of calls not yet terminated",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipplay",
			Name:      "call_terminations_total",
			Help:      "Call terminations by reason",
		}, []string{"reason"}),
		rtpSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipplay",
			Name:      "rtp_packets_sent_total",
			Help:      "RTP packets sent",
		}),
		rtpReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipplay",
			Name:      "rtp_packets_received_total",
			Help:      "RTP datagrams received",
		}),
		rtcpReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipplay",
			Name:      "rtcp_packets_received_total",
			Help:      "RTCP packets received",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.callsTotal, m.callsActive, m.terminations, m.rtpSent, m.rtpReceived, m.rtcpReceived)
	}
	return m
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.callsTotal.Inc()
	m.callsActive.Inc()
}

func (m *Metrics) callTerminated(reason TerminationReason) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.terminations.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) rtpPacketSent() {
	if m == nil {
		return
	}
	m.rtpSent.Inc()
}

func (m *Metrics) rtpPacketReceived() {
	if m == nil {
		return
	}
	m.rtpReceived.Inc()
}

func (m *Metrics) rtcpPacketsReceived(n int) {
	if m == nil {
		return
	}
	m.rtcpReceived.Add(float64(n))
}
