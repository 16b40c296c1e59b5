package rsp

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counters are the atomics a Connection updates on its hot paths; metrics
// wraps them in a custom prometheus.Collector so Describe/Collect never
// touch the network goroutine directly (reads the atomics instead).
type counters struct {
	datagramsSent     uint64
	datagramsRepeated uint64
	acksSent          uint64
	nacksSent         uint64
	eventLoopTimeouts uint64
}

// metricsCollector mirrors the original's EQ_INSTRUMENT_RSP debug counters
// (datagrams sent/repeated, acks, nacks, timeouts, current send rate) as a
// custom prometheus.Collector, following the info-struct pattern in
// runZeroInc-sockstats/pkg/exporter/exporter.go: each metric pairs a
// *prometheus.Desc with a supplier closure, rather than registering
// pre-built gauge/counter objects that would need external synchronization.
type metricsCollector struct {
	peerID string // xid-derived correlation label, not the wire peer ID
	c      *counters
	rate   func() float64

	datagramsSentDesc     *prometheus.Desc
	datagramsRepeatedDesc *prometheus.Desc
	acksSentDesc          *prometheus.Desc
	nacksSentDesc         *prometheus.Desc
	timeoutsDesc          *prometheus.Desc
	sendRateDesc          *prometheus.Desc
}

func newMetricsCollector(correlationID string, c *counters, rate func() float64) *metricsCollector {
	constLabels := prometheus.Labels{"peer": correlationID}
	return &metricsCollector{
		peerID: correlationID,
		c:      c,
		rate:   rate,
		datagramsSentDesc: prometheus.NewDesc(
			"rsp_datagrams_sent_total", "Total DATA datagrams sent, including retransmits.", nil, constLabels),
		datagramsRepeatedDesc: prometheus.NewDesc(
			"rsp_datagrams_repeated_total", "Total DATA datagrams sent as a NACK-driven retransmit.", nil, constLabels),
		acksSentDesc: prometheus.NewDesc(
			"rsp_acks_sent_total", "Total ACK datagrams sent.", nil, constLabels),
		nacksSentDesc: prometheus.NewDesc(
			"rsp_nacks_sent_total", "Total NACK datagrams sent.", nil, constLabels),
		timeoutsDesc: prometheus.NewDesc(
			"rsp_event_loop_timeouts_total", "Total event-loop poll timeouts observed.", nil, constLabels),
		sendRateDesc: prometheus.NewDesc(
			"rsp_send_rate_bytes_per_second", "Current rate-controller send rate ceiling.", nil, constLabels),
	}
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.datagramsSentDesc
	ch <- m.datagramsRepeatedDesc
	ch <- m.acksSentDesc
	ch <- m.nacksSentDesc
	ch <- m.timeoutsDesc
	ch <- m.sendRateDesc
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.datagramsSentDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.c.datagramsSent)))
	ch <- prometheus.MustNewConstMetric(m.datagramsRepeatedDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.c.datagramsRepeated)))
	ch <- prometheus.MustNewConstMetric(m.acksSentDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.c.acksSent)))
	ch <- prometheus.MustNewConstMetric(m.nacksSentDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.c.nacksSent)))
	ch <- prometheus.MustNewConstMetric(m.timeoutsDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.c.eventLoopTimeouts)))
	ch <- prometheus.MustNewConstMetric(m.sendRateDesc, prometheus.GaugeValue, m.rate())
}
