package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LinkTransactions counts register transactions by result:
	// ok, timeout, write_error, busy, exception, not_connected.
	LinkTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washkiosk_link_transactions_total",
			Help: "Register transactions on the serial link, by result.",
		},
		[]string{"result"},
	)

	// LinkLatency records write-to-matching-reply latency.
	LinkLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "washkiosk_link_transaction_seconds",
			Help:    "Latency of completed register transactions.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2},
		},
	)

	// FrameErrors counts dropped lines by decode error kind.
	FrameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washkiosk_frame_errors_total",
			Help: "Received lines dropped because they failed to decode.",
		},
		[]string{"kind"},
	)

	// ReaderOverflows counts ring buffer overflows in the background reader.
	ReaderOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "washkiosk_reader_overflows_total",
			Help: "Receive buffer overflows (buffer cleared, reader cooled down).",
		},
	)

	// SoftTimeouts counts soft timeout alerts; they never change state.
	SoftTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washkiosk_soft_timeout_alerts_total",
			Help: "Phases that exceeded their soft timeout.",
		},
		[]string{"mode", "phase"},
	)

	// StatusPolls counts status poll cycles by result: ok, skipped, error.
	StatusPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washkiosk_status_polls_total",
			Help: "Status display poll cycles, by result.",
		},
		[]string{"result"},
	)

	// FlowOutcomes counts terminal flow states by reason.
	FlowOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washkiosk_flow_outcomes_total",
			Help: "Orders that reached a terminal state.",
		},
		[]string{"state", "reason"},
	)

	// ControllerOnline is 1 while the latest status snapshot is fresh and online.
	ControllerOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "washkiosk_controller_online",
			Help: "Controller reachability from the last status poll (1=online).",
		},
	)
)

func init() {
	prometheus.MustRegister(LinkTransactions)
	prometheus.MustRegister(LinkLatency)
	prometheus.MustRegister(FrameErrors)
	prometheus.MustRegister(ReaderOverflows)
	prometheus.MustRegister(SoftTimeouts)
	prometheus.MustRegister(StatusPolls)
	prometheus.MustRegister(FlowOutcomes)
	prometheus.MustRegister(ControllerOnline)
}
