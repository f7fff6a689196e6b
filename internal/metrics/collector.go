// Package metrics exposes Prometheus instrumentation for the P0P session
// protocol and the HTTP forwarding proxy.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace       = "p0pnet"
	p0pSubsystem    = "p0p"
	proxySubsystem  = "proxy"
	labelCmd        = "command"
	labelFromState  = "from_state"
	labelToState    = "to_state"
	labelSeqOutcome = "outcome"
)

// Collector holds every Prometheus metric p0pnet exposes. Each binary
// builds its own Collector: p0p-server attaches it to the Manager,
// p0p-client to the ClientDriver, and httpproxy to the Forwarder.
type Collector struct {
	// P0PSessions tracks the number of currently active P0P sessions
	// (the server's sessions, or the client's own session).
	P0PSessions prometheus.Gauge

	// P0PPacketsSent counts datagrams transmitted by the server or client,
	// labeled by command (HELLO/DATA/ALIVE/GOODBYE).
	P0PPacketsSent *prometheus.CounterVec

	// P0PPacketsReceived counts valid datagrams received by Manager.Demux
	// or the client driver, labeled by command.
	P0PPacketsReceived *prometheus.CounterVec

	// P0PStateTransitions counts per-session FSM transitions, labeled by
	// from/to state.
	P0PStateTransitions *prometheus.CounterVec

	// P0PSequenceOutcomes counts the server's sequence-policy verdicts
	// (in_order/duplicate/violation/gap) for DATA messages.
	P0PSequenceOutcomes *prometheus.CounterVec

	// ProxyActiveConnections tracks TCP connections currently being
	// forwarded (non-tunnel or CONNECT tunnel).
	ProxyActiveConnections prometheus.Gauge

	// ProxyBytesSpliced counts bytes copied in either direction of a
	// forwarded or tunneled connection.
	ProxyBytesSpliced *prometheus.CounterVec

	// ProxyRequestsTotal counts handled client connections, labeled by
	// whether they were tunneled (CONNECT) or plain-forwarded.
	ProxyRequestsTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.P0PSessions,
		c.P0PPacketsSent,
		c.P0PPacketsReceived,
		c.P0PStateTransitions,
		c.P0PSequenceOutcomes,
		c.ProxyActiveConnections,
		c.ProxyBytesSpliced,
		c.ProxyRequestsTotal,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		P0PSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: p0pSubsystem,
			Name:      "sessions",
			Help:      "Number of currently active P0P sessions.",
		}),

		P0PPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: p0pSubsystem,
			Name:      "packets_sent_total",
			Help:      "Total P0P datagrams transmitted, by command.",
		}, []string{labelCmd}),

		P0PPacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: p0pSubsystem,
			Name:      "packets_received_total",
			Help:      "Total valid P0P datagrams received, by command.",
		}, []string{labelCmd}),

		P0PStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: p0pSubsystem,
			Name:      "state_transitions_total",
			Help:      "Total P0P session FSM state transitions.",
		}, []string{labelFromState, labelToState}),

		P0PSequenceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: p0pSubsystem,
			Name:      "sequence_outcomes_total",
			Help:      "Total DATA messages classified by sequence policy outcome.",
		}, []string{labelSeqOutcome}),

		ProxyActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: proxySubsystem,
			Name:      "active_connections",
			Help:      "Number of client connections currently being forwarded.",
		}),

		ProxyBytesSpliced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: proxySubsystem,
			Name:      "bytes_spliced_total",
			Help:      "Total bytes copied between client and origin, by direction.",
		}, []string{"direction"}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: proxySubsystem,
			Name:      "requests_total",
			Help:      "Total handled client connections, by mode (forward/tunnel).",
		}, []string{"mode"}),
	}
}

// RegisterSession increments the active P0P session gauge.
func (c *Collector) RegisterSession() { c.P0PSessions.Inc() }

// UnregisterSession decrements the active P0P session gauge.
func (c *Collector) UnregisterSession() { c.P0PSessions.Dec() }

// IncPacketsSent increments the sent-packet counter for cmd.
func (c *Collector) IncPacketsSent(cmd string) { c.P0PPacketsSent.WithLabelValues(cmd).Inc() }

// IncPacketsReceived increments the received-packet counter for cmd.
func (c *Collector) IncPacketsReceived(cmd string) {
	c.P0PPacketsReceived.WithLabelValues(cmd).Inc()
}

// RecordStateTransition increments the transition counter for (from, to).
func (c *Collector) RecordStateTransition(from, to string) {
	c.P0PStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSequenceOutcome increments the sequence-policy outcome counter.
func (c *Collector) RecordSequenceOutcome(outcome string) {
	c.P0PSequenceOutcomes.WithLabelValues(outcome).Inc()
}

// ConnectionOpened increments the active-connections gauge and the
// requests-total counter for mode ("forward" or "tunnel").
func (c *Collector) ConnectionOpened(mode string) {
	c.ProxyActiveConnections.Inc()
	c.ProxyRequestsTotal.WithLabelValues(mode).Inc()
}

// ConnectionClosed decrements the active-connections gauge.
func (c *Collector) ConnectionClosed() { c.ProxyActiveConnections.Dec() }

// AddBytesSpliced adds n to the bytes-spliced counter for direction
// ("up" or "down").
func (c *Collector) AddBytesSpliced(direction string, n float64) {
	c.ProxyBytesSpliced.WithLabelValues(direction).Add(n)
}
