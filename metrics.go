package gep

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters and gauges an endpoint updates as it
// runs. The zero value is safe to use: every method is a no-op until
// the corresponding field is set, so an endpoint built without
// WithMetrics pays no Prometheus cost.
type Metrics struct {
	ChannelsOpen   prometheus.Gauge
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	FramesDropped  prometheus.Counter
	SendErrors     prometheus.Counter
	ReconnectCount prometheus.Counter
}

func (m *Metrics) channelOpened() {
	if m != nil && m.ChannelsOpen != nil {
		m.ChannelsOpen.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil && m.ChannelsOpen != nil {
		m.ChannelsOpen.Dec()
	}
}

func (m *Metrics) frameSent() {
	if m != nil && m.FramesSent != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) frameReceived() {
	if m != nil && m.FramesReceived != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil && m.FramesDropped != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Metrics) sendError() {
	if m != nil && m.SendErrors != nil {
		m.SendErrors.Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil && m.ReconnectCount != nil {
		m.ReconnectCount.Inc()
	}
}

// NewMetrics builds a Metrics with every field registered under the
// given namespace ("gep" if empty) on reg. Passing
// prometheus.DefaultRegisterer matches typical /metrics exposition.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "gep"
	}
	m := &Metrics{
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Number of currently open channels for this endpoint.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames successfully written to the wire.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames successfully parsed out of the receive buffer.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded because no handler was registered for their tag.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Send attempts that failed (timeout, peer closed, or short write).",
		}),
		ReconnectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Client reconnect attempts that succeeded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ChannelsOpen, m.FramesSent, m.FramesReceived, m.FramesDropped, m.SendErrors, m.ReconnectCount)
	}
	return m
}
