// Package metrics exports control protocol negotiation activities as Prometheus metrics
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/hujun-open/zouncp/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NCPMetrics holds Prometheus metrics of control protocol FSMs
type NCPMetrics struct {
	transitions *prometheus.CounterVec
	packets     *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	opened      *prometheus.GaugeVec

	registered bool
	mu         sync.Mutex
}

// New creates a new NCPMetrics instance
func New() *NCPMetrics {
	return &NCPMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zouncp_fsm_transitions_total",
				Help: "Total FSM state transitions",
			},
			[]string{"link", "protocol", "from", "to"},
		),
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zouncp_packets_total",
				Help: "Total control packets sent and received",
			},
			[]string{"link", "protocol", "direction", "code"},
		),
		discarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zouncp_discarded_packets_total",
				Help: "Total control packets discarded",
			},
			[]string{"link", "protocol", "reason"},
		),
		opened: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zouncp_ncp_opened",
				Help: "1 if the control protocol is in Opened state",
			},
			[]string{"link", "protocol"},
		),
	}
}

// Register registers all metrics with reg, prometheus.DefaultRegisterer is used if reg is nil
func (m *NCPMetrics) Register(reg prometheus.Registerer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.transitions, m.packets, m.discarded, m.opened} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Observer returns a fsm.Observer updates m, linkID is used as the link label
func (m *NCPMetrics) Observer(linkID string) fsm.Observer {
	return &observer{m: m, link: linkID}
}

// Handler returns a http.Handler serves metrics gathered from g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type observer struct {
	m    *NCPMetrics
	link string
}

func (o *observer) Transition(f *fsm.FSM, from, to fsm.State) {
	proto := f.Proto().String()
	o.m.transitions.WithLabelValues(o.link, proto, from.String(), to.String()).Inc()
	switch {
	case to == fsm.StateOpened:
		o.m.opened.WithLabelValues(o.link, proto).Set(1)
	case from == fsm.StateOpened:
		o.m.opened.WithLabelValues(o.link, proto).Set(0)
	}
}

func (o *observer) Sent(f *fsm.FSM, code fsm.MsgCode) {
	o.m.packets.WithLabelValues(o.link, f.Proto().String(), "tx", code.String()).Inc()
}

func (o *observer) Received(f *fsm.FSM, code fsm.MsgCode) {
	o.m.packets.WithLabelValues(o.link, f.Proto().String(), "rx", code.String()).Inc()
}

func (o *observer) Discarded(f *fsm.FSM, code fsm.MsgCode, reason string) {
	o.m.discarded.WithLabelValues(o.link, f.Proto().String(), reason).Inc()
}
