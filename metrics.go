package circuit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "circuit",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Inbound protocol messages by type and result.",
		},
		[]string{"node", "type", "result"},
	)
	proposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "circuit",
			Subsystem: "protocol",
			Name:      "proposals_total",
			Help:      "Proposals reaching a final state.",
		},
		[]string{"node", "state"},
	)
	payloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "circuit",
			Subsystem: "router",
			Name:      "payloads_total",
			Help:      "Routed payloads by result.",
		},
		[]string{"node", "result"},
	)
	circuitsActive = newActiveCollector()
)

// RegisterMetrics registers the package collectors with the default
// prometheus registerer. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesTotal, proposalsTotal, payloadsTotal, circuitsActive)
	})
}

func recordMessage(node NodeID, t MessageType, err error) {
	RegisterMetrics()
	messagesTotal.WithLabelValues(string(node), t.String(), errorLabel(err)).Inc()
}

func recordProposal(node NodeID, s State) {
	RegisterMetrics()
	proposalsTotal.WithLabelValues(string(node), s.String()).Inc()
}

func recordPayload(node NodeID, err error) {
	RegisterMetrics()
	payloadsTotal.WithLabelValues(string(node), errorLabel(err)).Inc()
}

func trackRegistry(node NodeID, reg *Registry) {
	RegisterMetrics()
	circuitsActive.track(node, reg)
}

// activeCollector reports the active circuits of each tracked
// registry at collection time, so circuits past their expiry stop
// counting without any registry change.
type activeCollector struct {
	desc *prometheus.Desc

	mu   sync.Mutex
	regs map[NodeID]*Registry
}

func newActiveCollector() *activeCollector {
	return &activeCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName("circuit", "registry", "active"),
			"Active circuits in the registry.",
			[]string{"node"}, nil,
		),
		regs: make(map[NodeID]*Registry),
	}
}

func (c *activeCollector) track(node NodeID, reg *Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[node] = reg
}

func (c *activeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *activeCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, reg := range c.regs {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(reg.Active()), string(node))
	}
}
