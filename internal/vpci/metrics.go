package vpci

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespaceVPCI = "vpci"

// Metrics are the counters and gauges kept by a Manager.
type Metrics struct {
	registry *prometheus.Registry

	handlers           *prometheus.GaugeVec
	ecamAccesses       *prometheus.CounterVec
	ecamMisses         *prometheus.CounterVec
	msixAccesses       *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	routerErrors       *prometheus.CounterVec
	abortedTransitions prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// gets a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		handlers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceVPCI,
			Name:      "mmio_handlers",
			Help:      "MMIO traps registered per domain.",
		},
			[]string{"domain"},
		),
		ecamAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVPCI,
			Name:      "ecam_accesses_total",
			Help:      "Trapped configuration space accesses that reached a function.",
		},
			[]string{"op", "path", "result"},
		),
		ecamMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVPCI,
			Name:      "ecam_misses_total",
			Help:      "Guest configuration space accesses to empty slots.",
		},
			[]string{"op"},
		),
		msixAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVPCI,
			Name:      "msix_accesses_total",
			Help:      "Trapped MSI-X table and PBA accesses.",
		},
			[]string{"op", "kind"},
		),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVPCI,
			Name:      "msix_transitions_total",
			Help:      "Committed MSI-X control state changes by resulting state.",
		},
			[]string{"state"},
		),
		routerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVPCI,
			Name:      "router_errors_total",
			Help:      "Interrupt router failures other than unconfigured entries.",
		},
			[]string{"op"},
		),
		abortedTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceVPCI,
			Name:      "msix_aborted_transitions_total",
			Help:      "MSI-X control writes dropped because an entry could not be disabled.",
		}),
	}

	reg.MustRegister(
		m.handlers,
		m.ecamAccesses,
		m.ecamMisses,
		m.msixAccesses,
		m.transitions,
		m.routerErrors,
		m.abortedTransitions,
	)
	return m
}

// Gatherer returns the registry the metrics were registered with.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
