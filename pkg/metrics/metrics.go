// Package metrics registers the core's ambient prometheus collectors. These
// are diagnostic only: nothing in the guest-visible contract depends on
// them, and the embedder is free to never scrape the registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "aerovm_core"

var (
	// IRQUnderflow counts lower_irq calls observed while a line's refcount
	// was already zero. This is a hard bug: asserted in debug builds,
	// saturated at zero here, but still worth counting.
	IRQUnderflow = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "irq_underflow_total",
		Help:      "lower_irq calls observed with a zero refcount, by line name.",
	}, []string{"line"})

	// IRQAsserts counts raise_irq calls, by line name.
	IRQAsserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "irq_asserts_total",
		Help:      "raise_irq calls observed, by line name.",
	}, []string{"line"})

	// VirtqueueNotifications counts doorbell/notify writes processed per
	// device and queue.
	VirtqueueNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "virtqueue_notifications_total",
		Help:      "virtqueue notifications processed, by device and queue index.",
	}, []string{"device", "queue"})

	// Ticks counts scheduler ticks executed, by tick source name.
	Ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "scheduler ticks executed, by source.",
	}, []string{"source"})

	// ControllerCommands counts commands executed by storage/USB
	// controllers, by controller and outcome.
	ControllerCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "controller_commands_total",
		Help:      "commands executed by a controller, by controller name and outcome.",
	}, []string{"controller", "outcome"})
)

// MustRegister registers all of the core's collectors against reg. Embedders
// that do not want metrics may simply never call this.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(IRQUnderflow, IRQAsserts, VirtqueueNotifications, Ticks, ControllerCommands)
}
