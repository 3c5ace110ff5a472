// Package irq implements the platform's interrupt abstraction: a set of
// named, refcounted wire-OR GSI lines plus the PCI INTx PIRQ/GSI router.
package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/metrics"
)

var log = corelog.For("irq")

// Sink is the narrow capability a device holds to manipulate one interrupt
// line. It never exposes the line's identity or the router's internals.
type Sink interface {
	// Raise asserts the line (increments the wire-OR refcount).
	Raise()
	// Lower deasserts the line (decrements the wire-OR refcount).
	Lower()
	// Pulse is shorthand for an edge-triggered source: Raise immediately
	// followed by Lower, edge-triggered-source invariant.
	Pulse()
}

// Line is a single named GSI line with a refcounted wire-OR level. Asserted
// holds iff refcount > 0.
type Line struct {
	name     string
	refcount int32
}

// boundSink binds a *Line to the Router that owns it, so Raise/Lower can
// update router-wide asserted state and metrics without the Line itself
// knowing about the router.
type boundSink struct {
	router *Router
	line   *Line
}

var _ Sink = (*boundSink)(nil)

func (s *boundSink) Raise() {
	metrics.IRQAsserts.WithLabelValues(s.line.name).Inc()
	n := atomic.AddInt32(&s.line.refcount, 1)
	if n == 1 {
		s.router.setLevel(s.line, true)
	}
}

func (s *boundSink) Lower() {
	for {
		cur := atomic.LoadInt32(&s.line.refcount)
		if cur <= 0 {
			// Underflow is a hard bug: assert in debug, saturate-at-zero
			// in release. We count it and saturate.
			metrics.IRQUnderflow.WithLabelValues(s.line.name).Inc()
			log.WithField("line", s.line.name).Warn("lower_irq called with zero refcount")
			return
		}
		if atomic.CompareAndSwapInt32(&s.line.refcount, cur, cur-1) {
			if cur-1 == 0 {
				s.router.setLevel(s.line, false)
			}
			return
		}
	}
}

func (s *boundSink) Pulse() {
	s.Raise()
	s.Lower()
}

// Controller is the minimal capability a Router needs from the interrupt
// controller it drives (PIC/APIC emulation is an external collaborator;
// the router only needs to toggle a GSI's level).
type Controller interface {
	SetGSILevel(gsi int, asserted bool)
}

// nullController discards level changes; used when a Router is constructed
// without a backing interrupt controller (e.g. in unit tests of a device in
// isolation).
type nullController struct{}

func (nullController) SetGSILevel(int, bool) {}

// Router owns every named Line in the machine and the PCI INTx PIRQ/GSI
// swizzle. It is a leaf service: devices hold Sink handles into it, never
// back-references.
type Router struct {
	mu         sync.Mutex
	controller Controller
	lines      map[string]*Line
	gsiOf      map[string]int
}

// NewRouter constructs a Router against the given interrupt controller. A
// nil controller is accepted for isolated device testing; level changes are
// then simply discarded.
func NewRouter(controller Controller) *Router {
	if controller == nil {
		controller = nullController{}
	}
	return &Router{
		controller: controller,
		lines:      make(map[string]*Line),
		gsiOf:      make(map[string]int),
	}
}

// Line returns (creating if necessary) the named line bound to the given
// GSI number, and a Sink a device can use to assert/deassert it.
func (r *Router) Line(name string, gsi int) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lines[name]
	if !ok {
		l = &Line{name: name}
		r.lines[name] = l
		r.gsiOf[name] = gsi
	}
	return &boundSink{router: r, line: l}
}

func (r *Router) setLevel(l *Line, asserted bool) {
	r.mu.Lock()
	gsi, ok := r.gsiOf[l.name]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.controller.SetGSILevel(gsi, asserted)
}

// Asserted reports whether the named line currently has refcount > 0.
// Exposed for tests and DebugDump; not part of the guest-visible contract.
func (r *Router) Asserted(name string) bool {
	r.mu.Lock()
	l, ok := r.lines[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return atomic.LoadInt32(&l.refcount) > 0
}

// Refcount returns the named line's current wire-OR refcount.
func (r *Router) Refcount(name string) int32 {
	r.mu.Lock()
	l, ok := r.lines[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt32(&l.refcount)
}

// --- PCI INTx PIRQ/GSI swizzle ---

// Pin identifies a PCI interrupt pin.
type Pin int

const (
	INTA Pin = iota
	INTB
	INTC
	INTD
)

// IntxRouterConfig maps PIRQ[A..D] (post-swizzle) to GSI numbers. The
// canonical default is PIRQ[A..D] -> GSI[10,11,12,13].
type IntxRouterConfig struct {
	PirqToGSI [4]int
}

// DefaultIntxRouterConfig returns the canonical PIRQ-to-GSI wiring used by
// the root PCI bus.
func DefaultIntxRouterConfig() IntxRouterConfig {
	return IntxRouterConfig{PirqToGSI: [4]int{10, 11, 12, 13}}
}

// IntxRouter computes PIRQ = (pin_index + device_number) mod 4 and maps the
// result to a GSI via its configured table. It is stateless aside from its
// configuration; the actual line state lives in the Router.
type IntxRouter struct {
	cfg IntxRouterConfig
}

// NewIntxRouter constructs an IntxRouter with the given configuration.
func NewIntxRouter(cfg IntxRouterConfig) *IntxRouter {
	return &IntxRouter{cfg: cfg}
}

// GSIFor returns the GSI number INTx pin `pin` on PCI device number
// `deviceNumber` routes to, per the root-bus swizzle.
func (ir *IntxRouter) GSIFor(pin Pin, deviceNumber int) int {
	pirq := (int(pin) + deviceNumber) % 4
	return ir.cfg.PirqToGSI[pirq]
}

// LineName returns the canonical wire-OR line name for a GSI number, shared
// by every device whose INTx (or legacy direct-GSI, e.g. IDE) maps to it.
func LineName(gsi int) string {
	switch gsi {
	case 1:
		return "gsi1" // i8042 keyboard, edge
	case 12:
		return "gsi12" // ICH9 AHCI default and i8042 mouse, edge
	case 14:
		return "gsi14" // legacy IDE primary
	case 15:
		return "gsi15" // legacy IDE secondary
	default:
		return fmt.Sprintf("gsi%d", gsi)
	}
}
