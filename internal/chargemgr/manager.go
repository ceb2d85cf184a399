// Package chargemgr collects charge availability from every supplier and
// port, picks the input to charge from and publishes the resulting power
// budget.
package chargemgr

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/power"
)

// PortRequester is the arbiter surface the manager drives.
type PortRequester interface {
	RequestPort(p power.Port) error
	Active() power.Port
}

// Selection is the input currently charging the system.
type Selection struct {
	Port     power.Port
	Supplier power.Supplier
	Rating   power.Rating
}

// Listener is told when the selection changes.
type Listener interface {
	SelectionChanged(sel Selection)
}

type entry struct {
	reported bool
	rating   power.Rating
}

// Manager is safe for concurrent use.
type Manager struct {
	ports   int
	arbiter PortRequester
	log     *zap.Logger

	mu       sync.Mutex
	table    [][power.SupplierCount]entry
	seeded   bool
	selected Selection
	listener Listener

	budget   atomic.Uint32
	supplier atomic.Int32
}

// New creates a manager for ports charge ports.
func New(ports int, arbiter PortRequester, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		ports:    ports,
		arbiter:  arbiter,
		log:      log,
		table:    make([][power.SupplierCount]entry, ports),
		selected: Selection{Port: power.PortNone, Supplier: power.SupplierNone},
	}
	m.supplier.Store(int32(power.SupplierNone))
	return m
}

// SetListener registers l for selection changes.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// ReportCharge records what supplier s can deliver on port p. A nil rating
// registers the pair with nothing available.
func (m *Manager) ReportCharge(s power.Supplier, p power.Port, r *power.Rating) {
	if s < 0 || int(s) >= power.SupplierCount || p < 0 || int(p) >= m.ports {
		m.log.Warn("charge report for unknown source", zap.Stringer("supplier", s), zap.Stringer("port", p))
		return
	}

	m.mu.Lock()
	e := &m.table[p][s]
	e.reported = true
	e.rating = power.Rating{}
	if r != nil {
		e.rating = *r
	}
	m.log.Debug("charge reported",
		zap.Stringer("supplier", s), zap.Stringer("port", p),
		zap.Uint32("voltage_mv", e.rating.MilliV), zap.Uint32("current_ma", e.rating.MilliA))

	if !m.seeded {
		m.seeded = m.allReported()
		if !m.seeded {
			m.mu.Unlock()
			return
		}
		m.log.Info("all charge sources reported")
	}
	l, sel, changed := m.reselect()
	m.mu.Unlock()

	if changed && l != nil {
		l.SelectionChanged(sel)
	}
}

// Reevaluate retries the selection, e.g. after the host powered off and the
// arbiter will accept a port change.
func (m *Manager) Reevaluate() {
	m.mu.Lock()
	if !m.seeded {
		m.mu.Unlock()
		return
	}
	l, sel, changed := m.reselect()
	m.mu.Unlock()

	if changed && l != nil {
		l.SelectionChanged(sel)
	}
}

func (m *Manager) allReported() bool {
	for p := range m.table {
		for s := range m.table[p] {
			if !m.table[p][s].reported {
				return false
			}
		}
	}
	return true
}

// best returns the strongest supplier on port p.
func (m *Manager) best(p power.Port) (power.Supplier, power.Rating) {
	sup, rating := power.SupplierNone, power.Rating{}
	for _, s := range power.Suppliers {
		r := m.table[p][s].rating
		if r.IsZero() {
			continue
		}
		if r.MilliW() > rating.MilliW() {
			sup, rating = s, r
		}
	}
	return sup, rating
}

func (m *Manager) charging(p power.Port) bool {
	if p == power.PortNone || int(p) >= m.ports {
		return false
	}
	_, r := m.best(p)
	return !r.IsZero()
}

// candidates returns the ports with charge available, strongest first,
// lower port first on ties.
func (m *Manager) candidates() []power.Port {
	var out []power.Port
	for p := 0; p < m.ports; p++ {
		if _, r := m.best(power.Port(p)); !r.IsZero() {
			out = append(out, power.Port(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		_, a := m.best(out[i])
		_, b := m.best(out[j])
		return a.MilliW() > b.MilliW()
	})
	return out
}

// reselect drives the arbiter toward the best candidate and republishes the
// budget for whichever port ends up active. Called with mu held.
func (m *Manager) reselect() (Listener, Selection, bool) {
	accepted := false
	for _, p := range m.candidates() {
		err := m.arbiter.RequestPort(p)
		if err == nil {
			accepted = true
			break
		}
		m.log.Info("charge port refused, trying next", zap.Stringer("port", p), zap.Error(err))
	}
	// A port that lost its charge must not stay active just because every
	// alternative was refused.
	if !accepted && !m.charging(m.arbiter.Active()) {
		if err := m.arbiter.RequestPort(power.PortNone); err != nil {
			m.log.Error("disable charging failed", zap.Error(err))
		}
	}

	sel := Selection{Port: m.arbiter.Active(), Supplier: power.SupplierNone}
	if sel.Port != power.PortNone && int(sel.Port) < m.ports {
		sel.Supplier, sel.Rating = m.best(sel.Port)
	}
	m.budget.Store(sel.Rating.MilliW())
	m.supplier.Store(int32(sel.Supplier))

	changed := sel != m.selected
	m.selected = sel
	if changed {
		m.log.Info("charge selection",
			zap.Stringer("port", sel.Port), zap.Stringer("supplier", sel.Supplier),
			zap.Uint32("budget_mw", sel.Rating.MilliW()))
	}
	return m.listener, sel, changed
}

// Selected returns the current selection.
func (m *Manager) Selected() Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// BudgetMilliW returns the input power limit; zero until a port charges.
func (m *Manager) BudgetMilliW() (uint32, error) {
	return m.budget.Load(), nil
}

// Supplier returns the supplier of the active input.
func (m *Manager) Supplier() power.Supplier {
	return power.Supplier(m.supplier.Load())
}
