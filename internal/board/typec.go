package board

import (
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/pd"
	"github.com/sweeney/power-arbiter/internal/power"
)

// PortReports is the PD stack's view of each Type-C port.
type PortReports interface {
	TakeChanged() []int
	State(port int) (pd.PortState, bool)
}

// Reporter ingests charge availability.
type Reporter interface {
	ReportCharge(s power.Supplier, p power.Port, r *power.Rating)
}

// TypeCCharge turns PD stack reports into charge reports. A port offers
// charge only while a source is attached and the port is not sourcing.
type TypeCCharge struct {
	ports PortReports
	rep   Reporter
	log   *zap.Logger
}

// NewTypeCCharge creates the task.
func NewTypeCCharge(ports PortReports, rep Reporter, log *zap.Logger) *TypeCCharge {
	if log == nil {
		log = zap.NewNop()
	}
	return &TypeCCharge{ports: ports, rep: rep, log: log}
}

// Tick reports every port that changed since the last run.
func (t *TypeCCharge) Tick(time.Time) (time.Duration, bool) {
	for _, p := range t.ports.TakeChanged() {
		st, ok := t.ports.State(p)
		if !ok {
			continue
		}
		offered := power.Rating{}
		if !st.Sourcing {
			offered = power.Rating{MilliV: st.MilliV, MilliA: st.MilliA}
		}
		active, idle := power.SupplierTypeC, power.SupplierPD
		if st.PD {
			active, idle = power.SupplierPD, power.SupplierTypeC
		}
		none := power.Rating{}
		t.log.Debug("type-c charge report", zap.Int("port", p), zap.Stringer("supplier", active),
			zap.Uint32("voltage_mv", offered.MilliV), zap.Uint32("current_ma", offered.MilliA))
		t.rep.ReportCharge(idle, power.Port(p), &none)
		t.rep.ReportCharge(active, power.Port(p), &offered)
	}
	return 0, false
}
