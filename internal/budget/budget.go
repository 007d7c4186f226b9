// Package budget tracks cumulative AI cost units for a run. A Meter is
// created at run start and passed explicitly to the components that
// spend from it; concurrent device runs may share one Meter, so the
// counter is atomic. Once spending reaches the ceiling, escalation is
// disabled for the remainder of the run.
package budget

import (
	"strconv"
	"sync/atomic"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
)

// Meter is the run-scoped cost counter. Ceiling 0 means unlimited.
type Meter struct {
	ceiling int64
	spent   atomic.Int64
}

// NewMeter returns a meter with the given ceiling in cost units.
// Non-positive ceilings mean unlimited.
func NewMeter(ceiling int) *Meter {
	if ceiling < 0 {
		ceiling = 0
	}
	return &Meter{ceiling: int64(ceiling)}
}

// Charge records units spent. Every attempted provider call charges,
// including calls that subsequently fail.
func (m *Meter) Charge(units int) {
	if units <= 0 {
		return
	}
	total := m.spent.Add(int64(units))
	logging.BudgetDebug("charged %d units, total %d/%s", units, total, m.ceilingString())
}

// Spent returns the units consumed so far.
func (m *Meter) Spent() int { return int(m.spent.Load()) }

// Ceiling returns the configured ceiling, 0 for unlimited.
func (m *Meter) Ceiling() int { return int(m.ceiling) }

// Exceeded reports whether spending has reached the ceiling.
func (m *Meter) Exceeded() bool {
	return m.ceiling > 0 && m.spent.Load() >= m.ceiling
}

func (m *Meter) ceilingString() string {
	if m.ceiling <= 0 {
		return "unlimited"
	}
	return strconv.FormatInt(m.ceiling, 10)
}
