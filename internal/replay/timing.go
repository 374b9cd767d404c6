package replay

import (
	"sync/atomic"
	"time"
)

// Timing accumulates creation time for one resource kind across all workers.
type Timing struct {
	ns    atomic.Int64
	count atomic.Uint64
}

// Record adds one successful creation.
func (t *Timing) Record(d time.Duration) {
	t.ns.Add(int64(d))
	t.count.Add(1)
}

// Totals returns the creation count and accumulated wall time.
func (t *Timing) Totals() (count uint64, total time.Duration) {
	return t.count.Load(), time.Duration(t.ns.Load())
}

// Timings holds the per-kind accumulators for the kinds worth reporting.
type Timings struct {
	ShaderModules     Timing
	GraphicsPipelines Timing
	ComputePipelines  Timing
}
