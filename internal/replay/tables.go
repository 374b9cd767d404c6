package replay

import (
	"sync"

	"github.com/gogpu/replaykit/internal/records"
)

// Slot is one pre-reserved entry in a result table. The scheduler reserves a
// slot before handing it to a worker; exactly one worker writes it, and the
// scheduler reads it only after the class barrier. That ownership hand-off
// (through the queue mutex) is the synchronization; the field itself needs
// none.
type Slot struct {
	handle any
}

// Set stores the created handle (nil while destroyed during --loop cycles).
func (s *Slot) Set(h any) { s.handle = h }

// Handle returns the stored handle, nil if the object was never created.
func (s *Slot) Handle() any { return s.handle }

// Table maps content hashes to result slots for one resource class.
// Reserve and Get are scheduler-goroutine-only; the mutex exists for the
// teardown walk and for tests that inspect tables concurrently. Slots are
// never removed, so a *Slot stays valid for the table's lifetime no matter
// how many later hashes are reserved.
type Table struct {
	mu    sync.Mutex
	slots map[records.Hash]*Slot
}

// Reserve returns the stable slot for hash, creating it if needed.
func (t *Table) Reserve(hash records.Hash) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots == nil {
		t.slots = make(map[records.Hash]*Slot)
	}
	slot, ok := t.slots[hash]
	if !ok {
		slot = &Slot{}
		t.slots[hash] = slot
	}
	return slot
}

// Get returns the realized handle for hash.
func (t *Table) Get(hash records.Hash) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[hash]
	if !ok || slot.handle == nil {
		return nil, false
	}
	return slot.handle, true
}

// Len returns the number of reserved slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Range calls fn for every slot with a non-nil handle.
func (t *Table) Range(fn func(hash records.Hash, handle any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hash, slot := range t.slots {
		if slot.handle != nil {
			fn(hash, slot.handle)
		}
	}
}

// Tables holds one result table per resource class that produces handles.
type Tables struct {
	Samplers          Table
	SetLayouts        Table
	PipelineLayouts   Table
	ShaderModules     Table
	RenderPasses      Table
	GraphicsPipelines Table
	ComputePipelines  Table
}
