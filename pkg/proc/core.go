package proc

import (
	"github.com/debuda/riscdbg/pkg/risc"
)

// Core is the debugger of one core as seen by the unwinder.
type Core interface {
	Location() risc.Location
	ReadGPR(idx int) (uint32, error)
	IsEbreakHit() (bool, error)
	EnsureHalted(fn func() error) error
	Memory() MemoryAccess
}

// RiscCore adapts a risc.RiscDebug to Core.
type RiscCore struct {
	*risc.RiscDebug
	mem MemoryAccess
}

var _ Core = (*RiscCore)(nil)

// NewCore returns the unwinder view of dbg. Memory accesses are limited
// to the L1 and private memory windows of the core.
func NewCore(dbg *risc.RiscDebug) *RiscCore {
	info := dbg.Info()
	return &RiscCore{
		RiscDebug: dbg,
		mem:       NewRestrictedMemory(dbg.Memory(), dbg.Location(), info.L1, info.PrivateMemory),
	}
}

// Memory returns the restricted address space of the core.
func (c *RiscCore) Memory() MemoryAccess {
	return c.mem
}
