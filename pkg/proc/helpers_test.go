package proc

import (
	"errors"
	"fmt"

	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/risc"
)

type memRead struct {
	addr uint64
	size int
}

// spyMemory serves words from a map and records every read.
type spyMemory struct {
	words map[uint64]uint32
	reads []memRead
}

func newSpyMemory() *spyMemory {
	return &spyMemory{words: make(map[uint64]uint32)}
}

func (m *spyMemory) ReadMemory(addr uint64, size int) ([]byte, error) {
	m.reads = append(m.reads, memRead{addr, size})
	data := make([]byte, size)
	for i := range data {
		a := addr + uint64(i)
		w, ok := m.words[a&^3]
		if !ok {
			return nil, fmt.Errorf("nothing at %#x", a)
		}
		data[i] = byte(w >> (8 * (a & 3)))
	}
	return data, nil
}

func (m *spyMemory) WriteMemory(addr uint64, data []byte) error {
	return errors.New("read only")
}

// fakeCore is a halted core whose registers are a map.
type fakeCore struct {
	loc      risc.Location
	regs     map[int]uint32
	mem      MemoryAccess
	ebreak   bool
	gprReads []int
}

func newFakeCore(mem MemoryAccess) *fakeCore {
	return &fakeCore{
		loc:  risc.NewLocation(0, 0, "trisc0"),
		regs: make(map[int]uint32),
		mem:  mem,
	}
}

func (c *fakeCore) Location() risc.Location { return c.loc }

func (c *fakeCore) ReadGPR(idx int) (uint32, error) {
	c.gprReads = append(c.gprReads, idx)
	v, ok := c.regs[idx]
	if !ok {
		return 0, fmt.Errorf("register %d not set", idx)
	}
	return v, nil
}

func (c *fakeCore) IsEbreakHit() (bool, error) { return c.ebreak, nil }

func (c *fakeCore) EnsureHalted(fn func() error) error { return fn() }

func (c *fakeCore) Memory() MemoryAccess { return c.mem }

func spCFA(off int64) frame.DWRule {
	return frame.DWRule{Rule: frame.RuleCFA, Reg: 2, Offset: off}
}

// describe returns a description of a frame whose row has cfa and regs.
func describe(core Core, pc uint64, cfa frame.DWRule, regs map[uint64]frame.DWRule) *FrameDescription {
	return newFrameDescription(pc, nil, frame.Row{Loc: pc, CFA: cfa, Regs: regs}, true, core)
}
