package proc

import (
	"github.com/debuda/riscdbg/pkg/dwarf/op"
	"github.com/debuda/riscdbg/pkg/dwarf/regnum"
	"github.com/debuda/riscdbg/pkg/logflags"
)

type regState uint8

const (
	regNotChecked regState = iota
	regUnknown
	regKnown
)

type regValue struct {
	state regState
	value uint64
}

// FrameInspection gives access to the registers and memory of one stack
// frame, remembering every register it was asked for, including the ones
// that could not be recovered.
//
// previous and desc belong to the next younger frame. They are borrowed
// from the stack walk that created the inspection and are only valid
// while that walk runs.
type FrameInspection struct {
	core Core
	pc   uint64

	// desc is the description of the younger frame, nil for the top
	// frame, and cfa the CFA of the younger frame.
	desc     *FrameDescription
	cfa      CFA
	previous *FrameInspection

	mem  MemoryAccess
	regs [regnum.RISCV_PC + 1]regValue
}

var _ op.Frame = (*FrameInspection)(nil)

// NewTopFrameInspection returns the inspection of the frame executing on
// core, which reads registers from the hardware.
func NewTopFrameInspection(core Core) *FrameInspection {
	return &FrameInspection{core: core, mem: core.Memory()}
}

// NewFrameInspection returns the inspection of the caller of the frame
// described by desc, whose CFA is cfa and whose inspection is previous.
// pc is the return address into the caller.
func NewFrameInspection(core Core, pc uint64, desc *FrameDescription, cfa CFA, previous *FrameInspection) *FrameInspection {
	return &FrameInspection{
		core:     core,
		pc:       pc,
		desc:     desc,
		cfa:      cfa,
		previous: previous,
		mem:      core.Memory(),
	}
}

// IsTop returns true for the inspection of the executing frame.
func (fi *FrameInspection) IsTop() bool {
	return fi.desc == nil
}

// ReadRegister returns the value DWARF register reg has in the frame.
func (fi *FrameInspection) ReadRegister(reg uint64) (uint64, bool) {
	if reg >= uint64(len(fi.regs)) {
		return 0, false
	}
	if reg == regnum.RISCV_X0 {
		return 0, true
	}
	c := &fi.regs[reg]
	switch c.state {
	case regKnown:
		return c.value, true
	case regUnknown:
		return 0, false
	}

	v, ok := fi.readRegister(reg)
	if ok {
		*c = regValue{state: regKnown, value: v}
	} else {
		c.state = regUnknown
	}
	return v, ok
}

func (fi *FrameInspection) readRegister(reg uint64) (uint64, bool) {
	if fi.desc == nil {
		v, err := fi.core.ReadGPR(int(reg))
		if err != nil {
			logflags.StackLogger().WithError(err).Debugf("could not read %s", regnum.RISCVToName(reg))
			return 0, false
		}
		return uint64(v), true
	}
	if reg == regnum.RISCV_PC {
		return fi.pc, true
	}
	if v, ok := fi.desc.TryReadRegister(reg, fi.cfa, fi.previous); ok {
		return v, true
	}
	if _, hasRule := fi.desc.rule(reg); !hasRule && reg == regnum.RISCV_SP && fi.cfa.Valid {
		return fi.cfa.Addr, true
	}
	return 0, false
}

// ReadMemory reads size bytes at addr.
func (fi *FrameInspection) ReadMemory(addr uint64, size int) ([]byte, error) {
	return fi.mem.ReadMemory(addr, size)
}
