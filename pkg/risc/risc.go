package risc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/debuda/riscdbg/pkg/logflags"
)

// Debugger is the debug interface of one core.
type Debugger interface {
	Location() Location
	Halt() error
	Step() error
	Cont() error
	IsHalted() (bool, error)
	IsInReset() (bool, error)
	ReadStatus() (Status, error)
	ReadGPR(idx int) (uint32, error)
	WriteGPR(idx int, value uint32) error
	ReadMemory(addr uint32) (uint32, error)
	WriteMemory(addr, value uint32) error
	GetPC() (uint32, error)
	SetWatchpointOnPC(id int, addr uint32) error
	SetWatchpointOnMemoryRead(id int, addr uint32) error
	SetWatchpointOnMemoryWrite(id int, addr uint32) error
	SetWatchpointOnMemoryAccess(id int, addr uint32) error
	DisableWatchpoint(id int) error
	ReadWatchpointsState() ([]WatchpointState, error)
	ReadWatchpointAddress(id int) (uint32, error)
}

var _ Debugger = (*RiscDebug)(nil)

// RiscDebug is the debugger of one core. On top of the debug unit
// protocol it controls the reset of the core, samples its program
// counter and gives access to its private memory.
type RiscDebug struct {
	loc  Location
	chip *Chip
	core CoreInfo
	noc  NOC
	regs *RegisterStore
	bus  *DebugBus
	hw   *DebugHardware
	log  logflags.Logger
}

// New returns the debugger of the core at loc, reached through noc.
func New(noc NOC, chip *Chip, loc Location, opts Options) (*RiscDebug, error) {
	core, ok := chip.Core(loc.Core)
	if !ok {
		return nil, fmt.Errorf("%s has no core %q", chip.Name, loc.Core)
	}
	regs := NewRegisterStore(noc, loc.Coord, chip.Registers)
	return &RiscDebug{
		loc:  loc,
		chip: chip,
		core: core,
		noc:  noc,
		regs: regs,
		bus:  NewDebugBus(regs, chip.Signals),
		hw:   NewDebugHardware(regs, chip, core, loc, opts),
		log:  logflags.ForCore(logflags.RiscLogger(), loc),
	}, nil
}

// Location returns the location of the core.
func (r *RiscDebug) Location() Location {
	return r.loc
}

// Chip returns the chip description the core belongs to.
func (r *RiscDebug) Chip() *Chip {
	return r.chip
}

// Info returns the description of the core.
func (r *RiscDebug) Info() CoreInfo {
	return r.core
}

// CanDebug returns true if the core has a debug unit.
func (r *RiscDebug) CanDebug() bool {
	return r.core.CanDebug
}

func (r *RiscDebug) checkDebug() error {
	if !r.core.CanDebug {
		return fmt.Errorf("%s: %w", r.loc, ErrNoDebugHardware)
	}
	return nil
}

// IsInReset returns true if the core is held in soft reset.
func (r *RiscDebug) IsInReset() (bool, error) {
	return r.hw.IsInReset()
}

// SetReset asserts or releases the soft reset of the core. The other
// bits of the shared reset register are preserved.
func (r *RiscDebug) SetReset(assert bool) error {
	v, err := r.regs.Read(RegSoftReset)
	if err != nil {
		return err
	}
	bit := uint32(1) << r.core.ResetBit
	if assert {
		v |= bit
	} else {
		v &^= bit
	}
	r.log.Debugf("set reset %v", assert)
	return r.regs.Write(RegSoftReset, v)
}

func (r *RiscDebug) Halt() error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.Halt()
}

func (r *RiscDebug) Step() error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.Step()
}

func (r *RiscDebug) Cont() error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.Cont()
}

func (r *RiscDebug) IsHalted() (bool, error) {
	if err := r.checkDebug(); err != nil {
		return false, err
	}
	return r.hw.IsHalted()
}

func (r *RiscDebug) ReadStatus() (Status, error) {
	if err := r.checkDebug(); err != nil {
		return Status{}, err
	}
	return r.hw.ReadStatus()
}

// IsEbreakHit returns true if the core stopped on an ebreak instruction.
// The program counter then points past the ebreak.
func (r *RiscDebug) IsEbreakHit() (bool, error) {
	st, err := r.ReadStatus()
	return st.EbreakHit, err
}

func (r *RiscDebug) ReadGPR(idx int) (uint32, error) {
	if err := r.checkDebug(); err != nil {
		return 0, err
	}
	return r.hw.ReadGPR(idx)
}

func (r *RiscDebug) WriteGPR(idx int, value uint32) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.WriteGPR(idx, value)
}

func (r *RiscDebug) ReadMemory(addr uint32) (uint32, error) {
	if err := r.checkDebug(); err != nil {
		return 0, err
	}
	return r.hw.ReadMemory(addr)
}

func (r *RiscDebug) WriteMemory(addr, value uint32) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.WriteMemory(addr, value)
}

func (r *RiscDebug) SetWatchpointOnPC(id int, addr uint32) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.SetWatchpointOnPC(id, addr)
}

func (r *RiscDebug) SetWatchpointOnMemoryRead(id int, addr uint32) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.SetWatchpointOnMemoryRead(id, addr)
}

func (r *RiscDebug) SetWatchpointOnMemoryWrite(id int, addr uint32) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.SetWatchpointOnMemoryWrite(id, addr)
}

func (r *RiscDebug) SetWatchpointOnMemoryAccess(id int, addr uint32) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.SetWatchpointOnMemoryAccess(id, addr)
}

func (r *RiscDebug) DisableWatchpoint(id int) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.DisableWatchpoint(id)
}

func (r *RiscDebug) ReadWatchpointsState() ([]WatchpointState, error) {
	if err := r.checkDebug(); err != nil {
		return nil, err
	}
	return r.hw.ReadWatchpointsState()
}

func (r *RiscDebug) ReadWatchpointAddress(id int) (uint32, error) {
	if err := r.checkDebug(); err != nil {
		return 0, err
	}
	return r.hw.ReadWatchpointAddress(id)
}

// GetPC returns the program counter. Chips with a debug bus PC tap are
// sampled without stopping the core, the others are halted for the
// duration of a read of the PC register.
func (r *RiscDebug) GetPC() (uint32, error) {
	if r.chip.PCSource == PCFromDebugBus && r.core.PCSignal != "" {
		v, err := r.bus.ReadSignal(r.core.PCSignal)
		if err != nil {
			return 0, err
		}
		return signExtend(v, r.core.PCSignalBits), nil
	}
	var pc uint32
	err := r.EnsureHalted(func() error {
		var err error
		pc, err = r.ReadGPR(PCRegister)
		return err
	})
	return pc, err
}

// signExtend copies bit bits-1 of v into the bits above it. The debug bus
// drops the top bit of the PC of some cores, private memory addresses
// (0xFFBxxxxx) come back as 0x7FBxxxxx.
func signExtend(v uint32, bits uint) uint32 {
	if bits == 0 || bits >= 32 {
		return v
	}
	shift := 32 - bits
	return uint32(int32(v<<shift) >> shift)
}

// EnsureHalted runs fn with the core halted and resumes it afterwards if
// it was running.
func (r *RiscDebug) EnsureHalted(fn func() error) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	return r.hw.EnsureHalted(fn)
}

// EnsurePrivateMemoryAccess runs fn with the debug unit able to reach the
// private memory of the core. A core held in reset cannot be halted, so
// an infinite loop is patched at its boot address, the reset is released
// and the core halted inside the loop. A patch that does not read back
// fails with ErrLoopPatch before the reset is touched. Once fn returns the reset is
// asserted again and the boot address gets its original word back, on
// every path.
func (r *RiscDebug) EnsurePrivateMemoryAccess(fn func() error) (err error) {
	if err := r.checkDebug(); err != nil {
		return err
	}
	inReset, err := r.IsInReset()
	if err != nil {
		return err
	}
	if !inReset {
		return fn()
	}

	boot := uint64(r.core.BootAddress)
	saved, err := r.noc.Read32(r.loc.Coord, boot)
	if err != nil {
		return fmt.Errorf("save boot instruction: %w", err)
	}
	if err := r.noc.Write32(r.loc.Coord, boot, LoopInstruction); err != nil {
		return fmt.Errorf("patch boot instruction: %w", err)
	}
	patched, err := r.noc.Read32(r.loc.Coord, boot)
	if err == nil && !IsLoop(patched) {
		err = fmt.Errorf("%w: read %#08x at %#x", ErrLoopPatch, patched, boot)
	}
	if err != nil {
		if werr := r.noc.Write32(r.loc.Coord, boot, saved); werr != nil {
			err = errors.Join(err, werr)
		}
		return err
	}
	r.log.Debugf("patched loop at %#x over %#08x", boot, saved)

	defer func() {
		rerr := r.SetReset(true)
		werr := r.noc.Write32(r.loc.Coord, boot, saved)
		if rerr != nil || werr != nil {
			r.log.Errorf("could not restore boot address %#x: %v", boot, errors.Join(rerr, werr))
			err = errors.Join(err, rerr, werr)
		}
	}()

	if err := r.SetReset(false); err != nil {
		return err
	}
	if err := r.hw.Halt(); err != nil {
		return err
	}
	return fn()
}

// ReadAllGPRs returns x0-x31 followed by the program counter.
func (r *RiscDebug) ReadAllGPRs() ([]uint32, error) {
	regs := make([]uint32, PCRegister+1)
	err := r.EnsureHalted(func() error {
		for i := range regs {
			v, err := r.hw.ReadGPR(i)
			if err != nil {
				return err
			}
			regs[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// ReadMemoryBytes reads size bytes at addr through the debug unit. The
// core must be halted. Word granular chips read the covering aligned
// words.
func (r *RiscDebug) ReadMemoryBytes(addr uint32, size int) ([]byte, error) {
	if err := r.checkDebug(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return []byte{}, nil
	}
	if r.chip.MemoryGranularity == ByteGranularity {
		out := make([]byte, size)
		for i := range out {
			b, err := r.hw.ReadMemoryByte(addr + uint32(i))
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	}
	start := addr &^ 3
	end := (uint64(addr) + uint64(size) + 3) &^ 3
	buf := make([]byte, 0, end-uint64(start))
	for a := uint64(start); a < end; a += 4 {
		w, err := r.hw.ReadMemory(uint32(a))
		if err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	off := addr - start
	return buf[off : off+uint32(size)], nil
}

// WriteMemoryBytes writes data at addr through the debug unit. The core
// must be halted. Word granular chips read-modify-write the words data
// covers partially.
func (r *RiscDebug) WriteMemoryBytes(addr uint32, data []byte) error {
	if err := r.checkDebug(); err != nil {
		return err
	}
	if r.chip.MemoryGranularity == ByteGranularity {
		for i, b := range data {
			if err := r.hw.WriteMemoryByte(addr+uint32(i), b); err != nil {
				return err
			}
		}
		return nil
	}
	end := uint64(addr) + uint64(len(data))
	for a := uint64(addr &^ 3); a < end; a += 4 {
		lo, hi := a, a+4
		if lo < uint64(addr) {
			lo = uint64(addr)
		}
		if hi > end {
			hi = end
		}
		var word [4]byte
		if hi-lo != 4 {
			w, err := r.hw.ReadMemory(uint32(a))
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(word[:], w)
		}
		copy(word[lo-a:hi-a], data[lo-uint64(addr):hi-uint64(addr)])
		if err := r.hw.WriteMemory(uint32(a), binary.LittleEndian.Uint32(word[:])); err != nil {
			return err
		}
	}
	return nil
}

// Memory returns the address space of the core.
func (r *RiscDebug) Memory() *Memory {
	return &Memory{r: r}
}
