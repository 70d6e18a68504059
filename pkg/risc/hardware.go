package risc

import (
	"errors"
	"fmt"

	"github.com/debuda/riscdbg/pkg/logflags"
)

// Debug unit control words. A write or read of an internal debug
// register is latched on the 0 to non-zero edge of CNTL0, so every
// access is followed by a write of 0.
const (
	control0Read  = 0x80000000
	control0Write = 0x80010000
	riscIDShift   = 17
	readValidBit  = 0x40000000
)

// Internal registers of the debug unit.
const (
	regStatus             = 0
	regCommand            = 1
	regArg0               = 2
	regArg1               = 3
	regReturnValue        = 4
	regWatchpointSettings = 5
	regWatchpointAddress0 = 6
)

// Commands written to regCommand.
const (
	cmdDebugMode     = 0x80000000
	cmdHalt          = 0x1
	cmdStep          = 0x2
	cmdContinue      = 0x4
	cmdReadRegister  = 0x8
	cmdWriteRegister = 0x10
	cmdReadMemory    = 0x20
	cmdWriteMemory   = 0x40
	cmdByteAccess    = 0x200
)

// PCRegister is the index of the synthetic GPR holding the program
// counter.
const PCRegister = 32

var (
	// ErrNotHalted is returned by operations that need a halted core.
	ErrNotHalted = errors.New("core is not halted")
	// ErrInReset is returned by debug operations on a core held in reset.
	ErrInReset = errors.New("core is in reset")
	// ErrNoDebugHardware is returned for cores without a debug unit.
	ErrNoDebugHardware = errors.New("core has no debug hardware")
	// ErrLoopPatch is returned when the loop instruction written to the
	// boot address of a core in reset does not read back.
	ErrLoopPatch = errors.New("boot address did not take the loop instruction")
)

// HaltError is returned when the core does not report halted after a
// halt command. Register contents read after this are meaningless.
type HaltError struct {
	Location Location
	Status   Status
}

func (err *HaltError) Error() string {
	return fmt.Sprintf("%s did not halt (status: %s)", err.Location, err.Status)
}

// AlignmentError is returned for word accesses to unaligned addresses.
type AlignmentError struct {
	Addr uint32
}

func (err *AlignmentError) Error() string {
	return fmt.Sprintf("address %#x is not 4 byte aligned", err.Addr)
}

// Options tune the checks the debug driver performs.
type Options struct {
	// EnableAsserts makes register and memory operations fail with
	// ErrNotHalted when the core is running.
	EnableAsserts bool
	// VerifyDebugReads checks the read-valid bit after every read of an
	// internal debug register and logs a warning when it is clear.
	VerifyDebugReads bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{EnableAsserts: true, VerifyDebugReads: true}
}

// DebugHardware speaks the debug unit protocol of one core. It keeps no
// state besides its configuration: every status check is a fresh read.
// It is not safe for concurrent use, and neither is the core behind it:
// callers must serialize operations on a core.
type DebugHardware struct {
	loc  Location
	chip *Chip
	core CoreInfo
	regs *RegisterStore
	opts Options
	log  logflags.Logger
}

// NewDebugHardware returns the driver for the core at loc.
func NewDebugHardware(regs *RegisterStore, chip *Chip, core CoreInfo, loc Location, opts Options) *DebugHardware {
	return &DebugHardware{
		loc:  loc,
		chip: chip,
		core: core,
		regs: regs,
		opts: opts,
		log:  logflags.ForCore(logflags.HWDebugLogger(), loc),
	}
}

func (hw *DebugHardware) control0(base, reg uint32) uint32 {
	return base + hw.core.RiscID<<riscIDShift + reg
}

func (hw *DebugHardware) trigger(value uint32) error {
	if err := hw.regs.Write(RegDebugControl0, value); err != nil {
		return err
	}
	return hw.regs.Write(RegDebugControl0, 0)
}

func (hw *DebugHardware) writeDebugRegister(reg, value uint32) error {
	if err := hw.regs.Write(RegDebugControl1, value); err != nil {
		return err
	}
	return hw.trigger(hw.control0(control0Write, reg))
}

func (hw *DebugHardware) readDebugRegister(reg uint32) (uint32, error) {
	if err := hw.trigger(hw.control0(control0Read, reg)); err != nil {
		return 0, err
	}
	if hw.opts.VerifyDebugReads {
		valid, err := hw.IsReadValid()
		if err != nil {
			return 0, err
		}
		if !valid {
			hw.log.Warnf("debug register %d read did not report valid data", reg)
		}
	}
	return hw.regs.Read(RegDebugStatus1)
}

func (hw *DebugHardware) command(cmd uint32) error {
	hw.log.Debugf("command %#x", cmd)
	if err := hw.writeDebugRegister(regCommand, cmdDebugMode|cmd); err != nil {
		return err
	}
	return hw.writeDebugRegister(regCommand, cmdDebugMode)
}

// IsReadValid returns the "last debug read was valid" status bit. Reads
// may return stale data while the core is transitioning between states.
func (hw *DebugHardware) IsReadValid() (bool, error) {
	v, err := hw.regs.Read(RegDebugReadValid)
	return v != 0, err
}

// IsInReset returns true if the soft reset bit of the core is set.
func (hw *DebugHardware) IsInReset() (bool, error) {
	v, err := hw.regs.Read(RegSoftReset)
	if err != nil {
		return false, err
	}
	return v>>hw.core.ResetBit&1 != 0, nil
}

func (hw *DebugHardware) checkNotInReset() error {
	inReset, err := hw.IsInReset()
	if err != nil {
		return err
	}
	if inReset {
		return fmt.Errorf("%s: %w", hw.loc, ErrInReset)
	}
	return nil
}

// ReadStatus reads and decodes the debug status register.
func (hw *DebugHardware) ReadStatus() (Status, error) {
	v, err := hw.readDebugRegister(regStatus)
	if err != nil {
		return Status{}, err
	}
	return DecodeStatus(v), nil
}

// IsHalted returns true if the core reports halted.
func (hw *DebugHardware) IsHalted() (bool, error) {
	st, err := hw.ReadStatus()
	return st.Halted, err
}

// Halt stops the core. Halting a halted core only logs a warning.
func (hw *DebugHardware) Halt() error {
	if err := hw.checkNotInReset(); err != nil {
		return err
	}
	st, err := hw.ReadStatus()
	if err != nil {
		return err
	}
	if st.Halted {
		hw.log.Warn("halt: core is already halted")
		return nil
	}
	if err := hw.command(cmdHalt); err != nil {
		return err
	}
	st, err = hw.ReadStatus()
	if err != nil {
		return err
	}
	if !st.Halted {
		return &HaltError{Location: hw.loc, Status: st}
	}
	return nil
}

// Step executes one instruction of a halted core. Stepping a running
// core only logs a warning.
func (hw *DebugHardware) Step() error {
	if err := hw.checkNotInReset(); err != nil {
		return err
	}
	halted, err := hw.IsHalted()
	if err != nil {
		return err
	}
	if !halted {
		hw.log.Warn("step: core is running")
		return nil
	}
	if err := hw.command(cmdStep); err != nil {
		return err
	}
	if hw.chip.DoubleStep {
		// The first step command is swallowed by the debug unit.
		return hw.command(cmdStep)
	}
	return nil
}

// Cont resumes a halted core. Continuing a running core only logs a
// warning.
func (hw *DebugHardware) Cont() error {
	if err := hw.checkNotInReset(); err != nil {
		return err
	}
	halted, err := hw.IsHalted()
	if err != nil {
		return err
	}
	if !halted {
		hw.log.Warn("continue: core is already running")
		return nil
	}
	return hw.command(cmdContinue)
}

// EnsureHalted runs fn with the core halted. A core that was running is
// resumed when fn returns, whether fn failed or not.
func (hw *DebugHardware) EnsureHalted(fn func() error) (err error) {
	halted, err := hw.IsHalted()
	if err != nil {
		return err
	}
	if halted {
		return fn()
	}
	if err := hw.Halt(); err != nil {
		return err
	}
	defer func() {
		if cerr := hw.Cont(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn()
}

func (hw *DebugHardware) requireHalted() error {
	if err := hw.checkNotInReset(); err != nil {
		return err
	}
	if !hw.opts.EnableAsserts {
		return nil
	}
	halted, err := hw.IsHalted()
	if err != nil {
		return err
	}
	if !halted {
		return fmt.Errorf("%s: %w", hw.loc, ErrNotHalted)
	}
	return nil
}

// ReadGPR returns general purpose register idx, PCRegister for the
// program counter.
func (hw *DebugHardware) ReadGPR(idx int) (uint32, error) {
	if idx < 0 || idx > PCRegister {
		return 0, fmt.Errorf("invalid register index %d", idx)
	}
	if err := hw.requireHalted(); err != nil {
		return 0, err
	}
	if err := hw.writeDebugRegister(regArg0, uint32(idx)); err != nil {
		return 0, err
	}
	if err := hw.command(cmdReadRegister); err != nil {
		return 0, err
	}
	return hw.readDebugRegister(regReturnValue)
}

// WriteGPR sets general purpose register idx to value.
func (hw *DebugHardware) WriteGPR(idx int, value uint32) error {
	if idx < 0 || idx > PCRegister {
		return fmt.Errorf("invalid register index %d", idx)
	}
	if err := hw.requireHalted(); err != nil {
		return err
	}
	if err := hw.writeDebugRegister(regArg0, uint32(idx)); err != nil {
		return err
	}
	if err := hw.writeDebugRegister(regArg1, value); err != nil {
		return err
	}
	return hw.command(cmdWriteRegister)
}

// ReadMemory reads the word at addr, which must be 4 byte aligned.
func (hw *DebugHardware) ReadMemory(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, &AlignmentError{Addr: addr}
	}
	return hw.readMemory(addr, cmdReadMemory)
}

// WriteMemory writes the word at addr, which must be 4 byte aligned.
func (hw *DebugHardware) WriteMemory(addr, value uint32) error {
	if addr%4 != 0 {
		return &AlignmentError{Addr: addr}
	}
	return hw.writeMemory(addr, value, cmdWriteMemory)
}

func (hw *DebugHardware) checkByteAccess() error {
	if hw.chip.MemoryGranularity != ByteGranularity {
		return fmt.Errorf("%s debug unit has no byte memory access", hw.chip.Name)
	}
	return nil
}

// ReadMemoryByte reads the byte at addr. Only chips with byte
// granularity support it.
func (hw *DebugHardware) ReadMemoryByte(addr uint32) (byte, error) {
	if err := hw.checkByteAccess(); err != nil {
		return 0, err
	}
	v, err := hw.readMemory(addr, cmdReadMemory|cmdByteAccess)
	return byte(v), err
}

// WriteMemoryByte writes the byte at addr. Only chips with byte
// granularity support it.
func (hw *DebugHardware) WriteMemoryByte(addr uint32, value byte) error {
	if err := hw.checkByteAccess(); err != nil {
		return err
	}
	return hw.writeMemory(addr, uint32(value), cmdWriteMemory|cmdByteAccess)
}

func (hw *DebugHardware) readMemory(addr, cmd uint32) (uint32, error) {
	if err := hw.requireHalted(); err != nil {
		return 0, err
	}
	if err := hw.writeDebugRegister(regArg0, addr); err != nil {
		return 0, err
	}
	if err := hw.command(cmd); err != nil {
		return 0, err
	}
	return hw.readDebugRegister(regReturnValue)
}

func (hw *DebugHardware) writeMemory(addr, value, cmd uint32) error {
	if err := hw.requireHalted(); err != nil {
		return err
	}
	if err := hw.writeDebugRegister(regArg0, addr); err != nil {
		return err
	}
	if err := hw.writeDebugRegister(regArg1, value); err != nil {
		return err
	}
	return hw.command(cmd)
}

func (hw *DebugHardware) checkWatchpoint(id int) error {
	if id < 0 || id >= hw.chip.WatchpointCount {
		return fmt.Errorf("watchpoint %d out of range [0, %d)", id, hw.chip.WatchpointCount)
	}
	return nil
}

// setWatchpoint programs the address and mode nibble of watchpoint id.
// The settings register is shared by all watchpoints, it is updated with
// a read-modify-write under a halt.
func (hw *DebugHardware) setWatchpoint(id int, addr uint32, mode uint32, setAddr bool) error {
	if err := hw.checkWatchpoint(id); err != nil {
		return err
	}
	return hw.EnsureHalted(func() error {
		if setAddr {
			if err := hw.writeDebugRegister(regWatchpointAddress0+uint32(id), addr); err != nil {
				return err
			}
		}
		settings, err := hw.readDebugRegister(regWatchpointSettings)
		if err != nil {
			return err
		}
		shift := uint(4 * id)
		settings = settings&^(0xf<<shift) | mode<<shift
		return hw.writeDebugRegister(regWatchpointSettings, settings)
	})
}

// SetWatchpointOnPC halts the core when it executes addr.
func (hw *DebugHardware) SetWatchpointOnPC(id int, addr uint32) error {
	return hw.setWatchpoint(id, addr, watchpointPC, true)
}

// SetWatchpointOnMemoryRead halts the core when it reads addr.
func (hw *DebugHardware) SetWatchpointOnMemoryRead(id int, addr uint32) error {
	return hw.setWatchpoint(id, addr, watchpointOnRead, true)
}

// SetWatchpointOnMemoryWrite halts the core when it writes addr.
func (hw *DebugHardware) SetWatchpointOnMemoryWrite(id int, addr uint32) error {
	return hw.setWatchpoint(id, addr, watchpointOnWrite, true)
}

// SetWatchpointOnMemoryAccess halts the core when it reads or writes
// addr.
func (hw *DebugHardware) SetWatchpointOnMemoryAccess(id int, addr uint32) error {
	return hw.setWatchpoint(id, addr, watchpointAccess, true)
}

// DisableWatchpoint clears the mode of watchpoint id, its address is
// left untouched.
func (hw *DebugHardware) DisableWatchpoint(id int) error {
	return hw.setWatchpoint(id, 0, 0, false)
}

// ReadWatchpointsState decodes the mode of every watchpoint.
func (hw *DebugHardware) ReadWatchpointsState() ([]WatchpointState, error) {
	settings, err := hw.readDebugRegister(regWatchpointSettings)
	if err != nil {
		return nil, err
	}
	r := make([]WatchpointState, hw.chip.WatchpointCount)
	for i := range r {
		r[i] = DecodeWatchpoint(settings >> uint(4*i) & 0xf)
	}
	return r, nil
}

// ReadWatchpointAddress returns the address programmed in watchpoint id.
func (hw *DebugHardware) ReadWatchpointAddress(id int) (uint32, error) {
	if err := hw.checkWatchpoint(id); err != nil {
		return 0, err
	}
	return hw.readDebugRegister(regWatchpointAddress0 + uint32(id))
}
