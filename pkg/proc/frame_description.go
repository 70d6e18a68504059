package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
	"github.com/debuda/riscdbg/pkg/dwarf/op"
	"github.com/debuda/riscdbg/pkg/dwarf/regnum"
	"github.com/debuda/riscdbg/pkg/logflags"
)

// wordSize is the size of a saved register on the stack.
const wordSize = 4

// CFA is a canonical frame address that may be unknown.
type CFA struct {
	Addr  uint64
	Valid bool
}

// KnownCFA returns a valid CFA at addr.
func KnownCFA(addr uint64) CFA {
	return CFA{Addr: addr, Valid: true}
}

func (cfa CFA) String() string {
	if !cfa.Valid {
		return "<unknown>"
	}
	return fmt.Sprintf("%#x", cfa.Addr)
}

// OlderFrameFallback decides where ReadRegister gets a register the CFI
// of a frame older than the top one has no rule for.
type OlderFrameFallback uint8

const (
	// FallbackLive reads the register from the hardware, which is only
	// exact for registers no function between the top frame and this
	// one has modified.
	FallbackLive OlderFrameFallback = iota
	// FallbackPrevious asks the next younger frame.
	FallbackPrevious
	// FallbackNone reports the register as unknown.
	FallbackNone
)

func (f OlderFrameFallback) String() string {
	switch f {
	case FallbackLive:
		return "live"
	case FallbackPrevious:
		return "previous"
	case FallbackNone:
		return "none"
	}
	return fmt.Sprintf("OlderFrameFallback(%d)", uint8(f))
}

// ParseOlderFrameFallback parses the names returned by
// OlderFrameFallback.String. The empty string selects FallbackLive.
func ParseOlderFrameFallback(s string) (OlderFrameFallback, error) {
	switch s {
	case "", "live":
		return FallbackLive, nil
	case "previous":
		return FallbackPrevious, nil
	case "none":
		return FallbackNone, nil
	}
	return FallbackLive, fmt.Errorf("unknown older frame fallback %q (want live, previous or none)", s)
}

// FrameDescription is the CFI row in effect at one PC. It computes the
// CFA of the frame executing at that PC and the values its caller's
// registers had.
type FrameDescription struct {
	pc     uint64
	fde    *frame.FrameDescriptionEntry
	row    frame.Row
	hasRow bool
	core   Core
	mem    MemoryAccess

	// Fallback is used by ReadRegister for frames older than the top one.
	Fallback OlderFrameFallback
}

// NewFrameDescription selects the row of fde in effect at pc, the last
// one starting at or before pc.
func NewFrameDescription(pc uint64, fde *frame.FrameDescriptionEntry, core Core) (*FrameDescription, error) {
	row, ok, err := fde.EstablishFrame(pc)
	if err != nil {
		return nil, err
	}
	return newFrameDescription(pc, fde, row, ok, core), nil
}

func newFrameDescription(pc uint64, fde *frame.FrameDescriptionEntry, row frame.Row, hasRow bool, core Core) *FrameDescription {
	return &FrameDescription{
		pc:     pc,
		fde:    fde,
		row:    row,
		hasRow: hasRow,
		core:   core,
		mem:    core.Memory(),
	}
}

// PC returns the address the description was established for.
func (fd *FrameDescription) PC() uint64 {
	return fd.pc
}

// Row returns the CFI row in effect, false if fde has no row for the PC.
func (fd *FrameDescription) Row() (frame.Row, bool) {
	return fd.row, fd.hasRow
}

func (fd *FrameDescription) rule(reg uint64) (frame.DWRule, bool) {
	if !fd.hasRow {
		return frame.DWRule{}, false
	}
	return fd.row.Rule(reg)
}

// TryReadRegister returns the value register reg had in the caller of
// the frame, using only the CFI rule for reg. cfa is the CFA of the frame
// and previous the inspection of the frame itself. It returns false when
// there is no rule, when the rule needs a cfa or previous frame that is
// not available, or when memory the rule points to cannot be read.
func (fd *FrameDescription) TryReadRegister(reg uint64, cfa CFA, previous *FrameInspection) (uint64, bool) {
	rule, ok := fd.rule(reg)
	if !ok {
		return 0, false
	}
	switch rule.Rule {
	case frame.RuleUndefined:
		return 0, false
	case frame.RuleSameVal:
		if previous == nil {
			return 0, false
		}
		return previous.ReadRegister(reg)
	case frame.RuleRegister:
		if previous == nil {
			return 0, false
		}
		return previous.ReadRegister(rule.Reg)
	case frame.RuleOffset:
		if !cfa.Valid {
			return 0, false
		}
		return fd.readWord(addOffset(cfa.Addr, rule.Offset))
	case frame.RuleValOffset:
		if !cfa.Valid {
			return 0, false
		}
		return addOffset(cfa.Addr, rule.Offset), true
	case frame.RuleExpression:
		isAddress, v := fd.evaluate(rule.Expression, cfa, previous)
		if v == nil || !isAddress {
			return 0, false
		}
		return fd.readWord(uint64(v.Int))
	case frame.RuleValExpression:
		_, v := fd.evaluate(rule.Expression, cfa, previous)
		if v == nil || v.IsBytes() {
			return 0, false
		}
		return uint64(uint32(v.Int)), true
	}
	return 0, false
}

// ReadRegister is like TryReadRegister, but when the rule gives no value
// it falls back to the hardware register for the top frame and to
// fd.Fallback for older ones.
func (fd *FrameDescription) ReadRegister(reg uint64, cfa CFA, previous *FrameInspection) (uint64, bool) {
	if v, ok := fd.TryReadRegister(reg, cfa, previous); ok {
		return v, true
	}
	if previous != nil && !previous.IsTop() {
		switch fd.Fallback {
		case FallbackNone:
			return 0, false
		case FallbackPrevious:
			return previous.ReadRegister(reg)
		}
		logflags.StackLogger().Debugf("no CFI rule for %s at %#x, using the live register", regnum.RISCVToName(reg), fd.pc)
	}
	return fd.readLive(reg)
}

// ReadPreviousCFA returns the CFA of the frame. current is the CFA of
// the frame it called and fi the inspection of the frame. For the top
// frame current is unknown and the CFA register is read from the
// hardware. A stack pointer the called frame's row has no rule for is
// current, the stack pointer at the call.
func (fd *FrameDescription) ReadPreviousCFA(current CFA, fi *FrameInspection) CFA {
	if !fd.hasRow {
		return CFA{}
	}
	rule := fd.row.CFA
	switch rule.Rule {
	case frame.RuleCFA:
		var v uint64
		var ok bool
		switch {
		case !current.Valid || fi == nil || fi.IsTop():
			v, ok = fd.readLive(rule.Reg)
		default:
			if _, hasRule := fi.desc.rule(rule.Reg); !hasRule && rule.Reg == regnum.RISCV_SP {
				v, ok = current.Addr, true
			} else {
				v, ok = fi.desc.ReadRegister(rule.Reg, current, fi.previous)
			}
		}
		if !ok {
			return CFA{}
		}
		return KnownCFA(addOffset(v, rule.Offset))
	case frame.RuleExpression:
		ctxt := op.Context{PtrSize: wordSize, ByteOrder: binary.LittleEndian}
		if fi != nil {
			ctxt.Frame = fi
		}
		isAddress, v := op.Evaluate(ctxt, rule.Expression)
		if v == nil || v.IsBytes() {
			return CFA{}
		}
		if !isAddress {
			logflags.FrameLogger().Debugf("CFA expression at %#x is not a location", fd.pc)
		}
		return KnownCFA(uint64(uint32(v.Int)))
	}
	return CFA{}
}

// evaluate runs a register rule expression with the CFA pushed on the
// stack.
func (fd *FrameDescription) evaluate(expr []byte, cfa CFA, previous *FrameInspection) (bool, *op.Value) {
	if !cfa.Valid {
		return false, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(op.DW_OP_constu))
	leb128.EncodeUnsigned(&buf, cfa.Addr)
	buf.Write(expr)
	ctxt := op.Context{PtrSize: wordSize, ByteOrder: binary.LittleEndian}.WithCFA(cfa.Addr)
	if previous != nil {
		ctxt.Frame = previous
	}
	return op.Evaluate(ctxt, buf.Bytes())
}

func (fd *FrameDescription) readWord(addr uint64) (uint64, bool) {
	data, err := fd.mem.ReadMemory(addr, wordSize)
	if err != nil {
		logflags.StackLogger().WithError(err).Debugf("could not read saved register at %#x", addr)
		return 0, false
	}
	if len(data) < wordSize {
		return 0, false
	}
	return uint64(binary.LittleEndian.Uint32(data)), true
}

func (fd *FrameDescription) readLive(reg uint64) (uint64, bool) {
	if reg > regnum.RISCVMaxRegNum() {
		return 0, false
	}
	v, err := fd.core.ReadGPR(int(reg))
	if err != nil {
		logflags.StackLogger().WithError(err).Debugf("could not read %s", regnum.RISCVToName(reg))
		return 0, false
	}
	return uint64(v), true
}

// addOffset adds a signed offset to a 32-bit address.
func addOffset(addr uint64, off int64) uint64 {
	return uint64(uint32(int64(addr) + off))
}
