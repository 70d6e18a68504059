package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
)

// FrameBuilder builds a little endian .debug_frame section with 4 byte
// addresses.
type FrameBuilder struct {
	buf bytes.Buffer
}

// CIE appends a version 3 CIE with a code alignment factor of 1 and
// returns its offset, to be passed to FDE.
func (fb *FrameBuilder) CIE(dataAlign int64, returnAddressReg uint64, initial *CFAProgram) uint32 {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, ^uint32(0))
	b.WriteByte(3)
	b.WriteByte(0) // augmentation
	leb128.EncodeUnsigned(&b, 1)
	leb128.EncodeSigned(&b, dataAlign)
	leb128.EncodeUnsigned(&b, returnAddressReg)
	if initial != nil {
		b.Write(initial.Bytes())
	}
	return fb.entry(b.Bytes())
}

// FDE appends an FDE covering [begin, begin+size) to the section.
func (fb *FrameBuilder) FDE(cie uint32, begin, size uint32, instr *CFAProgram) uint32 {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, cie)
	binary.Write(&b, binary.LittleEndian, begin)
	binary.Write(&b, binary.LittleEndian, size)
	if instr != nil {
		b.Write(instr.Bytes())
	}
	return fb.entry(b.Bytes())
}

func (fb *FrameBuilder) entry(body []byte) uint32 {
	off := uint32(fb.buf.Len())
	for len(body)%AddrSize != 0 {
		body = append(body, frame.DW_CFA_nop)
	}
	binary.Write(&fb.buf, binary.LittleEndian, uint32(len(body)))
	fb.buf.Write(body)
	return off
}

// Bytes returns the section contents.
func (fb *FrameBuilder) Bytes() []byte {
	return fb.buf.Bytes()
}

// CFAProgram is a sequence of call frame instructions. Offsets passed to
// the register rule methods are already factored by the data alignment
// factor.
type CFAProgram struct {
	buf bytes.Buffer
}

// Bytes returns the encoded instructions.
func (p *CFAProgram) Bytes() []byte {
	return p.buf.Bytes()
}

func (p *CFAProgram) op(opcode byte, args ...uint64) *CFAProgram {
	p.buf.WriteByte(opcode)
	for _, arg := range args {
		leb128.EncodeUnsigned(&p.buf, arg)
	}
	return p
}

func (p *CFAProgram) block(b []byte) *CFAProgram {
	leb128.EncodeUnsigned(&p.buf, uint64(len(b)))
	p.buf.Write(b)
	return p
}

// DefCFA sets the CFA to reg+off.
func (p *CFAProgram) DefCFA(reg, off uint64) *CFAProgram {
	return p.op(frame.DW_CFA_def_cfa, reg, off)
}

// DefCFAOffset changes the offset of the CFA rule.
func (p *CFAProgram) DefCFAOffset(off uint64) *CFAProgram {
	return p.op(frame.DW_CFA_def_cfa_offset, off)
}

// DefCFARegister changes the register of the CFA rule.
func (p *CFAProgram) DefCFARegister(reg uint64) *CFAProgram {
	return p.op(frame.DW_CFA_def_cfa_register, reg)
}

// DefCFAExpression sets the CFA to the result of expr.
func (p *CFAProgram) DefCFAExpression(expr []byte) *CFAProgram {
	return p.op(frame.DW_CFA_def_cfa_expression).block(expr)
}

// AdvanceLoc moves the location of the next row by delta bytes.
func (p *CFAProgram) AdvanceLoc(delta uint32) *CFAProgram {
	switch {
	case delta < 0x40:
		p.buf.WriteByte(frame.DW_CFA_advance_loc | byte(delta))
	case delta <= 0xff:
		p.buf.WriteByte(frame.DW_CFA_advance_loc1)
		p.buf.WriteByte(byte(delta))
	case delta <= 0xffff:
		p.buf.WriteByte(frame.DW_CFA_advance_loc2)
		binary.Write(&p.buf, binary.LittleEndian, uint16(delta))
	default:
		p.buf.WriteByte(frame.DW_CFA_advance_loc4)
		binary.Write(&p.buf, binary.LittleEndian, delta)
	}
	return p
}

// Offset saves reg at CFA+off*data_alignment_factor.
func (p *CFAProgram) Offset(reg, off uint64) *CFAProgram {
	if reg < 0x40 {
		p.buf.WriteByte(frame.DW_CFA_offset | byte(reg))
		leb128.EncodeUnsigned(&p.buf, off)
		return p
	}
	return p.op(frame.DW_CFA_offset_extended, reg, off)
}

// OffsetSF is Offset with a signed factored offset.
func (p *CFAProgram) OffsetSF(reg uint64, off int64) *CFAProgram {
	p.op(frame.DW_CFA_offset_extended_sf, reg)
	leb128.EncodeSigned(&p.buf, off)
	return p
}

// ValOffset sets reg to the value CFA+off*data_alignment_factor.
func (p *CFAProgram) ValOffset(reg, off uint64) *CFAProgram {
	return p.op(frame.DW_CFA_val_offset, reg, off)
}

// Restore resets the rule of reg to the one in the CIE.
func (p *CFAProgram) Restore(reg uint64) *CFAProgram {
	if reg < 0x40 {
		p.buf.WriteByte(frame.DW_CFA_restore | byte(reg))
		return p
	}
	return p.op(frame.DW_CFA_restore_extended, reg)
}

// Undefined marks reg as not recoverable.
func (p *CFAProgram) Undefined(reg uint64) *CFAProgram {
	return p.op(frame.DW_CFA_undefined, reg)
}

// SameValue marks reg as unchanged from the caller.
func (p *CFAProgram) SameValue(reg uint64) *CFAProgram {
	return p.op(frame.DW_CFA_same_value, reg)
}

// Register records that reg is saved in other.
func (p *CFAProgram) Register(reg, other uint64) *CFAProgram {
	return p.op(frame.DW_CFA_register, reg, other)
}

// Expression records that reg is saved at the address computed by expr.
func (p *CFAProgram) Expression(reg uint64, expr []byte) *CFAProgram {
	return p.op(frame.DW_CFA_expression, reg).block(expr)
}

// ValExpression records that the value of reg is computed by expr.
func (p *CFAProgram) ValExpression(reg uint64, expr []byte) *CFAProgram {
	return p.op(frame.DW_CFA_val_expression, reg).block(expr)
}

// RememberState pushes the current rules.
func (p *CFAProgram) RememberState() *CFAProgram {
	return p.op(frame.DW_CFA_remember_state)
}

// RestoreState pops the rules pushed by RememberState.
func (p *CFAProgram) RestoreState() *CFAProgram {
	return p.op(frame.DW_CFA_restore_state)
}
