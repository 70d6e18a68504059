package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// Row is one line of the CFI table: the rules in effect from Loc up to
// the Loc of the next row (or the end of the FDE).
type Row struct {
	Loc  uint64
	CFA  DWRule
	Regs map[uint64]DWRule
}

// Rule returns the rule for reg and whether the row has one.
func (row *Row) Rule(reg uint64) (DWRule, bool) {
	rule, ok := row.Regs[reg]
	return rule, ok
}

// FrameContext is the state of the CFA instruction interpreter.
type FrameContext struct {
	loc             uint64
	order           binary.ByteOrder
	ptrSize         int
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	buf             *bytes.Buffer
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
	rows            []Row
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them.
type stateStack struct {
	items []rowState
}

func (stack *stateStack) push(state rowState) {
	stack.items = append(stack.items, state)
}

func (stack *stateStack) pop() (rowState, bool) {
	if len(stack.items) == 0 {
		return rowState{}, false
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[0 : len(stack.items)-1]
	return restored, true
}

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                = 0x0        // No ops
	DW_CFA_set_loc            = 0x01       // op1: address
	DW_CFA_advance_loc1       = iota       // op1: 1-bytes delta
	DW_CFA_advance_loc2                    // op1: 2-byte delta
	DW_CFA_advance_loc4                    // op1: 4-byte delta
	DW_CFA_offset_extended                 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                // op1: ULEB128 register
	DW_CFA_undefined                       // op1: ULEB128 register
	DW_CFA_same_value                      // op1: ULEB128 register
	DW_CFA_register                        // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                  // No ops
	DW_CFA_restore_state                   // No ops
	DW_CFA_def_cfa                         // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                // op1: ULEB128 register
	DW_CFA_def_cfa_offset                  // op1: ULEB128 offset
	DW_CFA_def_cfa_expression              // op1: BLOCK
	DW_CFA_expression                      // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf              // op1: ULEB128 register, op2: SLEB128 BLOCK
	DW_CFA_def_cfa_sf                      // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf               // op1: SLEB128 offset
	DW_CFA_val_offset                      // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                   // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                  // op1: ULEB128, op2: BLOCK
	DW_CFA_lo_user            = 0x1c       // op1: BLOCK
	DW_CFA_hi_user            = 0x3f       // op1: ULEB128 register, op2: BLOCK
	DW_CFA_advance_loc        = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset             = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore            = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleCFA // Value is rule.Reg + rule.Offset
)

var ruleNames = [...]string{
	RuleUndefined:     "undefined",
	RuleSameVal:       "same_value",
	RuleOffset:        "offset",
	RuleValOffset:     "val_offset",
	RuleRegister:      "register",
	RuleExpression:    "expression",
	RuleValExpression: "val_expression",
	RuleCFA:           "cfa",
}

func (r Rule) String() string {
	if int(r) < len(ruleNames) {
		return ruleNames[r]
	}
	return fmt.Sprintf("rule(%d)", byte(r))
}

// ErrTruncatedInstruction is returned when a CFA instruction is cut short
// by the end of its entry.
var ErrTruncatedInstruction = errors.New("truncated CFA instruction")

// UnknownInstructionError is returned for CFA opcodes the interpreter
// does not know.
type UnknownInstructionError struct {
	Opcode byte
}

func (err *UnknownInstructionError) Error() string {
	return fmt.Sprintf("unexpected DWARF CFA opcode %#x", err.Opcode)
}

const low_6_offset = 0x3f

type instruction func(frame *FrameContext) error

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:        advanceloc,
	DW_CFA_offset:             offset,
	DW_CFA_restore:            restore,
	DW_CFA_set_loc:            setloc,
	DW_CFA_advance_loc1:       advanceloc1,
	DW_CFA_advance_loc2:       advanceloc2,
	DW_CFA_advance_loc4:       advanceloc4,
	DW_CFA_offset_extended:    offsetextended,
	DW_CFA_restore_extended:   restoreextended,
	DW_CFA_undefined:          undefined,
	DW_CFA_same_value:         samevalue,
	DW_CFA_register:           register,
	DW_CFA_remember_state:     rememberstate,
	DW_CFA_restore_state:      restorestate,
	DW_CFA_def_cfa:            defcfa,
	DW_CFA_def_cfa_register:   defcfaregister,
	DW_CFA_def_cfa_offset:     defcfaoffset,
	DW_CFA_def_cfa_expression: defcfaexpression,
	DW_CFA_expression:         expression,
	DW_CFA_offset_extended_sf: offsetextendedsf,
	DW_CFA_def_cfa_sf:         defcfasf,
	DW_CFA_def_cfa_offset_sf:  defcfaoffsetsf,
	DW_CFA_val_offset:         valoffset,
	DW_CFA_val_offset_sf:      valoffsetsf,
	DW_CFA_val_expression:     valexpression,
}

func executeCIEInstructions(cie *CommonInformationEntry, order binary.ByteOrder, ptrSize int) (*FrameContext, error) {
	initialInstructions := make([]byte, len(cie.InitialInstructions))
	copy(initialInstructions, cie.InitialInstructions)
	frame := &FrameContext{
		cie:             cie,
		order:           order,
		ptrSize:         ptrSize,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		buf:             bytes.NewBuffer(initialInstructions),
		rememberedState: &stateStack{},
	}

	for frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return nil, fmt.Errorf("CIE initial instructions: %w", err)
		}
	}
	frame.initialRegs = cloneRegs(frame.Regs)
	return frame, nil
}

// buildTable runs the CIE initial instructions followed by the FDE
// instructions and returns every row they describe, ordered by Loc.
func buildTable(fde *FrameDescriptionEntry) ([]Row, error) {
	if fde.CIE == nil {
		return nil, fmt.Errorf("FDE at %#x has no CIE", fde.Begin())
	}
	frame, err := executeCIEInstructions(fde.CIE, fde.order, fde.ptrSize)
	if err != nil {
		return nil, err
	}
	frame.rows = nil
	frame.loc = fde.Begin()
	frame.buf.Reset()
	frame.buf.Write(fde.Instructions)

	for frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return nil, fmt.Errorf("FDE at %#x: %w", fde.Begin(), err)
		}
		if frame.loc >= fde.End() {
			break
		}
	}
	if frame.loc < fde.End() || len(frame.rows) == 0 {
		frame.emitRow()
	}
	return frame.rows, nil
}

// emitRow appends the rules in effect at the current location. It is
// called right before the location moves.
func (frame *FrameContext) emitRow() {
	frame.rows = append(frame.rows, Row{Loc: frame.loc, CFA: frame.CFA, Regs: cloneRegs(frame.Regs)})
}

func (frame *FrameContext) moveTo(loc uint64) {
	if loc == frame.loc {
		return
	}
	frame.emitRow()
	frame.loc = loc
}

func (frame *FrameContext) advance(delta uint64) {
	frame.moveTo(frame.loc + delta*frame.codeAlignment)
}

func cloneRegs(regs map[uint64]DWRule) map[uint64]DWRule {
	r := make(map[uint64]DWRule, len(regs))
	for k, v := range regs {
		r[k] = v
	}
	return r
}

func executeDwarfInstruction(frame *FrameContext) error {
	instruction, err := frame.buf.ReadByte()
	if err != nil {
		return ErrTruncatedInstruction
	}

	if instruction == DW_CFA_nop {
		return nil
	}

	fn, err := lookupFunc(instruction, frame.buf)
	if err != nil {
		return err
	}

	return fn(frame)
}

func lookupFunc(instruction byte, buf *bytes.Buffer) (instruction, error) {
	const high_2_bits = 0xc0
	var restore bool

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	switch instruction & high_2_bits {
	case DW_CFA_advance_loc:
		instruction = DW_CFA_advance_loc
		restore = true

	case DW_CFA_offset:
		instruction = DW_CFA_offset
		restore = true

	case DW_CFA_restore:
		instruction = DW_CFA_restore
		restore = true
	}

	if restore {
		// Restore the last byte as it actually contains the argument for the opcode.
		if err := buf.UnreadByte(); err != nil {
			return nil, err
		}
	}

	fn, ok := fnlookup[instruction]
	if !ok {
		return nil, &UnknownInstructionError{Opcode: instruction}
	}

	return fn, nil
}

func (frame *FrameContext) uleb() (uint64, error) {
	n, l := leb128.DecodeUnsigned(frame.buf)
	if l == 0 {
		return 0, ErrTruncatedInstruction
	}
	return n, nil
}

func (frame *FrameContext) sleb() (int64, error) {
	n, l := leb128.DecodeSigned(frame.buf)
	if l == 0 {
		return 0, ErrTruncatedInstruction
	}
	return n, nil
}

func (frame *FrameContext) fixed(size int) (uint64, error) {
	if frame.buf.Len() < size {
		return 0, ErrTruncatedInstruction
	}
	b := frame.buf.Next(size)
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(frame.order.Uint16(b)), nil
	case 4:
		return uint64(frame.order.Uint32(b)), nil
	case 8:
		return frame.order.Uint64(b), nil
	}
	return 0, fmt.Errorf("unsupported operand size %d", size)
}

func (frame *FrameContext) block() ([]byte, error) {
	l, err := frame.uleb()
	if err != nil {
		return nil, err
	}
	if uint64(frame.buf.Len()) < l {
		return nil, ErrTruncatedInstruction
	}
	return frame.buf.Next(int(l)), nil
}

func (frame *FrameContext) regOffset(signed bool) (uint64, int64, error) {
	reg, err := frame.uleb()
	if err != nil {
		return 0, 0, err
	}
	if signed {
		off, err := frame.sleb()
		return reg, off, err
	}
	off, err := frame.uleb()
	return reg, int64(off), err
}

func advanceloc(frame *FrameContext) error {
	b, _ := frame.buf.ReadByte()
	frame.advance(uint64(b & low_6_offset))
	return nil
}

func advanceloc1(frame *FrameContext) error {
	delta, err := frame.fixed(1)
	if err != nil {
		return err
	}
	frame.advance(delta)
	return nil
}

func advanceloc2(frame *FrameContext) error {
	delta, err := frame.fixed(2)
	if err != nil {
		return err
	}
	frame.advance(delta)
	return nil
}

func advanceloc4(frame *FrameContext) error {
	delta, err := frame.fixed(4)
	if err != nil {
		return err
	}
	frame.advance(delta)
	return nil
}

func setloc(frame *FrameContext) error {
	loc, err := frame.fixed(frame.ptrSize)
	if err != nil {
		return err
	}
	frame.moveTo(loc + frame.cie.staticBase)
	return nil
}

func offset(frame *FrameContext) error {
	b, _ := frame.buf.ReadByte()
	off, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[uint64(b&low_6_offset)] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

// restoreRule sets the rule of reg back to the one the CIE initial
// instructions established, or removes it if there was none.
func (frame *FrameContext) restoreRule(reg uint64) {
	if oldrule, ok := frame.initialRegs[reg]; ok {
		frame.Regs[reg] = oldrule
	} else {
		delete(frame.Regs, reg)
	}
}

func restore(frame *FrameContext) error {
	b, _ := frame.buf.ReadByte()
	frame.restoreRule(uint64(b & low_6_offset))
	return nil
}

func restoreextended(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.restoreRule(reg)
	return nil
}

func offsetextended(frame *FrameContext) error {
	reg, off, err := frame.regOffset(false)
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func offsetextendedsf(frame *FrameContext) error {
	reg, off, err := frame.regOffset(true)
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func undefined(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	return nil
}

func samevalue(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleSameVal}
	return nil
}

func register(frame *FrameContext) error {
	reg1, err := frame.uleb()
	if err != nil {
		return err
	}
	reg2, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
	return nil
}

func rememberstate(frame *FrameContext) error {
	frame.rememberedState.push(rowState{cfa: frame.CFA, regs: cloneRegs(frame.Regs)})
	return nil
}

func restorestate(frame *FrameContext) error {
	restored, ok := frame.rememberedState.pop()
	if !ok {
		return errors.New("DW_CFA_restore_state without DW_CFA_remember_state")
	}
	frame.CFA = restored.cfa
	frame.Regs = restored.regs
	return nil
}

func defcfa(frame *FrameContext) error {
	reg, off, err := frame.regOffset(false)
	if err != nil {
		return err
	}
	frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off}
	return nil
}

func defcfasf(frame *FrameContext) error {
	reg, off, err := frame.regOffset(true)
	if err != nil {
		return err
	}
	frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * frame.dataAlignment}
	return nil
}

func defcfaregister(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Expression = nil
	return nil
}

func defcfaoffset(frame *FrameContext) error {
	off, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.CFA.Offset = int64(off)
	return nil
}

func defcfaoffsetsf(frame *FrameContext) error {
	off, err := frame.sleb()
	if err != nil {
		return err
	}
	frame.CFA.Offset = off * frame.dataAlignment
	return nil
}

func defcfaexpression(frame *FrameContext) error {
	expr, err := frame.block()
	if err != nil {
		return err
	}
	frame.CFA = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func expression(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func valexpression(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
	return nil
}

func valoffset(frame *FrameContext) error {
	reg, off, err := frame.regOffset(false)
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valoffsetsf(frame *FrameContext) error {
	reg, off, err := frame.regOffset(true)
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}
