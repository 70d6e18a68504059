package op

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame gives an expression access to the registers and memory of the
// stack frame it is evaluated in.
type Frame interface {
	// ReadRegister returns the value of DWARF register regnum, false if
	// the value is not known in this frame.
	ReadRegister(regnum uint64) (uint64, bool)
	// ReadMemory reads size bytes at addr.
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// BaseType is the part of a DWARF base type typed stack operations need.
type BaseType struct {
	Size   int
	Signed bool
}

// TypeResolver maps the DIE offset operand of DW_OP_const_type,
// DW_OP_regval_type, DW_OP_deref_type, DW_OP_convert and DW_OP_reinterpret
// to a base type.
type TypeResolver interface {
	ResolveBaseType(off uint64) (BaseType, bool)
}

// Context holds everything an expression may need besides its bytes.
// The zero value evaluates expressions that only use literals,
// arithmetic and stack manipulation.
type Context struct {
	// Frame is nil when no register or memory context is available.
	Frame Frame

	CFA    uint64
	HasCFA bool

	FrameBase    int64
	HasFrameBase bool

	StaticBase uint64

	// PtrSize is the size of an address on the target, 4 when unset.
	PtrSize   int
	ByteOrder binary.ByteOrder

	Types TypeResolver
}

// WithCFA returns a copy of ctxt with the canonical frame address set.
func (ctxt Context) WithCFA(cfa uint64) Context {
	ctxt.CFA = cfa
	ctxt.HasCFA = true
	return ctxt
}

// WithFrameBase returns a copy of ctxt with the frame base set.
func (ctxt Context) WithFrameBase(fb int64) Context {
	ctxt.FrameBase = fb
	ctxt.HasFrameBase = true
	return ctxt
}

func (ctxt *Context) ptrSize() int {
	if ctxt.PtrSize <= 0 {
		return 4
	}
	return ctxt.PtrSize
}

func (ctxt *Context) byteOrder() binary.ByteOrder {
	if ctxt.ByteOrder == nil {
		return binary.LittleEndian
	}
	return ctxt.ByteOrder
}

// Errors returned by ExecuteStackProgram.
var (
	ErrNoFrame       = errors.New("expression needs a frame but none is available")
	ErrNoCFA         = errors.New("could not retrieve CFA for current PC")
	ErrNoFrameBase   = errors.New("expression needs a frame base but none is available")
	ErrNoTypes       = errors.New("typed operation without a type resolver")
	ErrDivideByZero  = errors.New("division by zero")
	ErrEmptyStack    = errors.New("empty OP stack")
	ErrTruncated     = errors.New("truncated expression")
	ErrBadBranch     = errors.New("branch target outside of expression")
	ErrNotTerminated = errors.New("location description must end the expression")
	ErrStepLimit     = errors.New("expression executed too many operations")
)

// InsufficientStackError is returned when an opcode pops more entries
// than the operand stack holds.
type InsufficientStackError struct {
	Op   Opcode
	Need int
	Have int
}

func (err *InsufficientStackError) Error() string {
	return fmt.Sprintf("%s needs %d stack entries, have %d", err.Op, err.Need, err.Have)
}

// UnsupportedOpcodeError is returned for opcodes the evaluator does not
// implement, either because they are unknown or because they need a
// capability (address spaces, TLS, debug_addr) the target does not have.
type UnsupportedOpcodeError struct {
	Op     Opcode
	Offset int
}

func (err *UnsupportedOpcodeError) Error() string {
	return fmt.Sprintf("unsupported opcode %s at offset %d", err.Op, err.Offset)
}

// UnknownRegisterError is returned when a register operation reads a
// register whose value is not known in the current frame.
type UnknownRegisterError struct {
	Reg uint64
}

func (err *UnknownRegisterError) Error() string {
	return fmt.Sprintf("value of register %d is unknown", err.Reg)
}
