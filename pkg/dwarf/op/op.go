// Package op implements the DWARF expression stack machine used for
// variable locations, frame bases and CFI expression rules.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
	"github.com/debuda/riscdbg/pkg/logflags"
)

// Opcode represent a DWARF stack program instruction.
// See ./opcodes.go for a full list.
type Opcode byte

func (op Opcode) String() string {
	if name, ok := opcodeName[op]; ok {
		return name
	}
	return fmt.Sprintf("%#x", byte(op))
}

func fmtOpcodeName(prefix string, n Opcode) string {
	return fmt.Sprintf("%s%d", prefix, n)
}

type stackfn func(Opcode, *context) error

// Value is the result of an expression: an integer, or raw bytes for
// implicit values and composite locations.
type Value struct {
	Int   int64
	Bytes []byte
}

// IsBytes returns true if the value is a byte sequence.
func (v *Value) IsBytes() bool {
	return v.Bytes != nil
}

// PieceKind is where one piece of a composite location lives.
type PieceKind uint8

const (
	PieceAddr PieceKind = iota
	PieceRegister
	PieceValue
	PieceImplicit
)

// Piece is a piece of a composite location (DW_OP_piece).
type Piece struct {
	Size   int
	Kind   PieceKind
	Addr   uint64
	RegNum uint64
	Value  int64
	Bytes  []byte
}

type locKind uint8

const (
	locMemory locKind = iota
	locRegister
	locValue
	locImplicit
)

type entry struct {
	v   int64
	typ *BaseType // nil is the generic type
}

type context struct {
	*Context
	instructions []byte
	buf          *bytes.Reader
	stack        []entry
	pieces       []Piece

	loc      locKind
	regNum   uint64
	regVal   uint64
	implicit []byte
}

var oplut = map[Opcode]stackfn{
	DW_OP_addr:           addr,
	DW_OP_deref:          deref,
	DW_OP_const1u:        constn,
	DW_OP_const1s:        constn,
	DW_OP_const2u:        constn,
	DW_OP_const2s:        constn,
	DW_OP_const4u:        constn,
	DW_OP_const4s:        constn,
	DW_OP_const8u:        constn,
	DW_OP_const8s:        constn,
	DW_OP_constu:         constu,
	DW_OP_consts:         consts,
	DW_OP_dup:            dup,
	DW_OP_drop:           drop,
	DW_OP_over:           pick,
	DW_OP_pick:           pick,
	DW_OP_swap:           swap,
	DW_OP_rot:            rot,
	DW_OP_abs:            unaryop,
	DW_OP_neg:            unaryop,
	DW_OP_not:            unaryop,
	DW_OP_and:            binaryop,
	DW_OP_div:            binaryop,
	DW_OP_minus:          binaryop,
	DW_OP_mod:            binaryop,
	DW_OP_mul:            binaryop,
	DW_OP_or:             binaryop,
	DW_OP_plus:           binaryop,
	DW_OP_shl:            binaryop,
	DW_OP_shr:            binaryop,
	DW_OP_shra:           binaryop,
	DW_OP_xor:            binaryop,
	DW_OP_eq:             binaryop,
	DW_OP_ge:             binaryop,
	DW_OP_gt:             binaryop,
	DW_OP_le:             binaryop,
	DW_OP_lt:             binaryop,
	DW_OP_ne:             binaryop,
	DW_OP_plus_uconst:    plusuconst,
	DW_OP_bra:            branch,
	DW_OP_skip:           branch,
	DW_OP_regx:           register,
	DW_OP_fbreg:          framebase,
	DW_OP_bregx:          bregister,
	DW_OP_piece:          piece,
	DW_OP_deref_size:     deref,
	DW_OP_nop:            nop,
	DW_OP_GNU_uninit:     nop,
	DW_OP_call_frame_cfa: callframecfa,
	DW_OP_implicit_value: implicitvalue,
	DW_OP_stack_value:    stackvalue,
	DW_OP_const_type:     consttype,
	DW_OP_regval_type:    regvaltype,
	DW_OP_deref_type:     deref,
	DW_OP_convert:        convert,
	DW_OP_reinterpret:    convert,
}

const (
	// maxSteps bounds the number of operations a single expression may
	// execute, backward branches can otherwise loop forever.
	maxSteps = 1 << 16
	// maxPieceSize bounds the size operand of DW_OP_piece.
	maxPieceSize = 1 << 16
)

func init() {
	for i := Opcode(0); i <= 31; i++ {
		oplut[DW_OP_lit0+i] = literal
		oplut[DW_OP_reg0+i] = register
		oplut[DW_OP_breg0+i] = bregister
	}
}

// ExecuteStackProgram executes a DWARF expression.
// When isAddress is true v.Int is the address of the described object,
// otherwise v is the object's value (a register content, a
// DW_OP_stack_value result, an implicit value or the bytes of a composite
// location).
// Evaluation stops at the first error, no partial result is returned.
func ExecuteStackProgram(ctxt Context, instructions []byte) (isAddress bool, v Value, err error) {
	c := &context{
		Context:      &ctxt,
		instructions: instructions,
		buf:          bytes.NewReader(instructions),
		stack:        make([]entry, 0, 3),
	}

	for steps := 0; c.buf.Len() > 0; steps++ {
		if steps >= maxSteps {
			return false, Value{}, ErrStepLimit
		}
		off := len(instructions) - c.buf.Len()
		opcodeByte, _ := c.buf.ReadByte()
		opcode := Opcode(opcodeByte)
		if c.loc != locMemory && opcode != DW_OP_piece {
			return false, Value{}, ErrNotTerminated
		}
		fn, ok := oplut[opcode]
		if !ok {
			return false, Value{}, &UnsupportedOpcodeError{Op: opcode, Offset: off}
		}
		if err := fn(opcode, c); err != nil {
			return false, Value{}, fmt.Errorf("%s at offset %d: %w", opcode, off, err)
		}
	}

	if c.pieces != nil {
		if c.loc != locMemory || len(c.stack) != 0 {
			return false, Value{}, ErrNotTerminated
		}
		b, err := c.assemblePieces()
		if err != nil {
			return false, Value{}, err
		}
		return false, Value{Bytes: b}, nil
	}

	switch c.loc {
	case locRegister:
		return false, Value{Int: int64(c.regVal)}, nil
	case locImplicit:
		return false, Value{Bytes: c.implicit}, nil
	case locValue:
		return false, Value{Int: c.stack[len(c.stack)-1].v}, nil
	}

	if len(c.stack) == 0 {
		return false, Value{}, ErrEmptyStack
	}
	return true, Value{Int: c.stack[len(c.stack)-1].v}, nil
}

// Evaluate executes instructions like ExecuteStackProgram but fails
// closed: on any error it logs a diagnostic and returns (false, nil).
func Evaluate(ctxt Context, instructions []byte) (bool, *Value) {
	isAddress, v, err := ExecuteStackProgram(ctxt, instructions)
	if err != nil {
		logger := logflags.DwarfOpLogger().WithError(err)
		var unsupported *UnsupportedOpcodeError
		if errors.As(err, &unsupported) {
			logger.Warnf("could not evaluate %s", Disassemble(instructions))
		} else {
			logger.Debugf("could not evaluate %s", Disassemble(instructions))
		}
		return false, nil
	}
	return isAddress, &v
}

func (c *context) need(opcode Opcode, n int) error {
	if len(c.stack) < n {
		return &InsufficientStackError{Op: opcode, Need: n, Have: len(c.stack)}
	}
	return nil
}

func (c *context) push(v int64) {
	c.stack = append(c.stack, entry{v: v})
}

func (c *context) pop() entry {
	e := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return e
}

func (c *context) uleb() (uint64, error) {
	n, l := leb128.DecodeUnsigned(c.buf)
	if l == 0 {
		return 0, ErrTruncated
	}
	return n, nil
}

func (c *context) sleb() (int64, error) {
	n, l := leb128.DecodeSigned(c.buf)
	if l == 0 {
		return 0, ErrTruncated
	}
	return n, nil
}

func (c *context) fixed(size int) (uint64, error) {
	var b [8]byte
	if size > 8 || c.buf.Len() < size {
		return 0, ErrTruncated
	}
	io.ReadFull(c.buf, b[:size])
	return decodeUint(b[:size], c.byteOrder()), nil
}

func decodeUint(b []byte, order binary.ByteOrder) uint64 {
	var v uint64
	if order == binary.BigEndian {
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
		return v
	}
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (c *context) frame() (Frame, error) {
	if c.Frame == nil {
		return nil, ErrNoFrame
	}
	return c.Frame, nil
}

func (c *context) readRegister(reg uint64) (uint64, error) {
	f, err := c.frame()
	if err != nil {
		return 0, err
	}
	v, ok := f.ReadRegister(reg)
	if !ok {
		return 0, &UnknownRegisterError{Reg: reg}
	}
	return v, nil
}

func (c *context) resolveType(off uint64) (*BaseType, error) {
	if off == 0 {
		return nil, nil
	}
	if c.Types == nil {
		return nil, ErrNoTypes
	}
	t, ok := c.Types.ResolveBaseType(off)
	if !ok || t.Size <= 0 || t.Size > 8 {
		return nil, fmt.Errorf("could not resolve base type at %#x", off)
	}
	return &t, nil
}

// normalize truncates v to the size of typ and extends it back to 64 bits
// according to its signedness.
func normalize(v int64, typ *BaseType) int64 {
	if typ == nil || typ.Size >= 8 {
		return v
	}
	bits := uint(typ.Size * 8)
	if typ.Signed {
		return v << (64 - bits) >> (64 - bits)
	}
	return int64(uint64(v) & (1<<bits - 1))
}

func isUnsigned(a, b entry) bool {
	return (a.typ != nil && !a.typ.Signed) || (b.typ != nil && !b.typ.Signed)
}

func resultType(a, b entry) *BaseType {
	if a.typ != nil {
		return a.typ
	}
	return b.typ
}

func callframecfa(opcode Opcode, c *context) error {
	if !c.HasCFA {
		return ErrNoCFA
	}
	c.push(int64(c.CFA))
	return nil
}

func addr(opcode Opcode, c *context) error {
	v, err := c.fixed(c.ptrSize())
	if err != nil {
		return err
	}
	c.push(int64(v + c.StaticBase))
	return nil
}

func deref(opcode Opcode, c *context) error {
	size := c.ptrSize()
	var typ *BaseType
	switch opcode {
	case DW_OP_deref_size, DW_OP_deref_type:
		n, err := c.fixed(1)
		if err != nil {
			return err
		}
		size = int(n)
		if opcode == DW_OP_deref_type {
			off, err := c.uleb()
			if err != nil {
				return err
			}
			if typ, err = c.resolveType(off); err != nil {
				return err
			}
		}
	}
	if size <= 0 || size > 8 {
		return fmt.Errorf("invalid dereference size %d", size)
	}
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	f, err := c.frame()
	if err != nil {
		return err
	}
	a := c.pop()
	data, err := f.ReadMemory(uint64(a.v), size)
	if err != nil {
		return err
	}
	if len(data) < size {
		return fmt.Errorf("short read at %#x", uint64(a.v))
	}
	v := int64(decodeUint(data[:size], c.byteOrder()))
	c.stack = append(c.stack, entry{v: normalize(v, typ), typ: typ})
	return nil
}

func constn(opcode Opcode, c *context) error {
	var size int
	switch opcode {
	case DW_OP_const1u, DW_OP_const1s:
		size = 1
	case DW_OP_const2u, DW_OP_const2s:
		size = 2
	case DW_OP_const4u, DW_OP_const4s:
		size = 4
	default:
		size = 8
	}
	v, err := c.fixed(size)
	if err != nil {
		return err
	}
	switch opcode {
	case DW_OP_const1s, DW_OP_const2s, DW_OP_const4s, DW_OP_const8s:
		c.push(normalize(int64(v), &BaseType{Size: size, Signed: true}))
	default:
		c.push(int64(v))
	}
	return nil
}

func constu(opcode Opcode, c *context) error {
	n, err := c.uleb()
	if err != nil {
		return err
	}
	c.push(int64(n))
	return nil
}

func consts(opcode Opcode, c *context) error {
	n, err := c.sleb()
	if err != nil {
		return err
	}
	c.push(n)
	return nil
}

func literal(opcode Opcode, c *context) error {
	c.push(int64(opcode - DW_OP_lit0))
	return nil
}

func dup(opcode Opcode, c *context) error {
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	c.stack = append(c.stack, c.stack[len(c.stack)-1])
	return nil
}

func drop(opcode Opcode, c *context) error {
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	c.pop()
	return nil
}

func pick(opcode Opcode, c *context) error {
	idx := 1
	if opcode == DW_OP_pick {
		n, err := c.fixed(1)
		if err != nil {
			return err
		}
		idx = int(n)
	}
	if err := c.need(opcode, idx+1); err != nil {
		return err
	}
	c.stack = append(c.stack, c.stack[len(c.stack)-1-idx])
	return nil
}

func swap(opcode Opcode, c *context) error {
	if err := c.need(opcode, 2); err != nil {
		return err
	}
	n := len(c.stack)
	c.stack[n-1], c.stack[n-2] = c.stack[n-2], c.stack[n-1]
	return nil
}

// rot moves the top entry to third position, the second and third
// entries move up by one.
func rot(opcode Opcode, c *context) error {
	if err := c.need(opcode, 3); err != nil {
		return err
	}
	n := len(c.stack)
	c.stack[n-1], c.stack[n-2], c.stack[n-3] = c.stack[n-2], c.stack[n-3], c.stack[n-1]
	return nil
}

func unaryop(opcode Opcode, c *context) error {
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	e := c.pop()
	switch opcode {
	case DW_OP_abs:
		if e.v < 0 && (e.typ == nil || e.typ.Signed) {
			e.v = -e.v
		}
	case DW_OP_neg:
		e.v = -e.v
	case DW_OP_not:
		e.v = ^e.v
	}
	e.v = normalize(e.v, e.typ)
	c.stack = append(c.stack, e)
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// binaryop pops the top two entries, b on top of a, and pushes a op b.
// Division, modulo, right shift and comparisons are unsigned when either
// operand has an unsigned base type, signed otherwise.
func binaryop(opcode Opcode, c *context) error {
	if err := c.need(opcode, 2); err != nil {
		return err
	}
	b := c.pop()
	a := c.pop()
	unsigned := isUnsigned(a, b)
	typ := resultType(a, b)
	var r int64

	switch opcode {
	case DW_OP_and:
		r = a.v & b.v
	case DW_OP_or:
		r = a.v | b.v
	case DW_OP_xor:
		r = a.v ^ b.v
	case DW_OP_plus:
		r = a.v + b.v
	case DW_OP_minus:
		r = a.v - b.v
	case DW_OP_mul:
		r = a.v * b.v
	case DW_OP_div, DW_OP_mod:
		if b.v == 0 {
			return ErrDivideByZero
		}
		switch {
		case unsigned && opcode == DW_OP_div:
			r = int64(uint64(a.v) / uint64(b.v))
		case unsigned:
			r = int64(uint64(a.v) % uint64(b.v))
		case opcode == DW_OP_div:
			r = a.v / b.v
		default:
			r = a.v % b.v
		}
	case DW_OP_shl:
		if uint64(b.v) >= 64 {
			r = 0
		} else {
			r = a.v << uint64(b.v)
		}
	case DW_OP_shr:
		v := uint64(a.v)
		if typ != nil && typ.Size < 8 {
			v &= 1<<uint(typ.Size*8) - 1
		}
		if uint64(b.v) >= 64 {
			r = 0
		} else {
			r = int64(v >> uint64(b.v))
		}
	case DW_OP_shra:
		// Arithmetic shift rounds towards negative infinity, which is
		// floor division by 2^n.
		if uint64(b.v) >= 64 {
			if a.v < 0 {
				r = -1
			} else {
				r = 0
			}
		} else {
			r = a.v >> uint64(b.v)
		}
	case DW_OP_eq:
		r = boolToInt(a.v == b.v)
	case DW_OP_ne:
		r = boolToInt(a.v != b.v)
	case DW_OP_ge, DW_OP_gt, DW_OP_le, DW_OP_lt:
		cmp := compare(a.v, b.v, unsigned)
		switch opcode {
		case DW_OP_ge:
			r = boolToInt(cmp >= 0)
		case DW_OP_gt:
			r = boolToInt(cmp > 0)
		case DW_OP_le:
			r = boolToInt(cmp <= 0)
		case DW_OP_lt:
			r = boolToInt(cmp < 0)
		}
		c.push(r)
		return nil
	}

	c.stack = append(c.stack, entry{v: normalize(r, typ), typ: typ})
	return nil
}

func compare(a, b int64, unsigned bool) int {
	if unsigned {
		switch {
		case uint64(a) < uint64(b):
			return -1
		case uint64(a) > uint64(b):
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func plusuconst(opcode Opcode, c *context) error {
	num, err := c.uleb()
	if err != nil {
		return err
	}
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	top := &c.stack[len(c.stack)-1]
	top.v = normalize(top.v+int64(num), top.typ)
	return nil
}

func branch(opcode Opcode, c *context) error {
	off, err := c.fixed(2)
	if err != nil {
		return err
	}
	if opcode == DW_OP_bra {
		if err := c.need(opcode, 1); err != nil {
			return err
		}
		if c.pop().v == 0 {
			return nil
		}
	}
	target := len(c.instructions) - c.buf.Len() + int(int16(off))
	if target < 0 || target > len(c.instructions) {
		return ErrBadBranch
	}
	c.buf.Seek(int64(target), io.SeekStart)
	return nil
}

func register(opcode Opcode, c *context) error {
	reg := uint64(opcode - DW_OP_reg0)
	if opcode == DW_OP_regx {
		n, err := c.uleb()
		if err != nil {
			return err
		}
		reg = n
	}
	v, err := c.readRegister(reg)
	if err != nil {
		return err
	}
	c.loc = locRegister
	c.regNum = reg
	c.regVal = v
	return nil
}

func bregister(opcode Opcode, c *context) error {
	reg := uint64(opcode - DW_OP_breg0)
	if opcode == DW_OP_bregx {
		n, err := c.uleb()
		if err != nil {
			return err
		}
		reg = n
	}
	off, err := c.sleb()
	if err != nil {
		return err
	}
	v, err := c.readRegister(reg)
	if err != nil {
		return err
	}
	c.push(int64(v) + off)
	return nil
}

func framebase(opcode Opcode, c *context) error {
	off, err := c.sleb()
	if err != nil {
		return err
	}
	if !c.HasFrameBase {
		return ErrNoFrameBase
	}
	c.push(c.FrameBase + off)
	return nil
}

func nop(opcode Opcode, c *context) error {
	return nil
}

func implicitvalue(opcode Opcode, c *context) error {
	sz, err := c.uleb()
	if err != nil {
		return err
	}
	if uint64(c.buf.Len()) < sz {
		return ErrTruncated
	}
	data := make([]byte, sz)
	io.ReadFull(c.buf, data)
	c.loc = locImplicit
	c.implicit = data
	return nil
}

func stackvalue(opcode Opcode, c *context) error {
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	c.loc = locValue
	return nil
}

func consttype(opcode Opcode, c *context) error {
	off, err := c.uleb()
	if err != nil {
		return err
	}
	sz, err := c.fixed(1)
	if err != nil {
		return err
	}
	v, err := c.fixed(int(sz))
	if err != nil {
		return err
	}
	typ, err := c.resolveType(off)
	if err != nil {
		return err
	}
	if typ == nil {
		return ErrNoTypes
	}
	c.stack = append(c.stack, entry{v: normalize(int64(v), typ), typ: typ})
	return nil
}

func regvaltype(opcode Opcode, c *context) error {
	reg, err := c.uleb()
	if err != nil {
		return err
	}
	off, err := c.uleb()
	if err != nil {
		return err
	}
	typ, err := c.resolveType(off)
	if err != nil {
		return err
	}
	if typ == nil {
		return ErrNoTypes
	}
	v, err := c.readRegister(reg)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, entry{v: normalize(int64(v), typ), typ: typ})
	return nil
}

// convert implements both DW_OP_convert and DW_OP_reinterpret. Entries
// are integers, so converting and reinterpreting the bits are the same
// truncate-and-extend operation.
func convert(opcode Opcode, c *context) error {
	off, err := c.uleb()
	if err != nil {
		return err
	}
	if off != 0 && c.Types == nil {
		return ErrNoTypes
	}
	typ, err := c.resolveType(off)
	if err != nil {
		return err
	}
	if err := c.need(opcode, 1); err != nil {
		return err
	}
	e := c.pop()
	c.stack = append(c.stack, entry{v: normalize(e.v, typ), typ: typ})
	return nil
}

func piece(opcode Opcode, c *context) error {
	sz, err := c.uleb()
	if err != nil {
		return err
	}
	if sz > maxPieceSize {
		return fmt.Errorf("invalid piece size %d", sz)
	}
	p := Piece{Size: int(sz)}

	switch c.loc {
	case locRegister:
		p.Kind = PieceRegister
		p.RegNum = c.regNum
		p.Value = int64(c.regVal)
	case locValue:
		p.Kind = PieceValue
		p.Value = c.pop().v
	case locImplicit:
		p.Kind = PieceImplicit
		p.Bytes = c.implicit
	default:
		if len(c.stack) == 0 {
			// The piece is optimized out.
			return ErrEmptyStack
		}
		p.Kind = PieceAddr
		p.Addr = uint64(c.pop().v)
	}

	c.loc = locMemory
	c.stack = c.stack[:0]
	c.pieces = append(c.pieces, p)
	return nil
}

func (c *context) assemblePieces() ([]byte, error) {
	var out []byte
	for _, p := range c.pieces {
		switch p.Kind {
		case PieceAddr:
			f, err := c.frame()
			if err != nil {
				return nil, err
			}
			data, err := f.ReadMemory(p.Addr, p.Size)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		case PieceImplicit:
			b := make([]byte, p.Size)
			copy(b, p.Bytes)
			out = append(out, b...)
		default:
			var b [8]byte
			c.byteOrder().PutUint64(b[:], uint64(p.Value))
			chunk := make([]byte, p.Size)
			if c.byteOrder() == binary.BigEndian {
				copy(chunk, b[8-min(p.Size, 8):])
			} else {
				copy(chunk, b[:min(p.Size, 8)])
			}
			out = append(out, chunk...)
		}
	}
	return out, nil
}

// Disassemble returns the DWARF stack program instructions as text.
func Disassemble(instructions []byte) string {
	var buf strings.Builder
	PrettyPrint(&buf, instructions)
	return strings.TrimSpace(buf.String())
}

// PrettyPrint prints the DWARF stack program instructions to `out`.
func PrettyPrint(out io.Writer, instructions []byte) {
	in := bytes.NewBuffer(instructions)

	for {
		opcode, err := in.ReadByte()
		if err != nil {
			break
		}
		io.WriteString(out, Opcode(opcode).String())
		out.Write([]byte{' '})
		for _, arg := range opcodeArgs[Opcode(opcode)] {
			switch arg {
			case 's':
				n, _ := leb128.DecodeSigned(in)
				fmt.Fprintf(out, "%#x ", n)
			case 'u':
				n, _ := leb128.DecodeUnsigned(in)
				fmt.Fprintf(out, "%#x ", n)
			case '1':
				var x uint8
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case '2':
				var x uint16
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case '4', 'a':
				var x uint32
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case '8':
				var x uint64
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case 'B', 'b':
				var sz uint64
				if arg == 'B' {
					sz, _ = leb128.DecodeUnsigned(in)
				} else {
					b, _ := in.ReadByte()
					sz = uint64(b)
				}
				if sz > uint64(in.Len()) {
					sz = uint64(in.Len())
				}
				data := make([]byte, sz)
				sz2, _ := in.Read(data)
				data = data[:sz2]
				fmt.Fprintf(out, "%d [%x] ", sz, data)
			}
		}
	}
}
