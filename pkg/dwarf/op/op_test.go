package op

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
)

type fakeFrame struct {
	regs map[uint64]uint64
	mem  map[uint64]byte
}

func (f *fakeFrame) ReadRegister(regnum uint64) (uint64, bool) {
	v, ok := f.regs[regnum]
	return v, ok
}

func (f *fakeFrame) ReadMemory(addr uint64, size int) ([]byte, error) {
	out := make([]byte, size)
	for i := range out {
		b, ok := f.mem[addr+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("unmapped address %#x", addr+uint64(i))
		}
		out[i] = b
	}
	return out, nil
}

func (f *fakeFrame) poke32(addr uint64, v uint32) {
	if f.mem == nil {
		f.mem = map[uint64]byte{}
	}
	for i := 0; i < 4; i++ {
		f.mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

type fakeTypes map[uint64]BaseType

func (t fakeTypes) ResolveBaseType(off uint64) (BaseType, bool) {
	bt, ok := t[off]
	return bt, ok
}

func prog(parts ...interface{}) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		switch x := p.(type) {
		case Opcode:
			buf.WriteByte(byte(x))
		case byte:
			buf.WriteByte(x)
		case []byte:
			buf.Write(x)
		case uleb:
			leb128.EncodeUnsigned(&buf, uint64(x))
		case sleb:
			leb128.EncodeSigned(&buf, int64(x))
		default:
			panic(fmt.Sprintf("unsupported program part %T", p))
		}
	}
	return buf.Bytes()
}

type uleb uint64
type sleb int64

func exec(t *testing.T, ctxt Context, instr []byte) (bool, Value) {
	t.Helper()
	isAddr, v, err := ExecuteStackProgram(ctxt, instr)
	require.NoError(t, err, Disassemble(instr))
	return isAddr, v
}

func TestLiterals(t *testing.T) {
	for i := 0; i <= 31; i++ {
		isAddr, v := exec(t, Context{}, prog(DW_OP_lit0+Opcode(i), DW_OP_stack_value))
		assert.False(t, isAddr)
		assert.Equal(t, int64(i), v.Int)
	}
}

func TestConstants(t *testing.T) {
	tests := []struct {
		instr []byte
		want  int64
	}{
		{prog(DW_OP_const1u, byte(0xff)), 0xff},
		{prog(DW_OP_const1s, byte(0xff)), -1},
		{prog(DW_OP_const2u, []byte{0x34, 0x12}), 0x1234},
		{prog(DW_OP_const2s, []byte{0xfe, 0xff}), -2},
		{prog(DW_OP_const4u, []byte{0x78, 0x56, 0x34, 0x12}), 0x12345678},
		{prog(DW_OP_const4s, []byte{0xfd, 0xff, 0xff, 0xff}), -3},
		{prog(DW_OP_const8u, []byte{1, 0, 0, 0, 0, 0, 0, 0}), 1},
		{prog(DW_OP_constu, uleb(624485)), 624485},
		{prog(DW_OP_consts, sleb(-123456)), -123456},
	}
	for _, tc := range tests {
		isAddr, v := exec(t, Context{}, tc.instr)
		assert.True(t, isAddr)
		assert.Equal(t, tc.want, v.Int, Disassemble(tc.instr))
	}
}

func TestAddrAddsStaticBase(t *testing.T) {
	_, v := exec(t, Context{StaticBase: 0x1000}, prog(DW_OP_addr, []byte{0x00, 0x20, 0x00, 0x00}))
	assert.Equal(t, int64(0x3000), v.Int)
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		a, b int64
		op   Opcode
		want int64
	}{
		{"plus", 5, 3, DW_OP_plus, 8},
		{"minus", 5, 7, DW_OP_minus, -2},
		{"mul", -4, 3, DW_OP_mul, -12},
		{"div", -7, 2, DW_OP_div, -3},
		{"mod", -7, 2, DW_OP_mod, -1},
		{"and", 0xf0, 0x3c, DW_OP_and, 0x30},
		{"or", 0xf0, 0x0f, DW_OP_or, 0xff},
		{"xor", 0xff, 0x0f, DW_OP_xor, 0xf0},
		{"shl", 1, 4, DW_OP_shl, 16},
		{"shr", -1, 60, DW_OP_shr, 0xf},
		{"shra", -7, 1, DW_OP_shra, -4},
		{"shra-positive", 7, 1, DW_OP_shra, 3},
		{"eq", 3, 3, DW_OP_eq, 1},
		{"ne", 3, 3, DW_OP_ne, 0},
		{"lt", -1, 0, DW_OP_lt, 1},
		{"gt", -1, 0, DW_OP_gt, 0},
		{"le", 2, 2, DW_OP_le, 1},
		{"ge", 1, 2, DW_OP_ge, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			instr := prog(DW_OP_consts, sleb(tc.a), DW_OP_consts, sleb(tc.b), tc.op, DW_OP_stack_value)
			_, v := exec(t, Context{}, instr)
			assert.Equal(t, tc.want, v.Int)
		})
	}
}

func TestUnary(t *testing.T) {
	_, v := exec(t, Context{}, prog(DW_OP_consts, sleb(-9), DW_OP_abs, DW_OP_stack_value))
	assert.Equal(t, int64(9), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit5, DW_OP_neg, DW_OP_stack_value))
	assert.Equal(t, int64(-5), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit0, DW_OP_not, DW_OP_stack_value))
	assert.Equal(t, int64(-1), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit1, DW_OP_plus_uconst, uleb(41), DW_OP_stack_value))
	assert.Equal(t, int64(42), v.Int)
}

func TestDivideByZero(t *testing.T) {
	for _, opcode := range []Opcode{DW_OP_div, DW_OP_mod} {
		_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_lit1, DW_OP_lit0, opcode))
		assert.True(t, errors.Is(err, ErrDivideByZero), "%s: %v", opcode, err)
	}
}

func TestStackManipulation(t *testing.T) {
	// 1 2 3 rot -> 3 1 2
	_, v := exec(t, Context{}, prog(DW_OP_lit1, DW_OP_lit2, DW_OP_lit3, DW_OP_rot, DW_OP_stack_value))
	assert.Equal(t, int64(2), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit1, DW_OP_lit2, DW_OP_lit3, DW_OP_rot, DW_OP_drop, DW_OP_drop, DW_OP_stack_value))
	assert.Equal(t, int64(3), v.Int)

	_, v = exec(t, Context{}, prog(DW_OP_lit1, DW_OP_lit2, DW_OP_swap, DW_OP_stack_value))
	assert.Equal(t, int64(1), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit1, DW_OP_lit2, DW_OP_over, DW_OP_stack_value))
	assert.Equal(t, int64(1), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit7, DW_OP_lit8, DW_OP_lit9, DW_OP_pick, byte(2), DW_OP_stack_value))
	assert.Equal(t, int64(7), v.Int)
	_, v = exec(t, Context{}, prog(DW_OP_lit4, DW_OP_dup, DW_OP_mul, DW_OP_stack_value))
	assert.Equal(t, int64(16), v.Int)
}

func TestStackUnderflow(t *testing.T) {
	needs := map[Opcode]int{
		DW_OP_dup: 1, DW_OP_drop: 1, DW_OP_over: 2, DW_OP_swap: 2, DW_OP_rot: 3,
		DW_OP_abs: 1, DW_OP_neg: 1, DW_OP_not: 1,
		DW_OP_and: 2, DW_OP_or: 2, DW_OP_xor: 2, DW_OP_plus: 2, DW_OP_minus: 2,
		DW_OP_mul: 2, DW_OP_div: 2, DW_OP_mod: 2, DW_OP_shl: 2, DW_OP_shr: 2,
		DW_OP_shra: 2, DW_OP_eq: 2, DW_OP_ne: 2, DW_OP_lt: 2, DW_OP_gt: 2,
		DW_OP_le: 2, DW_OP_ge: 2, DW_OP_deref: 1, DW_OP_stack_value: 1,
	}
	for opcode, need := range needs {
		for have := 0; have < need; have++ {
			var instr []byte
			for i := 0; i < have; i++ {
				instr = append(instr, byte(DW_OP_lit1))
			}
			instr = append(instr, byte(opcode))
			_, _, err := ExecuteStackProgram(Context{Frame: &fakeFrame{}}, instr)
			var underflow *InsufficientStackError
			require.True(t, errors.As(err, &underflow), "%s with %d entries: %v", opcode, have, err)
			assert.Equal(t, need, underflow.Need)
			assert.Equal(t, have, underflow.Have)
		}
	}
}

func TestBranch(t *testing.T) {
	// if 0 != 0 { 1 } else { 2 }
	instr := prog(DW_OP_lit0, DW_OP_bra, []byte{4, 0}, DW_OP_lit2, DW_OP_skip, []byte{1, 0}, DW_OP_lit1, DW_OP_stack_value)
	_, v := exec(t, Context{}, instr)
	assert.Equal(t, int64(2), v.Int)

	instr[0] = byte(DW_OP_lit1)
	_, v = exec(t, Context{}, instr)
	assert.Equal(t, int64(1), v.Int)

	_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_skip, []byte{0x10, 0}))
	assert.True(t, errors.Is(err, ErrBadBranch))
	_, _, err = ExecuteStackProgram(Context{}, prog(DW_OP_skip, []byte{0xf0, 0xff}))
	assert.True(t, errors.Is(err, ErrBadBranch))
}

func TestBackwardBranchLoop(t *testing.T) {
	for _, instr := range [][]byte{
		prog(DW_OP_skip, []byte{0xfd, 0xff}),
		prog(DW_OP_lit1, DW_OP_bra, []byte{0xfc, 0xff}),
	} {
		_, _, err := ExecuteStackProgram(Context{}, instr)
		assert.True(t, errors.Is(err, ErrStepLimit), "%s: %v", Disassemble(instr), err)

		isAddr, v := Evaluate(Context{}, instr)
		assert.False(t, isAddr)
		assert.Nil(t, v)
	}
}

func TestRegisters(t *testing.T) {
	frame := &fakeFrame{regs: map[uint64]uint64{2: 0x1000, 8: 0x2000, 40: 7}}
	ctxt := Context{Frame: frame}

	isAddr, v := exec(t, ctxt, prog(DW_OP_reg0+8))
	assert.False(t, isAddr)
	assert.Equal(t, int64(0x2000), v.Int)

	isAddr, v = exec(t, ctxt, prog(DW_OP_regx, uleb(40)))
	assert.False(t, isAddr)
	assert.Equal(t, int64(7), v.Int)

	isAddr, v = exec(t, ctxt, prog(DW_OP_breg0+2, sleb(-16)))
	assert.True(t, isAddr)
	assert.Equal(t, int64(0x1000-16), v.Int)

	_, v = exec(t, ctxt, prog(DW_OP_bregx, uleb(8), sleb(4)))
	assert.Equal(t, int64(0x2004), v.Int)

	_, _, err := ExecuteStackProgram(ctxt, prog(DW_OP_reg0+5))
	var unknown *UnknownRegisterError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, uint64(5), unknown.Reg)
}

func TestNoFrame(t *testing.T) {
	for _, instr := range [][]byte{
		prog(DW_OP_reg0 + 1),
		prog(DW_OP_breg0+1, sleb(0)),
		prog(DW_OP_lit4, DW_OP_deref),
		prog(DW_OP_regval_type, uleb(1), uleb(0x10)),
	} {
		_, _, err := ExecuteStackProgram(Context{Types: fakeTypes{0x10: {Size: 4}}}, instr)
		assert.True(t, errors.Is(err, ErrNoFrame), "%s: %v", Disassemble(instr), err)
	}
}

func TestCFAAndFrameBase(t *testing.T) {
	_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_call_frame_cfa))
	assert.True(t, errors.Is(err, ErrNoCFA))
	_, _, err = ExecuteStackProgram(Context{}, prog(DW_OP_fbreg, sleb(8)))
	assert.True(t, errors.Is(err, ErrNoFrameBase))

	ctxt := Context{}.WithCFA(0x8000).WithFrameBase(0x7ff0)
	_, v := exec(t, ctxt, prog(DW_OP_call_frame_cfa))
	assert.Equal(t, int64(0x8000), v.Int)
	_, v = exec(t, ctxt, prog(DW_OP_fbreg, sleb(-4)))
	assert.Equal(t, int64(0x7fec), v.Int)
}

func TestDeref(t *testing.T) {
	frame := &fakeFrame{}
	frame.poke32(0x100, 0xdeadbeef)
	ctxt := Context{Frame: frame}

	_, v := exec(t, ctxt, prog(DW_OP_const2u, []byte{0x00, 0x01}, DW_OP_deref))
	assert.Equal(t, int64(0xdeadbeef), v.Int)
	_, v = exec(t, ctxt, prog(DW_OP_const2u, []byte{0x00, 0x01}, DW_OP_deref_size, byte(2)))
	assert.Equal(t, int64(0xbeef), v.Int)

	_, _, err := ExecuteStackProgram(ctxt, prog(DW_OP_lit4, DW_OP_deref))
	assert.Error(t, err)
}

func TestTypedOperations(t *testing.T) {
	types := fakeTypes{
		0x10: {Size: 1, Signed: true},
		0x20: {Size: 4, Signed: false},
	}
	ctxt := Context{Types: types}

	_, v := exec(t, ctxt, prog(DW_OP_const_type, uleb(0x10), byte(1), byte(0xff), DW_OP_stack_value))
	assert.Equal(t, int64(-1), v.Int)

	_, v = exec(t, ctxt, prog(DW_OP_const_type, uleb(0x10), byte(1), byte(0xff), DW_OP_convert, uleb(0x20), DW_OP_stack_value))
	assert.Equal(t, int64(0xffffffff), v.Int)

	// unsigned division on the converted value
	_, v = exec(t, ctxt, prog(DW_OP_consts, sleb(-2), DW_OP_convert, uleb(0x20), DW_OP_lit2, DW_OP_div, DW_OP_stack_value))
	assert.Equal(t, int64(0x7fffffff), v.Int)

	// wrap around in an 8 bit type
	_, v = exec(t, ctxt, prog(DW_OP_const_type, uleb(0x10), byte(1), byte(0x7f), DW_OP_lit1, DW_OP_plus, DW_OP_stack_value))
	assert.Equal(t, int64(-128), v.Int)

	_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_const_type, uleb(0x10), byte(1), byte(0xff)))
	assert.True(t, errors.Is(err, ErrNoTypes))
	_, _, err = ExecuteStackProgram(ctxt, prog(DW_OP_lit1, DW_OP_convert, uleb(0x99)))
	assert.Error(t, err)
}

func TestPieces(t *testing.T) {
	frame := &fakeFrame{regs: map[uint64]uint64{10: 0x11223344}}
	frame.poke32(0x200, 0xaabbccdd)
	ctxt := Context{Frame: frame}

	instr := prog(DW_OP_reg0+10, DW_OP_piece, uleb(4), DW_OP_const2u, []byte{0x00, 0x02}, DW_OP_piece, uleb(2), DW_OP_lit5, DW_OP_stack_value, DW_OP_piece, uleb(1))
	isAddr, v := exec(t, ctxt, instr)
	assert.False(t, isAddr)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11, 0xdd, 0xcc, 0x05}, v.Bytes)

	_, v = exec(t, ctxt, prog(DW_OP_implicit_value, uleb(2), []byte{1, 2}, DW_OP_piece, uleb(3)))
	assert.Equal(t, []byte{1, 2, 0}, v.Bytes)
}

func TestImplicitValue(t *testing.T) {
	isAddr, v := exec(t, Context{}, prog(DW_OP_implicit_value, uleb(3), []byte{9, 8, 7}))
	assert.False(t, isAddr)
	assert.True(t, v.IsBytes())
	assert.Equal(t, []byte{9, 8, 7}, v.Bytes)

	_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_implicit_value, uleb(5), []byte{1}))
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestImplicitValueHugeSize(t *testing.T) {
	instr := prog(DW_OP_implicit_value, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f})
	isAddr, v := Evaluate(Context{}, instr)
	assert.False(t, isAddr)
	assert.Nil(t, v)
	assert.Equal(t, "DW_OP_implicit_value 0 []", Disassemble(instr))

	instr = prog(DW_OP_implicit_value, uleb(4), []byte{1, 2})
	assert.Equal(t, "DW_OP_implicit_value 2 [0102]", Disassemble(instr))
}

func TestPieceHugeSize(t *testing.T) {
	_, _, err := ExecuteStackProgram(Context{Frame: &fakeFrame{}}, prog(DW_OP_lit0, DW_OP_piece, uleb(1<<40)))
	assert.Error(t, err)
}

func TestLocationMustTerminate(t *testing.T) {
	_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_lit1, DW_OP_stack_value, DW_OP_lit2))
	assert.True(t, errors.Is(err, ErrNotTerminated))
}

func TestEmptyProgram(t *testing.T) {
	_, _, err := ExecuteStackProgram(Context{}, nil)
	assert.True(t, errors.Is(err, ErrEmptyStack))
}

func TestUnsupportedOpcode(t *testing.T) {
	for _, opcode := range []Opcode{DW_OP_xderef, DW_OP_push_object_address, DW_OP_call4, DW_OP_form_tls_address, DW_OP_entry_value, 0xe7} {
		_, _, err := ExecuteStackProgram(Context{}, prog(DW_OP_lit0, opcode))
		var unsupported *UnsupportedOpcodeError
		require.True(t, errors.As(err, &unsupported), "%s: %v", opcode, err)
		assert.Equal(t, 1, unsupported.Offset)
	}
}

func TestTruncatedOperands(t *testing.T) {
	for _, instr := range [][]byte{
		prog(DW_OP_const4u, []byte{1, 2}),
		prog(DW_OP_constu, byte(0x80)),
		prog(DW_OP_addr, []byte{1}),
		prog(DW_OP_lit0, DW_OP_bra, byte(1)),
	} {
		_, _, err := ExecuteStackProgram(Context{}, instr)
		assert.True(t, errors.Is(err, ErrTruncated), "%x: %v", instr, err)
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	isAddr, v := Evaluate(Context{}, prog(DW_OP_lit1, DW_OP_plus))
	assert.False(t, isAddr)
	assert.Nil(t, v)

	isAddr, v = Evaluate(Context{}, prog(DW_OP_lit3, DW_OP_lit4, DW_OP_plus))
	assert.True(t, isAddr)
	require.NotNil(t, v)
	assert.Equal(t, int64(7), v.Int)
}

func TestDisassemble(t *testing.T) {
	got := Disassemble(prog(DW_OP_breg0+2, sleb(-8), DW_OP_deref_size, byte(4), DW_OP_lit3, DW_OP_plus, DW_OP_stack_value))
	assert.Equal(t, "DW_OP_breg2 -0x8 DW_OP_deref_size 0x4 DW_OP_lit3 DW_OP_plus DW_OP_stack_value", got)
}
