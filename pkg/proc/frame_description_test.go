package proc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debuda/riscdbg/pkg/dwarf/dwarfbuilder"
	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/dwarf/op"
	"github.com/debuda/riscdbg/pkg/dwarf/regnum"
	"github.com/debuda/riscdbg/pkg/risc"
)

func TestTryReadRegisterWithoutContext(t *testing.T) {
	expr := dwarfbuilder.LocationBlock(op.DW_OP_lit0+8, op.DW_OP_minus)
	rules := map[string]frame.DWRule{
		"undefined":      {Rule: frame.RuleUndefined},
		"same value":     {Rule: frame.RuleSameVal},
		"register":       {Rule: frame.RuleRegister, Reg: 5},
		"expression":     {Rule: frame.RuleExpression, Expression: expr},
		"val expression": {Rule: frame.RuleValExpression, Expression: expr},
	}
	for _, off := range []int64{-16, -4, 0, 4, 1 << 20} {
		rules[fmt.Sprintf("offset %d", off)] = frame.DWRule{Rule: frame.RuleOffset, Offset: off}
		rules[fmt.Sprintf("val offset %d", off)] = frame.DWRule{Rule: frame.RuleValOffset, Offset: off}
	}

	for name, rule := range rules {
		t.Run(name, func(t *testing.T) {
			mem := newSpyMemory()
			core := newFakeCore(mem)
			desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{regnum.RISCV_S1: rule})

			_, ok := desc.TryReadRegister(regnum.RISCV_S1, CFA{}, nil)
			assert.False(t, ok)
			assert.Empty(t, mem.reads)
			assert.Empty(t, core.gprReads)
		})
	}
}

func TestTryReadRegisterNoRule(t *testing.T) {
	core := newFakeCore(newSpyMemory())
	core.regs[regnum.RISCV_S1] = 1
	desc := describe(core, 0x100, spCFA(16), nil)
	top := NewTopFrameInspection(core)

	_, ok := desc.TryReadRegister(regnum.RISCV_S1, KnownCFA(0x2000), top)
	assert.False(t, ok)
	assert.Empty(t, core.gprReads)

	noRow := newFrameDescription(0x100, nil, frame.Row{}, false, core)
	_, ok = noRow.TryReadRegister(regnum.RISCV_S1, KnownCFA(0x2000), top)
	assert.False(t, ok)
}

func TestOffsetRuleReadsCFAPlusOffset(t *testing.T) {
	for _, off := range []int64{-8, -4, 0, 12} {
		mem := newSpyMemory()
		addr := uint64(int64(0x2000) + off)
		mem.words[addr] = 0x12345678
		core := newFakeCore(mem)
		desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{
			regnum.RISCV_LR: {Rule: frame.RuleOffset, Offset: off},
		})

		v, ok := desc.TryReadRegister(regnum.RISCV_LR, KnownCFA(0x2000), nil)
		require.True(t, ok)
		assert.Equal(t, uint64(0x12345678), v)
		assert.Equal(t, []memRead{{addr, 4}}, mem.reads)
	}
}

func TestOffsetRuleRestrictedMemory(t *testing.T) {
	spy := newSpyMemory()
	spy.words[0x1ffc] = 0x120
	loc := risc.NewLocation(1, 1, "brisc")
	mem := NewRestrictedMemory(spy, loc, risc.MemoryWindow{Start: 0x1000, End: 0x1800})
	core := newFakeCore(mem)
	desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{
		regnum.RISCV_LR: {Rule: frame.RuleOffset, Offset: -4},
	})

	_, ok := desc.TryReadRegister(regnum.RISCV_LR, KnownCFA(0x2000), nil)
	assert.False(t, ok)
	assert.Empty(t, spy.reads)

	_, err := mem.ReadMemory(0x1ffc, 4)
	var restricted *RestrictedMemoryAccessError
	require.True(t, errors.As(err, &restricted))
	assert.Equal(t, RestrictedMemoryAccessError{Start: 0x1ffc, End: 0x2000, Location: loc}, *restricted)
}

func TestValOffsetRule(t *testing.T) {
	mem := newSpyMemory()
	core := newFakeCore(mem)
	desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{
		regnum.RISCV_SP: {Rule: frame.RuleValOffset, Offset: 16},
	})

	v, ok := desc.TryReadRegister(regnum.RISCV_SP, KnownCFA(0x2000), nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2010), v)
	assert.Empty(t, mem.reads)
}

func TestSameValueAndRegisterRules(t *testing.T) {
	core := newFakeCore(newSpyMemory())
	core.regs[regnum.RISCV_S0] = 0x2100
	core.regs[regnum.RISCV_T0] = 0x344
	desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{
		regnum.RISCV_S0: {Rule: frame.RuleSameVal},
		regnum.RISCV_LR: {Rule: frame.RuleRegister, Reg: regnum.RISCV_T0},
	})
	top := NewTopFrameInspection(core)

	v, ok := desc.TryReadRegister(regnum.RISCV_S0, KnownCFA(0x2000), top)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2100), v)

	v, ok = desc.TryReadRegister(regnum.RISCV_LR, KnownCFA(0x2000), top)
	require.True(t, ok)
	assert.Equal(t, uint64(0x344), v)

	for _, reg := range []uint64{regnum.RISCV_S0, regnum.RISCV_LR} {
		_, ok := desc.TryReadRegister(reg, KnownCFA(0x2000), nil)
		assert.False(t, ok)
	}
}

func TestExpressionRules(t *testing.T) {
	mem := newSpyMemory()
	mem.words[0x1ff8] = 0xcafe
	core := newFakeCore(mem)
	desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{
		regnum.RISCV_S0: {Rule: frame.RuleExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_lit0+8, op.DW_OP_minus)},
		regnum.RISCV_SP: {Rule: frame.RuleValExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_lit0+4, op.DW_OP_plus, op.DW_OP_stack_value)},
		regnum.RISCV_S1: {Rule: frame.RuleExpression, Expression: []byte{0xff}},
		regnum.RISCV_S2: {Rule: frame.RuleExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_lit0+4, op.DW_OP_stack_value)},
	})

	v, ok := desc.TryReadRegister(regnum.RISCV_S0, KnownCFA(0x2000), nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0xcafe), v)
	assert.Equal(t, []memRead{{0x1ff8, 4}}, mem.reads)

	v, ok = desc.TryReadRegister(regnum.RISCV_SP, KnownCFA(0x2000), nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2004), v)

	_, ok = desc.TryReadRegister(regnum.RISCV_S1, KnownCFA(0x2000), nil)
	assert.False(t, ok, "unsupported opcode")

	_, ok = desc.TryReadRegister(regnum.RISCV_S2, KnownCFA(0x2000), nil)
	assert.False(t, ok, "expression rule yielding a value")
}

func TestReadRegisterFallsBackOnlyWithoutValue(t *testing.T) {
	core := newFakeCore(newSpyMemory())
	core.regs[regnum.RISCV_LR] = 0x120
	core.regs[regnum.RISCV_S1] = 0x99
	desc := describe(core, 0x100, spCFA(16), map[uint64]frame.DWRule{
		regnum.RISCV_S1: {Rule: frame.RuleValOffset, Offset: -4},
		regnum.RISCV_S2: {Rule: frame.RuleUndefined},
	})

	v, ok := desc.ReadRegister(regnum.RISCV_S1, KnownCFA(0x2000), nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1ffc), v)
	assert.Empty(t, core.gprReads)

	v, ok = desc.ReadRegister(regnum.RISCV_LR, KnownCFA(0x2000), nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0x120), v)
	assert.Equal(t, []int{regnum.RISCV_LR}, core.gprReads)

	_, ok = desc.ReadRegister(regnum.RISCV_S2, KnownCFA(0x2000), nil)
	assert.False(t, ok)
	assert.Equal(t, []int{regnum.RISCV_LR, regnum.RISCV_S2}, core.gprReads)
}

func TestOlderFrameFallback(t *testing.T) {
	newFrames := func(fallback OlderFrameFallback) (*fakeCore, *FrameDescription, *FrameInspection) {
		core := newFakeCore(newSpyMemory())
		core.regs[regnum.RISCV_S1] = 0x55
		top := NewTopFrameInspection(core)
		younger := describe(core, 0x200, spCFA(16), map[uint64]frame.DWRule{
			regnum.RISCV_S1: {Rule: frame.RuleValOffset, Offset: 8},
		})
		middle := NewFrameInspection(core, 0x120, younger, KnownCFA(0x2000), top)
		older := describe(core, 0x11c, spCFA(16), nil)
		older.Fallback = fallback
		return core, older, middle
	}

	core, desc, previous := newFrames(FallbackLive)
	v, ok := desc.ReadRegister(regnum.RISCV_S1, KnownCFA(0x2010), previous)
	require.True(t, ok)
	assert.Equal(t, uint64(0x55), v)
	assert.Equal(t, []int{regnum.RISCV_S1}, core.gprReads)

	core, desc, previous = newFrames(FallbackPrevious)
	v, ok = desc.ReadRegister(regnum.RISCV_S1, KnownCFA(0x2010), previous)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2008), v)
	assert.Empty(t, core.gprReads)

	core, desc, previous = newFrames(FallbackNone)
	_, ok = desc.ReadRegister(regnum.RISCV_S1, KnownCFA(0x2010), previous)
	assert.False(t, ok)
	assert.Empty(t, core.gprReads)
}

func TestParseOlderFrameFallback(t *testing.T) {
	for _, f := range []OlderFrameFallback{FallbackLive, FallbackPrevious, FallbackNone} {
		got, err := ParseOlderFrameFallback(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	got, err := ParseOlderFrameFallback("")
	require.NoError(t, err)
	assert.Equal(t, FallbackLive, got)
	_, err = ParseOlderFrameFallback("hardware")
	assert.Error(t, err)
}

func TestReadPreviousCFATopFrame(t *testing.T) {
	core := newFakeCore(newSpyMemory())
	core.regs[regnum.RISCV_SP] = 0x1ff0
	desc := describe(core, 0x104, spCFA(16), nil)

	cfa := desc.ReadPreviousCFA(CFA{}, NewTopFrameInspection(core))
	assert.Equal(t, KnownCFA(0x2000), cfa)
	assert.Equal(t, []int{regnum.RISCV_SP}, core.gprReads)

	noRow := newFrameDescription(0x104, nil, frame.Row{}, false, core)
	assert.Equal(t, CFA{}, noRow.ReadPreviousCFA(CFA{}, NewTopFrameInspection(core)))
}

func TestReadPreviousCFAChaining(t *testing.T) {
	mem := newSpyMemory()
	mem.words[0x1ff8] = 0x2100
	core := newFakeCore(mem)
	core.regs[regnum.RISCV_SP] = 0x1ff0
	top := NewTopFrameInspection(core)

	// The top frame saved s0 below its CFA and left sp alone.
	desc0 := describe(core, 0x204, spCFA(16), map[uint64]frame.DWRule{
		regnum.RISCV_LR: {Rule: frame.RuleOffset, Offset: -4},
		regnum.RISCV_S0: {Rule: frame.RuleOffset, Offset: -8},
	})
	cfa0 := desc0.ReadPreviousCFA(CFA{}, top)
	require.Equal(t, KnownCFA(0x2000), cfa0)
	frame1 := NewFrameInspection(core, 0x120, desc0, cfa0, top)

	spBased := describe(core, 0x11c, spCFA(32), nil)
	assert.Equal(t, KnownCFA(0x2020), spBased.ReadPreviousCFA(cfa0, frame1))

	fpBased := describe(core, 0x11c, frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.RISCV_S0, Offset: 0}, nil)
	assert.Equal(t, KnownCFA(0x2100), fpBased.ReadPreviousCFA(cfa0, frame1))
	assert.Equal(t, []int{regnum.RISCV_SP}, core.gprReads)
}

func TestReadPreviousCFAUnsavedFramePointer(t *testing.T) {
	core := newFakeCore(newSpyMemory())
	core.regs[regnum.RISCV_SP] = 0x1ff0
	core.regs[regnum.RISCV_S0] = 0x3000
	top := NewTopFrameInspection(core)

	// Only sp gets the current CFA when the called frame has no rule,
	// other registers go through ReadRegister.
	desc0 := describe(core, 0x204, spCFA(16), nil)
	cfa0 := desc0.ReadPreviousCFA(CFA{}, top)
	require.Equal(t, KnownCFA(0x2000), cfa0)
	frame1 := NewFrameInspection(core, 0x120, desc0, cfa0, top)

	fpBased := describe(core, 0x11c, frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.RISCV_S0, Offset: 8}, nil)
	assert.Equal(t, KnownCFA(0x3008), fpBased.ReadPreviousCFA(cfa0, frame1))
	assert.Equal(t, []int{regnum.RISCV_SP, regnum.RISCV_S0}, core.gprReads)
}

func TestReadPreviousCFAExpression(t *testing.T) {
	core := newFakeCore(newSpyMemory())
	core.regs[regnum.RISCV_SP] = 0x1ff0
	desc := describe(core, 0x104, frame.DWRule{
		Rule:       frame.RuleExpression,
		Expression: dwarfbuilder.LocationBlock(op.DW_OP_breg0+2, 32),
	}, nil)

	assert.Equal(t, KnownCFA(0x2010), desc.ReadPreviousCFA(CFA{}, NewTopFrameInspection(core)))
}
