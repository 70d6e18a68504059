package risc_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debuda/riscdbg/pkg/risc"
)

const bootWord = 0x00000297 // auipc t0, 0

func TestPrivateMemoryAccessRestoresReset(t *testing.T) {
	tg := newTarget(t, "wormhole", "trisc1")
	boot := uint64(tg.core.Info.BootAddress)
	tg.sim.Poke32(tg.loc.Coord, boot, bootWord)
	tg.sim.SetReset(tg.loc, true)

	called := false
	err := tg.dbg.EnsurePrivateMemoryAccess(func() error {
		called = true
		assert.False(t, tg.sim.InReset(tg.loc))
		assert.True(t, tg.core.Halted)
		assert.Equal(t, uint32(risc.LoopInstruction), tg.sim.Peek32(tg.loc.Coord, boot))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, tg.sim.InReset(tg.loc))
	assert.Equal(t, uint32(bootWord), tg.sim.Peek32(tg.loc.Coord, boot))
}

func TestPrivateMemoryAccessRestoresOnError(t *testing.T) {
	tg := newTarget(t, "wormhole", "trisc1")
	boot := uint64(tg.core.Info.BootAddress)
	tg.sim.Poke32(tg.loc.Coord, boot, bootWord)
	tg.sim.SetReset(tg.loc, true)

	errBoom := errors.New("boom")
	err := tg.dbg.EnsurePrivateMemoryAccess(func() error { return errBoom })
	assert.True(t, errors.Is(err, errBoom))
	assert.True(t, tg.sim.InReset(tg.loc))
	assert.Equal(t, uint32(bootWord), tg.sim.Peek32(tg.loc.Coord, boot))
}

func TestPrivateMemoryAccessRestoresOnHaltFailure(t *testing.T) {
	tg := newTarget(t, "wormhole", "trisc1")
	boot := uint64(tg.core.Info.BootAddress)
	tg.sim.Poke32(tg.loc.Coord, boot, bootWord)
	tg.sim.SetReset(tg.loc, true)
	tg.core.HaltIgnored = true

	called := false
	err := tg.dbg.EnsurePrivateMemoryAccess(func() error {
		called = true
		return nil
	})
	var haltErr *risc.HaltError
	assert.True(t, errors.As(err, &haltErr), "got %v", err)
	assert.False(t, called)
	assert.True(t, tg.sim.InReset(tg.loc))
	assert.Equal(t, uint32(bootWord), tg.sim.Peek32(tg.loc.Coord, boot))
}

func TestPrivateMemoryAccessLoopPatchNotTaken(t *testing.T) {
	tg := newTarget(t, "wormhole", "trisc1")
	boot := uint64(tg.core.Info.BootAddress)
	tg.sim.Poke32(tg.loc.Coord, boot, bootWord)
	tg.sim.SetReset(tg.loc, true)
	tg.sim.DropWrite = func(_ risc.Coordinate, addr uint64) bool { return addr == boot }

	called := false
	err := tg.dbg.EnsurePrivateMemoryAccess(func() error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, risc.ErrLoopPatch), "got %v", err)
	assert.False(t, called)
	assert.True(t, tg.sim.InReset(tg.loc))
	assert.Equal(t, uint32(bootWord), tg.sim.Peek32(tg.loc.Coord, boot))
	assert.Empty(t, tg.core.Commands)
}

func TestPrivateMemoryAccessOutOfReset(t *testing.T) {
	tg := newTarget(t, "wormhole", "trisc1")
	boot := uint64(tg.core.Info.BootAddress)
	tg.sim.Poke32(tg.loc.Coord, boot, bootWord)

	require.NoError(t, tg.dbg.EnsurePrivateMemoryAccess(func() error { return nil }))
	assert.False(t, tg.sim.InReset(tg.loc))
	assert.Equal(t, uint32(bootWord), tg.sim.Peek32(tg.loc.Coord, boot))
	assert.Empty(t, tg.core.Commands)
}

func TestMemoryL1(t *testing.T) {
	tg := newTarget(t, "wormhole", "brisc")
	mem := tg.dbg.Memory()

	tg.sim.Poke32(tg.loc.Coord, 0x100, 0x44332211)
	tg.sim.Poke32(tg.loc.Coord, 0x104, 0x88776655)
	data, err := mem.ReadMemory(0x102, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x33, 0x44, 0x55, 0x66}, data)

	require.NoError(t, mem.WriteMemory(0x103, []byte{0xaa, 0xbb}))
	assert.Equal(t, uint32(0xaa332211), tg.sim.Peek32(tg.loc.Coord, 0x100))
	assert.Equal(t, uint32(0x887766bb), tg.sim.Peek32(tg.loc.Coord, 0x104))

	// L1 does not go through the debug unit
	assert.Empty(t, tg.core.Commands)
}

func TestMemoryPrivate(t *testing.T) {
	tg := newTarget(t, "wormhole", "brisc")
	mem := tg.dbg.Memory()
	tg.core.PokePrivate(0xFFB00100, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	data, err := mem.ReadMemory(0xFFB00102, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, data)
	assert.False(t, tg.core.Halted)

	require.NoError(t, mem.WriteMemory(0xFFB00104, []byte{9, 9}))
	assert.Equal(t, []byte{1, 2, 3, 4, 9, 9, 7, 8}, tg.core.PeekPrivate(0xFFB00100, 8))
	assert.False(t, tg.core.Halted)
}

func TestMemoryPrivateInReset(t *testing.T) {
	tg := newTarget(t, "wormhole", "brisc")
	mem := tg.dbg.Memory()
	tg.core.PokePrivate(0xFFB00000, []byte{0xde, 0xad, 0xbe, 0xef})
	tg.sim.SetReset(tg.loc, true)

	data, err := mem.ReadMemory(0xFFB00000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)
	assert.True(t, tg.sim.InReset(tg.loc))
	assert.Equal(t, uint32(0), tg.sim.Peek32(tg.loc.Coord, 0))
}

func TestMemoryUnmapped(t *testing.T) {
	tg := newTarget(t, "wormhole", "brisc")
	mem := tg.dbg.Memory()

	_, err := mem.ReadMemory(0x80000000, 4)
	var unmapped *risc.UnmappedError
	require.True(t, errors.As(err, &unmapped))
	assert.Equal(t, uint64(0x80000000), unmapped.Addr)

	// straddles the end of private memory
	err = mem.WriteMemory(0xFFB00FFE, []byte{1, 2, 3, 4})
	assert.True(t, errors.As(err, &unmapped))
}

func TestNOCErrors(t *testing.T) {
	tg := newTarget(t, "wormhole", "brisc")
	errLink := errors.New("link down")
	tg.sim.FailRead = func(risc.Coordinate, uint64) error { return errLink }

	_, err := tg.dbg.IsHalted()
	assert.True(t, errors.Is(err, errLink))
	_, err = tg.dbg.Memory().ReadMemory(0x100, 4)
	assert.True(t, errors.Is(err, errLink))
}
