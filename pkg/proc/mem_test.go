package proc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debuda/riscdbg/pkg/risc"
)

func TestRestrictedMemory(t *testing.T) {
	spy := newSpyMemory()
	spy.words[0x100] = 0x11223344
	spy.words[0xffb00010] = 0x55667788
	loc := risc.NewLocation(1, 1, "trisc1")
	mem := NewRestrictedMemory(spy, loc,
		risc.MemoryWindow{Start: 0, End: 0x1000},
		risc.MemoryWindow{},
		risc.MemoryWindow{Start: 0xffb00000, End: 0xffb00800})

	data, err := mem.ReadMemory(0x100, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, data)

	data, err = mem.ReadMemory(0xffb00010, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x88, 0x77}, data)

	for _, tc := range []struct {
		addr uint64
		size int
	}{
		{0xffe, 4},
		{0x2000, 4},
		{0xffb007fe, 4},
		{0xfffffffe, 4},
	} {
		_, err := mem.ReadMemory(tc.addr, tc.size)
		var restricted *RestrictedMemoryAccessError
		require.True(t, errors.As(err, &restricted), "%#x", tc.addr)
		assert.Equal(t, tc.addr, restricted.Start)
		assert.Equal(t, tc.addr+uint64(tc.size), restricted.End)
		assert.Equal(t, loc, restricted.Location)
	}

	err = mem.WriteMemory(0x2000, []byte{1})
	var restricted *RestrictedMemoryAccessError
	assert.True(t, errors.As(err, &restricted))
	assert.Len(t, spy.reads, 2)
}

func TestCacheMemory(t *testing.T) {
	spy := newSpyMemory()
	for addr := uint64(0x1000); addr < 0x1020; addr += 4 {
		spy.words[addr] = uint32(addr)
	}
	spy.words[0x2000] = 0xabcd

	mem := cacheMemory(spy, 0x1000, 0x20)
	require.Len(t, spy.reads, 1)

	data, err := mem.ReadMemory(0x1008, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x10, 0, 0}, data)
	data, err = mem.ReadMemory(0x101c, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1c, 0x10, 0, 0}, data)
	assert.Len(t, spy.reads, 1)

	data, err = mem.ReadMemory(0x2000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcd, 0xab, 0, 0}, data)
	assert.Len(t, spy.reads, 2)

	assert.Same(t, mem, cacheMemory(mem, 0x1004, 8))
	assert.Equal(t, MemoryAccess(spy), cacheMemory(spy, 0x1000, maxFrameCacheSize+4))
	assert.Equal(t, MemoryAccess(spy), cacheMemory(spy, 0x3000, 4), "unreadable range")
}
