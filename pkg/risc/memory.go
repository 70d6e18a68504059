package risc

import (
	"encoding/binary"
	"fmt"
)

// Memory is the address space as the core sees it. L1 is read and
// written over the NOC, private memory through the debug unit of the
// core, halting it (and releasing it from reset) for the duration of the
// access.
type Memory struct {
	r *RiscDebug
}

// UnmappedError is returned for addresses outside both the L1 and the
// private memory of the core.
type UnmappedError struct {
	Addr uint64
	Size int
}

func (err *UnmappedError) Error() string {
	return fmt.Sprintf("[%#x, %#x) is not mapped", err.Addr, err.Addr+uint64(err.Size))
}

// ReadMemory reads size bytes at addr.
func (m *Memory) ReadMemory(addr uint64, size int) ([]byte, error) {
	core := m.r.core
	switch {
	case core.L1.Contains(addr, size):
		return readNOC(m.r.noc, m.r.loc.Coord, addr, size)
	case core.PrivateMemory.Contains(addr, size):
		var data []byte
		err := m.r.EnsurePrivateMemoryAccess(func() error {
			return m.r.EnsureHalted(func() error {
				var err error
				data, err = m.r.ReadMemoryBytes(uint32(addr), size)
				return err
			})
		})
		return data, err
	}
	return nil, &UnmappedError{Addr: addr, Size: size}
}

// WriteMemory writes data at addr.
func (m *Memory) WriteMemory(addr uint64, data []byte) error {
	core := m.r.core
	switch {
	case core.L1.Contains(addr, len(data)):
		return writeNOC(m.r.noc, m.r.loc.Coord, addr, data)
	case core.PrivateMemory.Contains(addr, len(data)):
		return m.r.EnsurePrivateMemoryAccess(func() error {
			return m.r.EnsureHalted(func() error {
				return m.r.WriteMemoryBytes(uint32(addr), data)
			})
		})
	}
	return &UnmappedError{Addr: addr, Size: len(data)}
}

func readNOC(noc NOC, tile Coordinate, addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return []byte{}, nil
	}
	start := addr &^ 3
	end := (addr + uint64(size) + 3) &^ 3
	buf := make([]byte, 0, end-start)
	for a := start; a < end; a += 4 {
		w, err := noc.Read32(tile, a)
		if err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	off := addr - start
	return buf[off : off+uint64(size)], nil
}

func writeNOC(noc NOC, tile Coordinate, addr uint64, data []byte) error {
	end := addr + uint64(len(data))
	for a := addr &^ 3; a < end; a += 4 {
		lo, hi := a, a+4
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}
		var word [4]byte
		if hi-lo != 4 {
			w, err := noc.Read32(tile, a)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(word[:], w)
		}
		copy(word[lo-a:hi-a], data[lo-addr:hi-addr])
		if err := noc.Write32(tile, a, binary.LittleEndian.Uint32(word[:])); err != nil {
			return err
		}
	}
	return nil
}
