package proc

import (
	"fmt"

	"github.com/debuda/riscdbg/pkg/risc"
)

const cacheEnabled = true

// maxFrameCacheSize bounds the stack region cached for one frame.
const maxFrameCacheSize = 4096

// MemoryAccess reads and writes the address space of a core.
type MemoryAccess interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
}

// RestrictedMemoryAccessError is returned for accesses outside the memory
// windows a core is allowed to touch.
type RestrictedMemoryAccessError struct {
	Start, End uint64
	Location   risc.Location
}

func (err *RestrictedMemoryAccessError) Error() string {
	return fmt.Sprintf("access to [%#x, %#x) is restricted on %s", err.Start, err.End, err.Location)
}

// RestrictedMemory only forwards accesses that fall entirely inside one
// of its windows.
type RestrictedMemory struct {
	mem     MemoryAccess
	loc     risc.Location
	windows []risc.MemoryWindow
}

// NewRestrictedMemory returns mem limited to windows. Empty windows are
// ignored.
func NewRestrictedMemory(mem MemoryAccess, loc risc.Location, windows ...risc.MemoryWindow) *RestrictedMemory {
	m := &RestrictedMemory{mem: mem, loc: loc}
	for _, w := range windows {
		if !w.Empty() {
			m.windows = append(m.windows, w)
		}
	}
	return m
}

func (m *RestrictedMemory) check(addr uint64, size int) error {
	for _, w := range m.windows {
		if w.Contains(addr, size) {
			return nil
		}
	}
	return &RestrictedMemoryAccessError{Start: addr, End: addr + uint64(size), Location: m.loc}
}

// ReadMemory reads size bytes at addr.
func (m *RestrictedMemory) ReadMemory(addr uint64, size int) ([]byte, error) {
	if err := m.check(addr, size); err != nil {
		return nil, err
	}
	return m.mem.ReadMemory(addr, size)
}

// WriteMemory writes data at addr.
func (m *RestrictedMemory) WriteMemory(addr uint64, data []byte) error {
	if err := m.check(addr, len(data)); err != nil {
		return err
	}
	return m.mem.WriteMemory(addr, data)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryAccess
}

func (m *memCache) contains(addr uint64, size int) bool {
	return size >= 0 && addr >= m.cacheAddr && addr+uint64(size) <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(addr uint64, size int) ([]byte, error) {
	if m.contains(addr, size) {
		data := make([]byte, size)
		copy(data, m.cache[addr-m.cacheAddr:])
		return data, nil
	}
	return m.mem.ReadMemory(addr, size)
}

func (m *memCache) WriteMemory(addr uint64, data []byte) error {
	if err := m.mem.WriteMemory(addr, data); err != nil {
		return err
	}
	if m.contains(addr, len(data)) {
		copy(m.cache[addr-m.cacheAddr:], data)
	}
	return nil
}

// cacheMemory returns mem with [addr, addr+size) read once and served from
// a local copy. If the range cannot be read mem is returned unchanged.
func cacheMemory(mem MemoryAccess, addr uint64, size int) MemoryAccess {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 || size > maxFrameCacheSize {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache, err := mem.ReadMemory(addr, size)
	if err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}
