package risc

import (
	"fmt"
	"sort"

	"github.com/derekparker/trie"
)

// NOC reads and writes 32-bit words of a tile's address space. It is the
// transport the debugger runs on: a local PCIe mapping, a remote debug
// server or a simulator.
type NOC interface {
	Read32(tile Coordinate, addr uint64) (uint32, error)
	Write32(tile Coordinate, addr uint64, value uint32) error
}

// RegisterDescription locates a named register, or a field of one, in the
// tile address space.
type RegisterDescription struct {
	Name    string
	Address uint64
	Mask    uint32
	Shift   uint
}

// Word returns a description of the whole 32-bit register at addr.
func Word(name string, addr uint64) RegisterDescription {
	return RegisterDescription{Name: name, Address: addr, Mask: 0xffffffff}
}

// Field returns a description of the bits of the register at addr
// selected by mask.
func Field(name string, addr uint64, mask uint32) RegisterDescription {
	var shift uint
	for shift < 32 && mask&(1<<shift) == 0 {
		shift++
	}
	return RegisterDescription{Name: name, Address: addr, Mask: mask, Shift: shift}
}

// RegisterMap is a read-only name to register lookup. Maps are built
// once per chip and shared by every core of that chip.
type RegisterMap struct {
	t *trie.Trie
}

// NewRegisterMap returns a map containing regs. It panics on duplicate
// names.
func NewRegisterMap(regs ...RegisterDescription) *RegisterMap {
	m := &RegisterMap{t: trie.New()}
	for _, reg := range regs {
		if _, dup := m.t.Find(reg.Name); dup {
			panic(fmt.Sprintf("duplicate register %s", reg.Name))
		}
		m.t.Add(reg.Name, reg)
	}
	return m
}

// Lookup returns the register called name.
func (m *RegisterMap) Lookup(name string) (RegisterDescription, bool) {
	node, ok := m.t.Find(name)
	if !ok {
		return RegisterDescription{}, false
	}
	return node.Meta().(RegisterDescription), true
}

// Names returns the sorted names of the registers starting with prefix.
func (m *RegisterMap) Names(prefix string) []string {
	var names []string
	if prefix == "" {
		names = m.t.Keys()
	} else {
		names = m.t.PrefixSearch(prefix)
	}
	sort.Strings(names)
	return names
}

// UnknownRegisterError is returned when a register name is not in the
// map of the chip.
type UnknownRegisterError struct {
	Name string
}

func (err *UnknownRegisterError) Error() string {
	return fmt.Sprintf("unknown register %s", err.Name)
}

// RegisterStore reads and writes named registers of one tile.
type RegisterStore struct {
	noc  NOC
	tile Coordinate
	regs *RegisterMap
}

// NewRegisterStore returns a store for the registers of tile.
func NewRegisterStore(noc NOC, tile Coordinate, regs *RegisterMap) *RegisterStore {
	return &RegisterStore{noc: noc, tile: tile, regs: regs}
}

func (s *RegisterStore) lookup(name string) (RegisterDescription, error) {
	reg, ok := s.regs.Lookup(name)
	if !ok {
		return RegisterDescription{}, &UnknownRegisterError{Name: name}
	}
	return reg, nil
}

// Read returns the value of the register or field called name, shifted
// down to bit 0.
func (s *RegisterStore) Read(name string) (uint32, error) {
	reg, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	v, err := s.noc.Read32(s.tile, reg.Address)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	return (v & reg.Mask) >> reg.Shift, nil
}

// Write sets the register or field called name to value. Fields are
// written with a read-modify-write of the containing register.
func (s *RegisterStore) Write(name string, value uint32) error {
	reg, err := s.lookup(name)
	if err != nil {
		return err
	}
	v := value << reg.Shift
	if reg.Mask != 0xffffffff {
		old, err := s.noc.Read32(s.tile, reg.Address)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		v = old&^reg.Mask | v&reg.Mask
	}
	if err := s.noc.Write32(s.tile, reg.Address, v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// DebugBusSignal describes a signal of the tile's debug bus: the daisy
// chain and signal selectors that route it to the read-data register
// and the bits it occupies there.
type DebugBusSignal struct {
	Name     string
	DaisySel uint32
	SigSel   uint32
	Mask     uint32
	Shift    uint
}

// SignalMap is the debug bus counterpart of RegisterMap.
type SignalMap struct {
	t *trie.Trie
}

// NewSignalMap returns a map containing signals. It panics on duplicate
// names.
func NewSignalMap(signals ...DebugBusSignal) *SignalMap {
	m := &SignalMap{t: trie.New()}
	for _, sig := range signals {
		if _, dup := m.t.Find(sig.Name); dup {
			panic(fmt.Sprintf("duplicate debug bus signal %s", sig.Name))
		}
		m.t.Add(sig.Name, sig)
	}
	return m
}

// Lookup returns the signal called name.
func (m *SignalMap) Lookup(name string) (DebugBusSignal, bool) {
	node, ok := m.t.Find(name)
	if !ok {
		return DebugBusSignal{}, false
	}
	return node.Meta().(DebugBusSignal), true
}

// Names returns the sorted names of the signals starting with prefix.
func (m *SignalMap) Names(prefix string) []string {
	var names []string
	if prefix == "" {
		names = m.t.Keys()
	} else {
		names = m.t.PrefixSearch(prefix)
	}
	sort.Strings(names)
	return names
}

// Debug bus control: bit 29 enables the bus, bits 16-23 select the daisy
// chain and the low 16 bits select the signal group.
const debugBusEnable = 1 << 29

// DebugBusSelect returns the value written to the debug bus control
// register to route sig to the read-data register.
func DebugBusSelect(sig DebugBusSignal) uint32 {
	return debugBusEnable | (sig.DaisySel&0xff)<<16 | sig.SigSel&0xffff
}

// DebugBus samples debug bus signals of one tile. Reading a signal does
// not require the core to be halted.
type DebugBus struct {
	regs    *RegisterStore
	signals *SignalMap
}

// NewDebugBus returns the debug bus of the tile regs belongs to.
func NewDebugBus(regs *RegisterStore, signals *SignalMap) *DebugBus {
	return &DebugBus{regs: regs, signals: signals}
}

// ReadSignal routes the signal called name to the read-data register and
// returns its value.
func (bus *DebugBus) ReadSignal(name string) (uint32, error) {
	sig, ok := bus.signals.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown debug bus signal %s", name)
	}
	if err := bus.regs.Write(RegDebugBusControl, DebugBusSelect(sig)); err != nil {
		return 0, err
	}
	v, err := bus.regs.Read(RegDebugBusReadData)
	if err != nil {
		return 0, err
	}
	return (v & sig.Mask) >> sig.Shift, nil
}
