package risc

import (
	"fmt"
	"sort"
)

// Tile register names every chip map defines.
const (
	RegDebugControl0    = "RISC_DBG_CNTL_0"
	RegDebugControl1    = "RISC_DBG_CNTL_1"
	RegDebugStatus0     = "RISC_DBG_STATUS_0"
	RegDebugStatus1     = "RISC_DBG_STATUS_1"
	RegDebugReadValid   = "RISC_DBG_STATUS_0_READ_VALID"
	RegSoftReset        = "RISCV_DEBUG_REG_SOFT_RESET_0"
	RegDebugBusControl  = "RISCV_DEBUG_REG_DBG_BUS_CNTL_REG"
	RegDebugBusReadData = "RISCV_DEBUG_REG_DBG_RD_DATA"
)

// PCSource is where GetPC samples the program counter from.
type PCSource uint8

const (
	// PCFromGPR halts the core and reads the synthetic PC register.
	PCFromGPR PCSource = iota
	// PCFromDebugBus samples the PC signal of the debug bus, the core
	// keeps running.
	PCFromDebugBus
)

func (s PCSource) String() string {
	switch s {
	case PCFromGPR:
		return "gpr"
	case PCFromDebugBus:
		return "debug-bus"
	}
	return fmt.Sprintf("PCSource(%d)", uint8(s))
}

// MemoryGranularity is the smallest unit the debug unit reads or writes
// private memory in.
type MemoryGranularity uint8

const (
	WordGranularity MemoryGranularity = iota
	ByteGranularity
)

func (g MemoryGranularity) String() string {
	if g == ByteGranularity {
		return "byte"
	}
	return "word"
}

// MemoryWindow is the address range [Start, End).
type MemoryWindow struct {
	Start, End uint64
}

// Contains returns true if [addr, addr+size) lies inside the window.
func (w MemoryWindow) Contains(addr uint64, size int) bool {
	return size >= 0 && addr >= w.Start && addr+uint64(size) <= w.End && addr+uint64(size) >= addr
}

// Empty returns true for the zero window.
func (w MemoryWindow) Empty() bool {
	return w.End <= w.Start
}

func (w MemoryWindow) String() string {
	return fmt.Sprintf("[%#x, %#x)", w.Start, w.End)
}

// CoreInfo is the per-core part of a chip description.
type CoreInfo struct {
	Name     string
	RiscID   uint32
	ResetBit uint
	CanDebug bool

	// BootAddress is where the core starts executing when its reset is
	// released.
	BootAddress uint32

	// PCSignal is the debug bus signal carrying the program counter, empty
	// if the core has none wired.
	PCSignal string
	// PCSignalBits is the width of PCSignal. Narrower signals are sign
	// extended from their top bit.
	PCSignalBits uint

	PrivateMemory MemoryWindow
	L1            MemoryWindow
}

// Chip is the strategy table of one silicon generation: behaviour
// overrides of the debug protocol, register and signal maps, and its
// cores.
type Chip struct {
	Name string

	DoubleStep        bool
	PCSource          PCSource
	MemoryGranularity MemoryGranularity
	WatchpointCount   int

	Registers *RegisterMap
	Signals   *SignalMap
	cores     map[string]CoreInfo
}

// Core returns the description of the core called name.
func (c *Chip) Core(name string) (CoreInfo, bool) {
	info, ok := c.cores[name]
	return info, ok
}

// Cores returns the core descriptions ordered by RISC id.
func (c *Chip) Cores() []CoreInfo {
	r := make([]CoreInfo, 0, len(c.cores))
	for _, info := range c.cores {
		r = append(r, info)
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].RiscID != r[j].RiscID {
			return r[i].RiscID < r[j].RiscID
		}
		return r[i].Name < r[j].Name
	})
	return r
}

func newChip(c Chip, cores ...CoreInfo) *Chip {
	c.cores = make(map[string]CoreInfo, len(cores))
	for _, info := range cores {
		c.cores[info.Name] = info
	}
	return &c
}

func tileRegisters(extra ...RegisterDescription) *RegisterMap {
	regs := []RegisterDescription{
		Word(RegDebugControl0, 0xFFB12080),
		Word(RegDebugControl1, 0xFFB12084),
		Word(RegDebugStatus0, 0xFFB12088),
		Word(RegDebugStatus1, 0xFFB1208C),
		Field(RegDebugReadValid, 0xFFB12088, readValidBit),
		Word(RegSoftReset, 0xFFB121B0),
		Word(RegDebugBusControl, 0xFFB12054),
		Word(RegDebugBusReadData, 0xFFB1205C),
	}
	return NewRegisterMap(append(regs, extra...)...)
}

func pcSignals(bits uint, names ...string) *SignalMap {
	mask := uint32(1)<<bits - 1
	signals := make([]DebugBusSignal, len(names))
	for i, name := range names {
		signals[i] = DebugBusSignal{Name: name, DaisySel: 7, SigSel: uint32(2 * i), Mask: mask}
	}
	return NewSignalMap(signals...)
}

const (
	l1Wormhole  = 0x16E000
	l1Blackhole = 0x180000
	l1Quasar    = 0x400000
	privateBase = 0xFFB00000
)

var chips = map[string]*Chip{
	"wormhole": newChip(Chip{
		Name:            "wormhole",
		PCSource:        PCFromDebugBus,
		WatchpointCount: 8,
		Registers:       tileRegisters(),
		Signals:         pcSignals(32, "brisc_pc", "trisc0_pc", "trisc1_pc", "trisc2_pc", "ncrisc_pc"),
	},
		CoreInfo{Name: "brisc", RiscID: 0, ResetBit: 11, CanDebug: true, BootAddress: 0x0, PCSignal: "brisc_pc", PCSignalBits: 32, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x1000}, L1: MemoryWindow{0, l1Wormhole}},
		CoreInfo{Name: "trisc0", RiscID: 1, ResetBit: 12, CanDebug: true, BootAddress: 0x6000, PCSignal: "trisc0_pc", PCSignalBits: 32, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x800}, L1: MemoryWindow{0, l1Wormhole}},
		CoreInfo{Name: "trisc1", RiscID: 2, ResetBit: 13, CanDebug: true, BootAddress: 0xA000, PCSignal: "trisc1_pc", PCSignalBits: 32, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x800}, L1: MemoryWindow{0, l1Wormhole}},
		CoreInfo{Name: "trisc2", RiscID: 3, ResetBit: 14, CanDebug: true, BootAddress: 0xE000, PCSignal: "trisc2_pc", PCSignalBits: 32, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x800}, L1: MemoryWindow{0, l1Wormhole}},
		CoreInfo{Name: "ncrisc", RiscID: 4, ResetBit: 18, CanDebug: false, BootAddress: 0x12000, PCSignal: "ncrisc_pc", PCSignalBits: 32, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x1000}, L1: MemoryWindow{0, l1Wormhole}},
	),
	"blackhole": newChip(Chip{
		Name:            "blackhole",
		DoubleStep:      true,
		PCSource:        PCFromDebugBus,
		WatchpointCount: 8,
		Registers:       tileRegisters(),
		Signals:         pcSignals(31, "brisc_pc", "trisc0_pc", "trisc1_pc", "trisc2_pc", "ncrisc_pc"),
	},
		CoreInfo{Name: "brisc", RiscID: 0, ResetBit: 11, CanDebug: true, BootAddress: 0x0, PCSignal: "brisc_pc", PCSignalBits: 31, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x2000}, L1: MemoryWindow{0, l1Blackhole}},
		CoreInfo{Name: "trisc0", RiscID: 1, ResetBit: 12, CanDebug: true, BootAddress: 0x6000, PCSignal: "trisc0_pc", PCSignalBits: 31, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x1000}, L1: MemoryWindow{0, l1Blackhole}},
		CoreInfo{Name: "trisc1", RiscID: 2, ResetBit: 13, CanDebug: true, BootAddress: 0xA000, PCSignal: "trisc1_pc", PCSignalBits: 31, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x1000}, L1: MemoryWindow{0, l1Blackhole}},
		CoreInfo{Name: "trisc2", RiscID: 3, ResetBit: 14, CanDebug: true, BootAddress: 0xE000, PCSignal: "trisc2_pc", PCSignalBits: 31, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x1000}, L1: MemoryWindow{0, l1Blackhole}},
		CoreInfo{Name: "ncrisc", RiscID: 4, ResetBit: 18, CanDebug: true, BootAddress: 0x12000, PCSignal: "ncrisc_pc", PCSignalBits: 31, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x2000}, L1: MemoryWindow{0, l1Blackhole}},
	),
	"quasar": newChip(Chip{
		Name:              "quasar",
		PCSource:          PCFromGPR,
		MemoryGranularity: ByteGranularity,
		WatchpointCount:   8,
		Registers:         tileRegisters(),
		Signals:           NewSignalMap(),
	},
		CoreInfo{Name: "trisc0", RiscID: 1, ResetBit: 12, CanDebug: true, BootAddress: 0x6000, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x4000}, L1: MemoryWindow{0, l1Quasar}},
		CoreInfo{Name: "trisc1", RiscID: 2, ResetBit: 13, CanDebug: true, BootAddress: 0xA000, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x4000}, L1: MemoryWindow{0, l1Quasar}},
		CoreInfo{Name: "trisc2", RiscID: 3, ResetBit: 14, CanDebug: true, BootAddress: 0xE000, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x4000}, L1: MemoryWindow{0, l1Quasar}},
		CoreInfo{Name: "trisc3", RiscID: 4, ResetBit: 15, CanDebug: true, BootAddress: 0x12000, PrivateMemory: MemoryWindow{privateBase, privateBase + 0x4000}, L1: MemoryWindow{0, l1Quasar}},
	),
}

// LookupChip returns the chip generation called name.
func LookupChip(name string) (*Chip, error) {
	c, ok := chips[name]
	if !ok {
		return nil, fmt.Errorf("unknown chip %q, known chips: %v", name, ChipNames())
	}
	return c, nil
}

// ChipNames returns the names of the known chip generations.
func ChipNames() []string {
	r := make([]string, 0, len(chips))
	for name := range chips {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}
