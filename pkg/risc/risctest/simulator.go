// Package risctest provides a register level simulator of the tile debug
// unit, used to test the debugger without hardware.
package risctest

import (
	"fmt"
	"sync"

	"github.com/debuda/riscdbg/pkg/risc"
)

// Protocol constants, as the debug unit decodes them.
const (
	control0WriteBit = 0x10000
	riscIDShift      = 17
	readValidBit     = 0x40000000

	cmdDebugMode     = 0x80000000
	cmdHalt          = 0x1
	cmdStep          = 0x2
	cmdContinue      = 0x4
	cmdReadRegister  = 0x8
	cmdWriteRegister = 0x10
	cmdReadMemory    = 0x20
	cmdWriteMemory   = 0x40
	cmdByteAccess    = 0x200
)

// Core is the simulated state of one core. Tests may inspect and set its
// fields between debugger operations.
type Core struct {
	Info risc.CoreInfo

	Halted    bool
	EbreakHit bool
	// Regs holds x0-x31 and the program counter at index 32.
	Regs [33]uint32

	WatchpointSettings uint32
	WatchpointAddress  [8]uint32
	watchpointHits     uint8
	pcWatchpoint       bool
	memWatchpoint      bool

	// Commands records every command the core executed, without the
	// debug mode bit.
	Commands []uint32

	// HaltIgnored makes the core ignore halt commands.
	HaltIgnored bool

	private  map[uint64]byte
	arg0     uint32
	arg1     uint32
	retValue uint32
}

func (c *Core) status() uint32 {
	return risc.Status{
		Halted:         c.Halted,
		PCWatchpoint:   c.pcWatchpoint,
		MemWatchpoint:  c.memWatchpoint,
		EbreakHit:      c.EbreakHit,
		WatchpointHits: c.watchpointHits,
	}.Encode()
}

type busSignal struct {
	core *Core
	mask uint32
}

type tile struct {
	cntl0, cntl1     uint32
	status0, status1 uint32
	busSelect        uint32
	cores            map[uint32]*Core
	signals          map[uint32]busSignal
}

// Simulator implements risc.NOC for a set of tiles of one chip.
type Simulator struct {
	mu    sync.Mutex
	chip  *risc.Chip
	addrs map[string]uint64
	words map[risc.Coordinate]map[uint64]uint32
	tiles map[risc.Coordinate]*tile

	// InvalidReads clears the read-valid bit after every debug read.
	InvalidReads bool
	// FailRead and FailWrite, when set, are called before every NOC
	// access and can inject transport errors.
	FailRead  func(tile risc.Coordinate, addr uint64) error
	FailWrite func(tile risc.Coordinate, addr uint64, value uint32) error
	// DropWrite, when set and returning true, makes a memory write
	// succeed without storing anything.
	DropWrite func(tile risc.Coordinate, addr uint64) bool
}

var _ risc.NOC = (*Simulator)(nil)

// New returns a simulator of chip with no cores.
func New(chip *risc.Chip) *Simulator {
	s := &Simulator{
		chip:  chip,
		addrs: make(map[string]uint64),
		words: make(map[risc.Coordinate]map[uint64]uint32),
		tiles: make(map[risc.Coordinate]*tile),
	}
	for _, name := range []string{risc.RegDebugControl0, risc.RegDebugControl1, risc.RegDebugStatus0, risc.RegDebugStatus1, risc.RegSoftReset, risc.RegDebugBusControl, risc.RegDebugBusReadData} {
		reg, ok := chip.Registers.Lookup(name)
		if !ok {
			panic(fmt.Sprintf("chip %s has no register %s", chip.Name, name))
		}
		s.addrs[name] = reg.Address
	}
	return s
}

// AddCore adds the core at loc, running out of reset with its program
// counter at its boot address.
func (s *Simulator) AddCore(loc risc.Location) *Core {
	info, ok := s.chip.Core(loc.Core)
	if !ok {
		panic(fmt.Sprintf("chip %s has no core %s", s.chip.Name, loc.Core))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tile(loc.Coord)
	c := &Core{Info: info, private: make(map[uint64]byte)}
	c.Regs[risc.PCRegister] = info.BootAddress
	t.cores[info.RiscID] = c
	if info.PCSignal != "" {
		if sig, ok := s.chip.Signals.Lookup(info.PCSignal); ok {
			t.signals[risc.DebugBusSelect(sig)] = busSignal{core: c, mask: sig.Mask}
		}
	}
	return c
}

func (s *Simulator) tile(coord risc.Coordinate) *tile {
	t, ok := s.tiles[coord]
	if !ok {
		t = &tile{cores: make(map[uint32]*Core), signals: make(map[uint32]busSignal)}
		s.tiles[coord] = t
		s.words[coord] = make(map[uint64]uint32)
	}
	return t
}

// Poke32 stores a word in the NOC address space of a tile.
func (s *Simulator) Poke32(coord risc.Coordinate, addr uint64, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tile(coord)
	s.words[coord][addr] = value
}

// Peek32 returns a word of the NOC address space of a tile.
func (s *Simulator) Peek32(coord risc.Coordinate, addr uint64) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words[coord][addr]
}

// PokePrivate stores data in the private memory of c.
func (c *Core) PokePrivate(addr uint64, data []byte) {
	for i, b := range data {
		c.private[addr+uint64(i)] = b
	}
}

// PeekPrivate returns size bytes of the private memory of c.
func (c *Core) PeekPrivate(addr uint64, size int) []byte {
	r := make([]byte, size)
	for i := range r {
		r[i] = c.private[addr+uint64(i)]
	}
	return r
}

// SetReset asserts or releases the soft reset of the core at loc, as
// the host would.
func (s *Simulator) SetReset(loc risc.Location, assert bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tile(loc.Coord)
	info, _ := s.chip.Core(loc.Core)
	v := s.words[loc.Coord][s.addrs[risc.RegSoftReset]]
	if assert {
		v |= 1 << info.ResetBit
	} else {
		v &^= 1 << info.ResetBit
	}
	s.writeReset(loc.Coord, t, v)
}

// InReset returns true if the core at loc is held in reset.
func (s *Simulator) InReset(loc risc.Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, _ := s.chip.Core(loc.Core)
	return s.inReset(loc.Coord, info)
}

func (s *Simulator) inReset(coord risc.Coordinate, info risc.CoreInfo) bool {
	return s.words[coord][s.addrs[risc.RegSoftReset]]>>info.ResetBit&1 != 0
}

// Read32 implements risc.NOC.
func (s *Simulator) Read32(coord risc.Coordinate, addr uint64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRead != nil {
		if err := s.FailRead(coord, addr); err != nil {
			return 0, err
		}
	}
	t := s.tile(coord)
	switch addr {
	case s.addrs[risc.RegDebugControl0]:
		return t.cntl0, nil
	case s.addrs[risc.RegDebugControl1]:
		return t.cntl1, nil
	case s.addrs[risc.RegDebugStatus0]:
		return t.status0, nil
	case s.addrs[risc.RegDebugStatus1]:
		return t.status1, nil
	case s.addrs[risc.RegDebugBusControl]:
		return t.busSelect, nil
	case s.addrs[risc.RegDebugBusReadData]:
		if sig, ok := t.signals[t.busSelect]; ok {
			return sig.core.Regs[risc.PCRegister] & sig.mask, nil
		}
		return 0, nil
	}
	return s.words[coord][addr], nil
}

// Write32 implements risc.NOC.
func (s *Simulator) Write32(coord risc.Coordinate, addr uint64, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrite != nil {
		if err := s.FailWrite(coord, addr, value); err != nil {
			return err
		}
	}
	t := s.tile(coord)
	switch addr {
	case s.addrs[risc.RegDebugControl0]:
		if t.cntl0 == 0 && value != 0 {
			s.trigger(coord, t, value)
		}
		t.cntl0 = value
	case s.addrs[risc.RegDebugControl1]:
		t.cntl1 = value
	case s.addrs[risc.RegDebugBusControl]:
		t.busSelect = value
	case s.addrs[risc.RegSoftReset]:
		s.writeReset(coord, t, value)
	default:
		if s.DropWrite != nil && s.DropWrite(coord, addr) {
			return nil
		}
		s.words[coord][addr] = value
	}
	return nil
}

func (s *Simulator) writeReset(coord risc.Coordinate, t *tile, value uint32) {
	old := s.words[coord][s.addrs[risc.RegSoftReset]]
	s.words[coord][s.addrs[risc.RegSoftReset]] = value
	for _, c := range t.cores {
		bit := uint32(1) << c.Info.ResetBit
		switch {
		case old&bit != 0 && value&bit == 0:
			c.Regs[risc.PCRegister] = c.Info.BootAddress
			c.Halted = false
			c.EbreakHit = false
			s.run(coord, c)
		case old&bit == 0 && value&bit != 0:
			c.Halted = false
		}
	}
}

func (s *Simulator) trigger(coord risc.Coordinate, t *tile, value uint32) {
	c, ok := t.cores[(value>>riscIDShift)&0x7]
	if !ok || s.inReset(coord, c.Info) {
		t.status0 &^= readValidBit
		return
	}
	reg := value & 0xffff
	if value&control0WriteBit != 0 {
		s.writeDebugRegister(coord, c, reg, t.cntl1)
		return
	}
	t.status1 = s.readDebugRegister(c, reg)
	if s.InvalidReads {
		t.status0 &^= readValidBit
	} else {
		t.status0 |= readValidBit
	}
}

func (s *Simulator) readDebugRegister(c *Core, reg uint32) uint32 {
	switch {
	case reg == 0:
		return c.status()
	case reg == 2:
		return c.arg0
	case reg == 3:
		return c.arg1
	case reg == 4:
		return c.retValue
	case reg == 5:
		return c.WatchpointSettings
	case reg >= 6 && reg < 14:
		return c.WatchpointAddress[reg-6]
	}
	return 0
}

func (s *Simulator) writeDebugRegister(coord risc.Coordinate, c *Core, reg, value uint32) {
	switch {
	case reg == 1:
		s.execute(coord, c, value)
	case reg == 2:
		c.arg0 = value
	case reg == 3:
		c.arg1 = value
	case reg == 5:
		c.WatchpointSettings = value
	case reg >= 6 && reg < 14:
		c.WatchpointAddress[reg-6] = value
	}
}

func (s *Simulator) execute(coord risc.Coordinate, c *Core, cmd uint32) {
	if cmd&cmdDebugMode == 0 {
		return
	}
	op := cmd &^ cmdDebugMode
	if op == 0 {
		return
	}
	c.Commands = append(c.Commands, op)
	size := 4
	if op&cmdByteAccess != 0 {
		size = 1
	}
	switch op &^ cmdByteAccess {
	case cmdHalt:
		if !c.HaltIgnored {
			c.Halted = true
		}
	case cmdStep:
		if c.Halted {
			s.stepOne(coord, c)
		}
	case cmdContinue:
		if c.Halted {
			c.Halted = false
			c.EbreakHit = false
			c.pcWatchpoint, c.memWatchpoint, c.watchpointHits = false, false, 0
			s.run(coord, c)
		}
	case cmdReadRegister:
		if c.arg0 < uint32(len(c.Regs)) {
			c.retValue = c.Regs[c.arg0]
		}
	case cmdWriteRegister:
		if c.arg0 != 0 && c.arg0 < uint32(len(c.Regs)) {
			c.Regs[c.arg0] = c.arg1
		}
	case cmdReadMemory:
		c.retValue = s.load(coord, c, uint64(c.arg0), size)
	case cmdWriteMemory:
		s.store(coord, c, uint64(c.arg0), c.arg1, size)
	}
}

func (s *Simulator) load(coord risc.Coordinate, c *Core, addr uint64, size int) uint32 {
	if c.Info.PrivateMemory.Contains(addr, size) {
		var v uint32
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint32(c.private[addr+uint64(i)])
		}
		return v
	}
	w := s.words[coord][addr&^3]
	if size == 1 {
		return w >> (8 * (addr & 3)) & 0xff
	}
	return w
}

func (s *Simulator) store(coord risc.Coordinate, c *Core, addr uint64, value uint32, size int) {
	if c.Info.PrivateMemory.Contains(addr, size) {
		for i := 0; i < size; i++ {
			c.private[addr+uint64(i)] = byte(value >> (8 * i))
		}
		return
	}
	if size == 1 {
		shift := 8 * (addr & 3)
		w := s.words[coord][addr&^3]
		s.words[coord][addr&^3] = w&^(0xff<<shift) | (value&0xff)<<shift
		return
	}
	s.words[coord][addr] = value
}

// stepOne executes the instruction at the program counter. Only ebreak
// has an effect besides advancing the program counter.
func (s *Simulator) stepOne(coord risc.Coordinate, c *Core) {
	pc := c.Regs[risc.PCRegister]
	if risc.IsEbreak(s.load(coord, c, uint64(pc), 4)) {
		c.EbreakHit = true
	}
	if !risc.IsLoop(s.load(coord, c, uint64(pc), 4)) {
		c.Regs[risc.PCRegister] = pc + 4
	}
}

// run lets a core that was released execute until it reaches an ebreak
// or a PC watchpoint. A core that reaches neither keeps running with its
// program counter where it was.
func (s *Simulator) run(coord risc.Coordinate, c *Core) {
	pc := c.Regs[risc.PCRegister]
	for i := 0; i < 4; i++ {
		if id, ok := c.pcWatchpointAt(pc); ok {
			c.Halted = true
			c.pcWatchpoint = true
			c.watchpointHits |= 1 << uint(id)
			c.Regs[risc.PCRegister] = pc
			return
		}
		word := s.load(coord, c, uint64(pc), 4)
		if risc.IsEbreak(word) {
			c.Halted = true
			c.EbreakHit = true
			c.Regs[risc.PCRegister] = pc + 4
			return
		}
		if risc.IsLoop(word) || word == 0 {
			return
		}
		pc += 4
	}
}

func (c *Core) pcWatchpointAt(pc uint32) (int, bool) {
	for i := range c.WatchpointAddress {
		mode := c.WatchpointSettings >> uint(4*i) & 0xf
		if mode == 0x1 && c.WatchpointAddress[i] == pc {
			return i, true
		}
	}
	return 0, false
}
