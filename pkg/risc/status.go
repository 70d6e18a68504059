package risc

import (
	"fmt"
	"strings"
)

// Status is a snapshot of the debug status register of a core.
type Status struct {
	Halted        bool
	PCWatchpoint  bool
	MemWatchpoint bool
	EbreakHit     bool
	// WatchpointHits has bit i set when watchpoint i triggered.
	WatchpointHits uint8
}

const (
	statusHalted        = 0x1
	statusPCWatchpoint  = 0x2
	statusMemWatchpoint = 0x4
	statusEbreak        = 0x8
	statusHitsShift     = 4
)

// DecodeStatus decodes the value of the debug status register.
func DecodeStatus(v uint32) Status {
	return Status{
		Halted:         v&statusHalted != 0,
		PCWatchpoint:   v&statusPCWatchpoint != 0,
		MemWatchpoint:  v&statusMemWatchpoint != 0,
		EbreakHit:      v&statusEbreak != 0,
		WatchpointHits: uint8(v >> statusHitsShift),
	}
}

// Encode is the inverse of DecodeStatus.
func (s Status) Encode() uint32 {
	var v uint32
	if s.Halted {
		v |= statusHalted
	}
	if s.PCWatchpoint {
		v |= statusPCWatchpoint
	}
	if s.MemWatchpoint {
		v |= statusMemWatchpoint
	}
	if s.EbreakHit {
		v |= statusEbreak
	}
	return v | uint32(s.WatchpointHits)<<statusHitsShift
}

// IsWatchpointHit returns true if watchpoint id triggered.
func (s Status) IsWatchpointHit(id int) bool {
	return id >= 0 && id < 8 && s.WatchpointHits&(1<<uint(id)) != 0
}

func (s Status) String() string {
	var flags []string
	if s.Halted {
		flags = append(flags, "halted")
	} else {
		flags = append(flags, "running")
	}
	if s.PCWatchpoint {
		flags = append(flags, "pc-watchpoint")
	}
	if s.MemWatchpoint {
		flags = append(flags, "mem-watchpoint")
	}
	if s.EbreakHit {
		flags = append(flags, "ebreak")
	}
	if s.WatchpointHits != 0 {
		flags = append(flags, fmt.Sprintf("hits=%08b", s.WatchpointHits))
	}
	return strings.Join(flags, " ")
}

// Watchpoint mode nibble.
const (
	watchpointEnabled = 0x1
	watchpointRead    = 0x2
	watchpointWrite   = 0x4

	watchpointPC      = watchpointEnabled
	watchpointOnRead  = watchpointEnabled | watchpointRead
	watchpointOnWrite = watchpointEnabled | watchpointWrite
	watchpointAccess  = watchpointEnabled | watchpointRead | watchpointWrite
)

// WatchpointState is the decoded configuration of one watchpoint.
type WatchpointState struct {
	Enabled  bool
	IsMemory bool
	IsRead   bool
	IsWrite  bool
}

// DecodeWatchpoint decodes one watchpoint mode nibble.
func DecodeWatchpoint(nibble uint32) WatchpointState {
	read := nibble&watchpointRead != 0
	write := nibble&watchpointWrite != 0
	return WatchpointState{
		Enabled:  nibble&watchpointEnabled != 0,
		IsMemory: read || write,
		IsRead:   read,
		IsWrite:  write,
	}
}

func (w WatchpointState) String() string {
	switch {
	case !w.Enabled:
		return "disabled"
	case w.IsRead && w.IsWrite:
		return "access"
	case w.IsRead:
		return "read"
	case w.IsWrite:
		return "write"
	}
	return "pc"
}
