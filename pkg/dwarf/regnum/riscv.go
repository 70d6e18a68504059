package regnum

import (
	"fmt"
	"strconv"
	"strings"
)

// The mapping between hardware registers and DWARF registers of the 32-bit
// RISC-V cores, see
// https://github.com/riscv-non-isa/riscv-elf-psabi-doc/blob/master/riscv-dwarf.adoc
//
// The debug unit of the cores has no floating point registers and exposes
// the program counter at index 32, which is where this package places it.

const (
	// Integer Registers
	RISCV_X0 = 0
	// Link Register
	RISCV_LR = 1
	// Stack Pointer
	RISCV_SP = 2
	RISCV_GP = 3
	RISCV_TP = 4
	RISCV_T0 = 5
	RISCV_T1 = 6
	RISCV_T2 = 7
	RISCV_S0 = 8
	// Frame Pointer
	RISCV_FP  = RISCV_S0
	RISCV_S1  = 9
	RISCV_A0  = 10
	RISCV_A1  = 11
	RISCV_A2  = 12
	RISCV_A3  = 13
	RISCV_A4  = 14
	RISCV_A5  = 15
	RISCV_A6  = 16
	RISCV_A7  = 17
	RISCV_S2  = 18
	RISCV_S3  = 19
	RISCV_S4  = 20
	RISCV_S5  = 21
	RISCV_S6  = 22
	RISCV_S7  = 23
	RISCV_S8  = 24
	RISCV_S9  = 25
	RISCV_S10 = 26
	RISCV_S11 = 27
	RISCV_T3  = 28
	RISCV_T4  = 29
	RISCV_T5  = 30
	RISCV_T6  = 31

	RISCV_X31 = RISCV_T6

	// Program counter, synthetic slot of the debug unit.
	RISCV_PC = 32

	_RISCV_MaxRegNum = RISCV_PC
)

var riscvABINames = [...]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RISCVToName returns the architectural name of register num.
func RISCVToName(num uint64) string {
	switch {
	case num <= RISCV_X31:
		return fmt.Sprintf("x%d", num)

	case num == RISCV_PC:
		return "pc"

	default:
		return fmt.Sprintf("unknown%d", num)
	}
}

// RISCVToABIName returns the ABI name (ra, sp, a0...) of register num.
func RISCVToABIName(num uint64) string {
	if num <= RISCV_X31 {
		return riscvABINames[num]
	}
	return RISCVToName(num)
}

// RISCVMaxRegNum returns the highest register number known to the debug unit.
func RISCVMaxRegNum() uint64 {
	return _RISCV_MaxRegNum
}

// RISCVNameToDwarf maps both architectural and ABI register names to
// register numbers.
var RISCVNameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for i := 0; i <= RISCV_X31; i++ {
		r[fmt.Sprintf("x%d", i)] = RISCV_X0 + i
		r[riscvABINames[i]] = RISCV_X0 + i
	}
	r["fp"] = RISCV_FP
	r["pc"] = RISCV_PC
	return r
}()

// ParseRISCV parses a register name, or a plain register number.
func ParseRISCV(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, ok := RISCVNameToDwarf[s]; ok {
		return uint64(n), nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || n > _RISCV_MaxRegNum {
		return 0, fmt.Errorf("unknown register %q", s)
	}
	return n, nil
}
