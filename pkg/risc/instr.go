package risc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// LoopInstruction is "jal x0, 0", a jump to itself.
const LoopInstruction = 0x0000006F

func decode(word uint32) (riscv64asm.Inst, error) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	return riscv64asm.Decode(buf[:])
}

// IsEbreak returns true if word encodes ebreak.
func IsEbreak(word uint32) bool {
	inst, err := decode(word)
	return err == nil && inst.Op == riscv64asm.EBREAK
}

// IsLoop returns true if word is a jump to itself that does not link.
func IsLoop(word uint32) bool {
	inst, err := decode(word)
	if err != nil || inst.Op != riscv64asm.JAL {
		return false
	}
	rd, _ := inst.Args[0].(riscv64asm.Reg)
	off, ok := inst.Args[1].(riscv64asm.Simm)
	return rd == riscv64asm.X0 && ok && off.Imm == 0
}

// Disassemble returns the GNU syntax of the instruction word.
func Disassemble(word uint32) string {
	inst, err := decode(word)
	if err != nil {
		return fmt.Sprintf(".word %#08x", word)
	}
	return riscv64asm.GNUSyntax(inst)
}
