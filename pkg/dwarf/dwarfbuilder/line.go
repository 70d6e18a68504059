package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
)

const (
	lineOpcodeBase = 13

	lnsCopy        = 0x01
	lnsAdvancePC   = 0x02
	lnsAdvanceLine = 0x03
	lnsSetFile     = 0x04
	lnsSetColumn   = 0x05

	lneEndSequence = 0x01
	lneSetAddress  = 0x02
)

type lineProgram struct {
	files []string
	prog  bytes.Buffer

	inSequence bool
	addr       uint64
	file       int
	line       int
	col        int
}

func (lp *lineProgram) reset() {
	lp.inSequence = false
	lp.addr = 0
	lp.file = 1
	lp.line = 1
	lp.col = 0
}

// AddFile adds a file to the line table header and returns its index.
func (b *Builder) AddFile(name string) int {
	b.lines.files = append(b.lines.files, name)
	return len(b.lines.files)
}

// AddLine adds a row to the line table mapping addr to file:line:col.
// Rows of a sequence must be added in increasing address order.
func (b *Builder) AddLine(addr uint64, file, line, col int) {
	lp := &b.lines
	if !lp.inSequence {
		lp.reset()
		lp.inSequence = true
		lp.prog.WriteByte(0)
		leb128.EncodeUnsigned(&lp.prog, 1+AddrSize)
		lp.prog.WriteByte(lneSetAddress)
		binary.Write(&lp.prog, binary.LittleEndian, uint32(addr))
		lp.addr = addr
	}
	lp.advance(addr)
	if file != lp.file {
		lp.prog.WriteByte(lnsSetFile)
		leb128.EncodeUnsigned(&lp.prog, uint64(file))
		lp.file = file
	}
	if col != lp.col {
		lp.prog.WriteByte(lnsSetColumn)
		leb128.EncodeUnsigned(&lp.prog, uint64(col))
		lp.col = col
	}
	if line != lp.line {
		lp.prog.WriteByte(lnsAdvanceLine)
		leb128.EncodeSigned(&lp.prog, int64(line-lp.line))
		lp.line = line
	}
	lp.prog.WriteByte(lnsCopy)
}

// EndSequence terminates the current sequence of rows at addr.
func (b *Builder) EndSequence(addr uint64) {
	lp := &b.lines
	if !lp.inSequence {
		return
	}
	lp.advance(addr)
	lp.prog.WriteByte(0)
	leb128.EncodeUnsigned(&lp.prog, 1)
	lp.prog.WriteByte(lneEndSequence)
	lp.reset()
}

func (lp *lineProgram) advance(addr uint64) {
	if addr > lp.addr {
		lp.prog.WriteByte(lnsAdvancePC)
		leb128.EncodeUnsigned(&lp.prog, addr-lp.addr)
		lp.addr = addr
	}
}

// bytes returns a version 4 .debug_line section with a single line
// program.
func (lp *lineProgram) bytes() []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(1)    // minimum_instruction_length
	hdr.WriteByte(1)    // maximum_operations_per_instruction
	hdr.WriteByte(1)    // default_is_stmt
	hdr.WriteByte(0xfb) // line_base (-5)
	hdr.WriteByte(14)   // line_range
	hdr.WriteByte(lineOpcodeBase)
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	hdr.WriteByte(0) // include_directories
	for _, name := range lp.files {
		hdr.WriteString(name)
		hdr.WriteByte(0)
		leb128.EncodeUnsigned(&hdr, 0) // directory
		leb128.EncodeUnsigned(&hdr, 0) // mtime
		leb128.EncodeUnsigned(&hdr, 0) // length
	}
	hdr.WriteByte(0)

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(2+4+hdr.Len()+lp.prog.Len()))
	binary.Write(&out, binary.LittleEndian, uint16(4))
	binary.Write(&out, binary.LittleEndian, uint32(hdr.Len()))
	out.Write(hdr.Bytes())
	out.Write(lp.prog.Bytes())
	return out.Bytes()
}
