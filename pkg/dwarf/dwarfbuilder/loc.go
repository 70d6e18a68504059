package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
	"github.com/debuda/riscdbg/pkg/dwarf/op"
)

// LocEntry represents one entry of debug_loc.
type LocEntry struct {
	Lowpc  uint64
	Highpc uint64
	Loc    []byte
}

func (b *Builder) writeLocList(entries []LocEntry) {
	// base address
	binary.Write(&b.loc, binary.LittleEndian, ^uint32(0))
	binary.Write(&b.loc, binary.LittleEndian, uint32(0))

	for _, locentry := range entries {
		binary.Write(&b.loc, binary.LittleEndian, uint32(locentry.Lowpc))
		binary.Write(&b.loc, binary.LittleEndian, uint32(locentry.Highpc))
		binary.Write(&b.loc, binary.LittleEndian, uint16(len(locentry.Loc)))
		b.loc.Write(locentry.Loc)
	}

	// end of loclist
	binary.Write(&b.loc, binary.LittleEndian, uint32(0))
	binary.Write(&b.loc, binary.LittleEndian, uint32(0))
}

// LocationBlock returns a DWARF expression corresponding to the list of
// arguments.
func LocationBlock(args ...interface{}) []byte {
	var buf bytes.Buffer
	for _, arg := range args {
		switch x := arg.(type) {
		case op.Opcode:
			buf.WriteByte(byte(x))
		case int:
			leb128.EncodeSigned(&buf, int64(x))
		case uint:
			leb128.EncodeUnsigned(&buf, uint64(x))
		case Address:
			binary.Write(&buf, binary.LittleEndian, x)
		default:
			panic("unsupported value type")
		}
	}
	return buf.Bytes()
}
