package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
)

// section builds a little endian .debug_frame section with 4 byte
// addresses.
type section struct {
	buf bytes.Buffer
}

func (s *section) entry(body []byte) uint32 {
	off := uint32(s.buf.Len())
	binary.Write(&s.buf, binary.LittleEndian, uint32(len(body)))
	s.buf.Write(body)
	return off
}

func (s *section) cie(version byte, daf int64, ra uint64, initial ...byte) uint32 {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(cieID))
	b.WriteByte(version)
	b.WriteByte(0) // augmentation
	if version >= 4 {
		b.WriteByte(4)
		b.WriteByte(0)
	}
	leb128.EncodeUnsigned(&b, 1)
	leb128.EncodeSigned(&b, daf)
	leb128.EncodeUnsigned(&b, ra)
	b.Write(initial)
	return s.entry(b.Bytes())
}

func (s *section) fde(cie uint32, begin, size uint32, instr ...byte) uint32 {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, cie)
	binary.Write(&b, binary.LittleEndian, begin)
	binary.Write(&b, binary.LittleEndian, size)
	b.Write(instr)
	return s.entry(b.Bytes())
}

func (s *section) bytes() []byte {
	return s.buf.Bytes()
}
