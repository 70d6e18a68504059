// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame data.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/debuda/riscdbg/pkg/dwarf/leb128"
)

const cieID = 0xffffffff

type parsefunc func(*parseContext) (parsefunc, error)

type parseContext struct {
	staticBase uint64
	order      binary.ByteOrder
	data       []byte

	buf     *bytes.Buffer
	entries FrameDescriptionEntries
	cies    map[uint32]*CommonInformationEntry
	common  *CommonInformationEntry
	frame   *FrameDescriptionEntry
	offset  uint32 // offset of the current entry in data
	length  uint32
	ptrSize int
}

// ErrDwarf64 is returned for .debug_frame sections using the 64-bit
// DWARF format.
var ErrDwarf64 = errors.New("64-bit DWARF .debug_frame is not supported")

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry. Each FrameDescriptionEntry
// has a pointer to CommonInformationEntry.
// The entries are sorted by begin address.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:        buf,
			data:       data,
			order:      order,
			entries:    NewFrameIndex(),
			cies:       make(map[uint32]*CommonInformationEntry),
			staticBase: staticBase,
			ptrSize:    ptrSize,
		}
	)

	for fn := parselength; buf.Len() != 0; {
		var err error
		fn, err = fn(pctx)
		if err != nil {
			return nil, fmt.Errorf("entry at %#x: %w", pctx.offset, err)
		}
	}

	return FrameDescriptionEntries(nil).Append(pctx.entries), nil
}

func parselength(ctx *parseContext) (parsefunc, error) {
	ctx.offset = uint32(len(ctx.data) - ctx.buf.Len())
	if ctx.buf.Len() < 4 {
		return nil, errors.New("truncated entry length")
	}
	ctx.length = ctx.order.Uint32(ctx.buf.Next(4))

	if ctx.length == 0 {
		// ZERO terminator
		return parselength, nil
	}
	if ctx.length == 0xffffffff {
		return nil, ErrDwarf64
	}
	if ctx.length < 4 || int(ctx.length) > ctx.buf.Len() {
		return nil, fmt.Errorf("bad entry length %d", ctx.length)
	}

	id := ctx.order.Uint32(ctx.buf.Next(4))
	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if id == cieID {
		ctx.common = &CommonInformationEntry{Length: ctx.length, CIE_id: id, staticBase: ctx.staticBase}
		ctx.cies[ctx.offset] = ctx.common
		return parseCIE, nil
	}

	cie, ok := ctx.cies[id]
	if !ok {
		return nil, fmt.Errorf("FDE refers to unknown CIE at %#x", id)
	}
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: cie, order: ctx.order, ptrSize: ctx.ptrSize}
	return parseFDE, nil
}

func parseFDE(ctx *parseContext) (parsefunc, error) {
	r := ctx.buf.Next(int(ctx.length))
	ptrSize := ctx.ptrSize
	if ctx.frame.CIE.AddressSize != 0 {
		ptrSize = int(ctx.frame.CIE.AddressSize)
		ctx.frame.ptrSize = ptrSize
	}
	skip := int(ctx.frame.CIE.SegmentSize)
	if len(r) < skip+2*ptrSize {
		return nil, errors.New("truncated FDE address range")
	}

	ctx.frame.begin = readUint(r[skip:], ctx.order, ptrSize) + ctx.staticBase
	ctx.frame.size = readUint(r[skip+ptrSize:], ctx.order, ptrSize)

	ctx.entries = append(ctx.entries, ctx.frame)

	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.frame.Instructions = r[skip+2*ptrSize:]
	ctx.length = 0

	return parselength, nil
}

func parseCIE(ctx *parseContext) (parsefunc, error) {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)
	var ok bool

	// parse version
	ctx.common.Version, _ = buf.ReadByte()
	switch ctx.common.Version {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("unsupported CIE version %d", ctx.common.Version)
	}

	// parse augmentation
	ctx.common.Augmentation, ok = parseString(buf)
	if !ok {
		return nil, errors.New("unterminated CIE augmentation")
	}
	if ctx.common.Augmentation != "" {
		return nil, fmt.Errorf("unsupported CIE augmentation %q", ctx.common.Augmentation)
	}

	if ctx.common.Version >= 4 {
		ctx.common.AddressSize, _ = buf.ReadByte()
		ctx.common.SegmentSize, _ = buf.ReadByte()
	}

	// parse code alignment factor
	ctx.common.CodeAlignmentFactor, _ = leb128.DecodeUnsigned(buf)

	// parse data alignment factor
	ctx.common.DataAlignmentFactor, _ = leb128.DecodeSigned(buf)

	// parse return address register
	if ctx.common.Version == 1 {
		b, _ := buf.ReadByte()
		ctx.common.ReturnAddressRegister = uint64(b)
	} else {
		ctx.common.ReturnAddressRegister, _ = leb128.DecodeUnsigned(buf)
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength, nil
}

func parseString(buf *bytes.Buffer) (string, bool) {
	s, err := buf.ReadString(0x0)
	if err != nil {
		return "", false
	}
	return s[:len(s)-1], true
}

func readUint(b []byte, order binary.ByteOrder, size int) uint64 {
	switch size {
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	}
	return uint64(b[0])
}

// DwarfEndian determines the endianness of the DWARF by using the version number field in the debug_info section
// Trick borrowed from "debug/dwarf".New()
func DwarfEndian(infoSec []byte) binary.ByteOrder {
	if len(infoSec) < 6 {
		return binary.BigEndian
	}
	x, y := infoSec[4], infoSec[5]
	switch {
	case x == 0 && y == 0:
		return binary.BigEndian
	case x == 0:
		return binary.BigEndian
	case y == 0:
		return binary.LittleEndian
	default:
		return binary.BigEndian
	}
}
