// Package loclist reads the location lists of the .debug_loc section
// produced for DWARF versions 2 through 4.
package loclist

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a list runs past the end of the section.
var ErrTruncated = errors.New("truncated location list")

// Reader parses and presents DWARF loclist information.
type Reader struct {
	data  []byte
	cur   int
	ptrSz int
	order binary.ByteOrder
	err   error
}

// New returns an initialized loclist Reader.
func New(data []byte, ptrSz int, order binary.ByteOrder) *Reader {
	return &Reader{data: data, ptrSz: ptrSz, order: order}
}

// Empty returns true if this reader has no data.
func (rdr *Reader) Empty() bool {
	return rdr.data == nil
}

// Seek moves the data pointer to the specified offset.
func (rdr *Reader) Seek(off int) {
	rdr.cur = off
	rdr.err = nil
}

// Err returns the error that stopped Next, if any.
func (rdr *Reader) Err() error {
	return rdr.err
}

// Next advances the reader to the next loclist entry, returning
// true if successful, or false at the end of the list or on error.
func (rdr *Reader) Next(e *Entry) bool {
	e.LowPC = rdr.oneAddr()
	e.HighPC = rdr.oneAddr()
	if rdr.err != nil {
		return false
	}

	if e.LowPC == 0 && e.HighPC == 0 {
		return false
	}

	if e.BaseAddressSelection() {
		e.Instr = nil
		return true
	}

	b := rdr.read(2)
	if b == nil {
		return false
	}
	e.Instr = rdr.read(int(rdr.order.Uint16(b)))
	return rdr.err == nil
}

// Find returns the loclist entry for the specified PC address, inside the
// loclist starting at off. Base is the base address of the compile unit.
// A nil entry and a nil error are returned when no entry covers pc.
func (rdr *Reader) Find(off int, base, pc uint64) (*Entry, error) {
	if off < 0 || off >= len(rdr.data) {
		return nil, fmt.Errorf("location list offset %#x out of range", off)
	}
	rdr.Seek(off)
	var e Entry
	for rdr.Next(&e) {
		if e.BaseAddressSelection() {
			base = e.HighPC
			continue
		}
		if pc >= e.LowPC+base && pc < e.HighPC+base {
			return &e, nil
		}
	}
	return nil, rdr.err
}

func (rdr *Reader) read(sz int) []byte {
	if rdr.err != nil || sz < 0 || rdr.cur+sz > len(rdr.data) {
		rdr.err = ErrTruncated
		return nil
	}
	r := rdr.data[rdr.cur : rdr.cur+sz]
	rdr.cur += sz
	return r
}

func (rdr *Reader) oneAddr() uint64 {
	b := rdr.read(rdr.ptrSz)
	if b == nil {
		return 0
	}
	switch rdr.ptrSz {
	case 4:
		addr := rdr.order.Uint32(b)
		if addr == ^uint32(0) {
			return ^uint64(0)
		}
		return uint64(addr)
	default:
		return rdr.order.Uint64(b)
	}
}

// Entry represents a single entry in the loclist section.
type Entry struct {
	LowPC, HighPC uint64
	Instr         []byte
}

// BaseAddressSelection returns true if entry.highpc should
// be used as the base address for subsequent entries.
func (e *Entry) BaseAddressSelection() bool {
	return e.LowPC == ^uint64(0)
}
