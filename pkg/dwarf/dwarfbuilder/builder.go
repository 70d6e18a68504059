// Package dwarfbuilder provides a way to build DWARF sections with
// arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// AddrSize is the size of an address in the sections the builder emits.
const AddrSize = 4

// Builder dwarf builder
type Builder struct {
	info     bytes.Buffer
	loc      bytes.Buffer
	abbrevs  []tagDescr
	tagStack []*tagState
	lines    lineProgram
}

// New creates a new DWARF builder for a single C++ compile unit called
// name. The compile unit has a line table, filled with AddLine.
func New(name string) *Builder {
	b := &Builder{}

	b.info.Write([]byte{
		0x0, 0x0, 0x0, 0x0, // length
		0x4, 0x0, // version
		0x0, 0x0, 0x0, 0x0, // debug_abbrev_offset
		AddrSize, // address_size
	})

	b.TagOpen(dwarf.TagCompileUnit, name)
	b.Attr(dwarf.AttrLanguage, uint8(0x21)) // DW_LANG_C_plus_plus_14
	b.Attr(dwarf.AttrStmtList, SecOffset(0))
	b.Attr(dwarf.AttrLowpc, Address(0))

	return b
}

// Build closes b and returns all the dwarf sections.
func (b *Builder) Build() (abbrev, aranges, frame, info, line, pubnames, ranges, str, loc []byte, err error) {
	b.TagClose()

	if len(b.tagStack) > 0 {
		err = fmt.Errorf("unbalanced TagOpen/TagClose %d", len(b.tagStack))
		return
	}

	abbrev = b.makeAbbrevTable()
	info = b.info.Bytes()
	binary.LittleEndian.PutUint32(info, uint32(len(info)-4))
	line = b.lines.bytes()
	loc = b.loc.Bytes()

	return
}

// Data builds the sections and parses them back with debug/dwarf. The
// .debug_loc section is returned separately since debug/dwarf does not
// read it.
func (b *Builder) Data() (*dwarf.Data, []byte, error) {
	abbrev, aranges, frame, info, line, pubnames, ranges, str, loc, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	d, err := dwarf.New(abbrev, aranges, frame, info, line, pubnames, ranges, str)
	if err != nil {
		return nil, nil, err
	}
	return d, loc, nil
}
