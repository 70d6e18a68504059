package frame

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIE(t *testing.T) {
	var s section
	s.cie(3, -4, 1, DW_CFA_def_cfa, 2, 0)
	s.fde(0, 0x1000, 0x10)

	fdes, err := Parse(s.bytes(), binary.LittleEndian, 0, 4)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	common := fdes[0].CIE
	assert.Equal(t, uint8(3), common.Version)
	assert.Equal(t, "", common.Augmentation)
	assert.Equal(t, uint64(1), common.CodeAlignmentFactor)
	assert.Equal(t, int64(-4), common.DataAlignmentFactor)
	assert.Equal(t, uint64(1), common.ReturnAddressRegister)
	assert.Equal(t, []byte{DW_CFA_def_cfa, 2, 0}, common.InitialInstructions)

	assert.Equal(t, uint64(0x1000), fdes[0].Begin())
	assert.Equal(t, uint64(0x1010), fdes[0].End())
}

func TestParseVersion4(t *testing.T) {
	var s section
	c := s.cie(4, -4, 1)
	s.fde(c, 0x2000, 0x20, DW_CFA_nop)

	fdes, err := Parse(s.bytes(), binary.LittleEndian, 0, 8)
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	assert.Equal(t, uint8(4), fdes[0].CIE.AddressSize)
	// the CIE address size wins over the one passed to Parse
	assert.Equal(t, uint64(0x2000), fdes[0].Begin())
	assert.Equal(t, []byte{DW_CFA_nop}, fdes[0].Instructions)
}

func TestParseFindsCIEByOffset(t *testing.T) {
	var s section
	first := s.cie(3, -4, 1)
	second := s.cie(3, -8, 5)
	s.fde(second, 0x3000, 0x10)
	s.fde(first, 0x1000, 0x10)

	fdes, err := Parse(s.bytes(), binary.LittleEndian, 0x100, 4)
	require.NoError(t, err)
	require.Len(t, fdes, 2)

	// sorted by begin
	assert.Equal(t, uint64(0x1100), fdes[0].Begin())
	assert.Equal(t, uint64(1), fdes[0].CIE.ReturnAddressRegister)
	assert.Equal(t, uint64(0x3100), fdes[1].Begin())
	assert.Equal(t, uint64(5), fdes[1].CIE.ReturnAddressRegister)
}

func TestParseZeroTerminator(t *testing.T) {
	var s section
	c := s.cie(1, -4, 1)
	s.buf.Write([]byte{0, 0, 0, 0})
	s.fde(c, 0x1000, 4)

	fdes, err := Parse(s.bytes(), binary.LittleEndian, 0, 4)
	require.NoError(t, err)
	assert.Len(t, fdes, 1)
}

func TestParseErrors(t *testing.T) {
	var unknownCIE section
	unknownCIE.fde(0x40, 0x1000, 4)
	_, err := Parse(unknownCIE.bytes(), binary.LittleEndian, 0, 4)
	assert.Error(t, err)

	_, err = Parse([]byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}, binary.LittleEndian, 0, 4)
	assert.True(t, errors.Is(err, ErrDwarf64))

	_, err = Parse([]byte{0x40, 0, 0, 0, 1}, binary.LittleEndian, 0, 4)
	assert.Error(t, err)

	var badVersion section
	badVersion.cie(2, -4, 1)
	_, err = Parse(badVersion.bytes(), binary.LittleEndian, 0, 4)
	assert.Error(t, err)
}

func TestDwarfEndian(t *testing.T) {
	assert.Equal(t, binary.LittleEndian, DwarfEndian([]byte{0, 0, 0, 0, 4, 0}))
	assert.Equal(t, binary.BigEndian, DwarfEndian([]byte{0, 0, 0, 0, 0, 4}))
	assert.Equal(t, binary.BigEndian, DwarfEndian(nil))
}
