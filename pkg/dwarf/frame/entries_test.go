package frame

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFDEForPC(t *testing.T) {
	frames := NewFrameIndex()
	frames = append(frames,
		&FrameDescriptionEntry{begin: 10, size: 40},
		&FrameDescriptionEntry{begin: 50, size: 50},
		&FrameDescriptionEntry{begin: 100, size: 100},
		&FrameDescriptionEntry{begin: 300, size: 10})

	for _, test := range []struct {
		pc  uint64
		fde *FrameDescriptionEntry
	}{
		{0, nil},
		{9, nil},
		{10, frames[0]},
		{35, frames[0]},
		{49, frames[0]},
		{50, frames[1]},
		{75, frames[1]},
		{100, frames[2]},
		{199, frames[2]},
		{200, nil},
		{299, nil},
		{300, frames[3]},
		{309, frames[3]},
		{310, nil},
		{400, nil}} {

		out, err := frames.FDEForPC(test.pc)
		if test.fde != nil {
			if err != nil {
				t.Fatal(err)
			}
			if out != test.fde {
				t.Errorf("[pc = %#x] got incorrect fde\noutput:\t%#v\nexpected:\t%#v", test.pc, out, test.fde)
			}
		} else {
			var nofde *ErrNoFDEForPC
			if !errors.As(err, &nofde) {
				t.Errorf("[pc = %#x] expected ErrNoFDEForPC got fde %#v err %v", test.pc, out, err)
			}
		}
	}
}

func TestAppendRemovesDuplicates(t *testing.T) {
	a := FrameDescriptionEntries{
		{begin: 50, size: 10},
		{begin: 10, size: 10},
	}
	b := FrameDescriptionEntries{
		{begin: 10, size: 10},
		{begin: 30, size: 5},
	}
	r := a.Append(b)
	require.Len(t, r, 3)
	assert.Equal(t, uint64(10), r[0].Begin())
	assert.Equal(t, uint64(30), r[1].Begin())
	assert.Equal(t, uint64(50), r[2].Begin())
}

func TestTranslate(t *testing.T) {
	fdes := FrameDescriptionEntries{{begin: 0x100, size: 0x10}}
	fdes.Translate(0x8000)
	assert.Equal(t, uint64(0x8100), fdes[0].Begin())
	assert.True(t, fdes[0].Cover(0x810f))
	assert.False(t, fdes[0].Cover(0x8110))
}

func TestIndexCachesRows(t *testing.T) {
	var s section
	c := s.cie(3, -4, 1, DW_CFA_def_cfa, 2, 0)
	s.fde(c, 0x1000, 0x10, DW_CFA_advance_loc|4, DW_CFA_def_cfa_offset, 16)
	s.fde(c, 0x2000, 0x10)

	fdes, err := Parse(s.bytes(), binary.LittleEndian, 0, 4)
	require.NoError(t, err)
	idx, err := NewIndex(fdes, 1)
	require.NoError(t, err)

	fde, row, ok, err := idx.RowForPC(0x1008)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), fde.Begin())
	assert.Equal(t, int64(16), row.CFA.Offset)
	assert.Equal(t, 1, idx.cache.Len())

	_, row, ok, err = idx.RowForPC(0x2000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), row.CFA.Offset)
	assert.Equal(t, 1, idx.cache.Len())
	assert.True(t, idx.cache.Contains(fdes[1]))

	_, _, _, err = idx.RowForPC(0x3000)
	var nofde *ErrNoFDEForPC
	assert.True(t, errors.As(err, &nofde))
}

func TestEstablishFrame(t *testing.T) {
	var s section
	c := s.cie(3, -4, 1, DW_CFA_def_cfa, 2, 0)
	s.fde(c, 0x1000, 0x10, DW_CFA_advance_loc|4, DW_CFA_offset|1, 1)
	fde := parseOne(t, &s)

	row, ok, err := fde.EstablishFrame(0x1002)
	require.NoError(t, err)
	require.True(t, ok)
	_, has := row.Rule(1)
	assert.False(t, has)

	row, _, err = fde.EstablishFrame(0x1004)
	require.NoError(t, err)
	rule, has := row.Rule(1)
	assert.True(t, has)
	assert.Equal(t, int64(-4), rule.Offset)
}
