package leb128

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeUnsigned(t *testing.T) {
	for _, tc := range []struct {
		in  uint64
		enc []byte
	}{
		{0x0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
		{0x16e000, []byte{0x80, 0xc0, 0x5b}},
		{0xffb00000, []byte{0x80, 0x80, 0xc0, 0xfd, 0x0f}},
	} {
		var buf bytes.Buffer
		EncodeUnsigned(&buf, tc.in)
		assert.Equal(t, tc.enc, buf.Bytes(), "%#x", tc.in)

		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c := DecodeUnsigned(&buf)
		assert.Equal(t, tc.in, out)
		assert.Equal(t, uint32(len(tc.enc)), c)
	}
}

func TestEncodeSigned(t *testing.T) {
	for _, tc := range []struct {
		in  int64
		enc []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{-20, []byte{0x6c}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-64, []byte{0x40}},
		{-65, []byte{0xbf, 0x7f}},
		{-0x100000, []byte{0x80, 0x80, 0x40}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	} {
		var buf bytes.Buffer
		EncodeSigned(&buf, tc.in)
		assert.Equal(t, tc.enc, buf.Bytes(), "%d", tc.in)

		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c := DecodeSigned(&buf)
		assert.Equal(t, tc.in, out)
		assert.Equal(t, uint32(len(tc.enc)), c)
	}
}
