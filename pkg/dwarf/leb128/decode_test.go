package leb128

import (
	"bytes"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	leb128 := bytes.NewBuffer([]byte{0xE5, 0x8E, 0x26})

	n, c := DecodeUnsigned(leb128)
	if n != 624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}

	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeSigned(t *testing.T) {
	sleb128 := bytes.NewBuffer([]byte{0x9b, 0xf1, 0x59})

	n, c := DecodeSigned(sleb128)
	if n != -624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}
	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, in := range [][]byte{{}, {0x80}, {0xff, 0xff}} {
		if _, c := DecodeUnsigned(bytes.NewBuffer(in)); c != 0 {
			t.Errorf("DecodeUnsigned(%x): expected zero length, got %d", in, c)
		}
		if _, c := DecodeSigned(bytes.NewBuffer(in)); c != 0 {
			t.Errorf("DecodeSigned(%x): expected zero length, got %d", in, c)
		}
	}
}
