package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/debuda/riscdbg/pkg/dwarf/op"
	"github.com/debuda/riscdbg/pkg/logflags"
)

// maxVariableSize is the largest variable read from memory.
const maxVariableSize = 1024

var (
	errOptimizedOut   = errors.New("optimized out")
	errUnknownSize    = errors.New("unknown size")
	errVariableTooBig = errors.New("variable too large")
)

// Variable is a formal parameter or local variable captured during a
// stack walk. A variable that could not be read has a nil Value and Err
// set; the other variables of the frame are not affected.
type Variable struct {
	Name  string
	Type  string
	Param bool
	// Addr is the address of the variable, zero for variables living in
	// registers or without storage.
	Addr  uint64
	Value []byte
	Err   error
}

// Available returns true if the value of v was read.
func (v *Variable) Available() bool {
	return v.Err == nil
}

// Uint returns the value of v as a little endian unsigned integer of up
// to 8 bytes.
func (v *Variable) Uint() (uint64, bool) {
	if !v.Available() || len(v.Value) == 0 || len(v.Value) > 8 {
		return 0, false
	}
	var buf [8]byte
	copy(buf[:], v.Value)
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (v *Variable) String() string {
	var sb strings.Builder
	sb.WriteString(v.Name)
	if v.Type != "" {
		fmt.Fprintf(&sb, " %s", v.Type)
	}
	sb.WriteString(" = ")
	switch {
	case !v.Available():
		fmt.Fprintf(&sb, "<unavailable: %v>", v.Err)
	default:
		if x, ok := v.Uint(); ok {
			fmt.Fprintf(&sb, "%#x", x)
		} else {
			fmt.Fprintf(&sb, "% x", v.Value)
		}
	}
	return sb.String()
}

// frameContext returns the context location expressions of fn are
// evaluated in.
func (bi *BinaryInfo) frameContext(fn *Function, fi *FrameInspection, cfa CFA, staticBase uint64) op.Context {
	ctxt := op.Context{
		Frame:      fi,
		StaticBase: staticBase,
		PtrSize:    bi.PtrSize,
		ByteOrder:  bi.ByteOrder,
		Types:      cuTypes{bi, fn.cu},
	}
	if cfa.Valid {
		ctxt = ctxt.WithCFA(cfa.Addr)
	}
	if fb := fn.scope.FrameBase; fb != nil {
		_, v, err := op.ExecuteStackProgram(ctxt, fb)
		switch {
		case err != nil:
			logflags.StackLogger().WithError(err).Debugf("could not evaluate frame base of %s", fn.Name)
		case !v.IsBytes():
			ctxt = ctxt.WithFrameBase(v.Int)
		}
	}
	return ctxt
}

// evalVariable reads v in the frame inspected by fi. pc is the address
// relative to the image used to select a location list entry.
func (bi *BinaryInfo) evalVariable(v *VariableInfo, fi *FrameInspection, ctxt op.Context, pc uint64) *Variable {
	r := &Variable{Name: v.Name, Param: v.Param}
	size := int64(-1)
	if v.typ != 0 {
		typ, err := bi.Type(v.typ)
		if err == nil {
			r.Type = typ.String()
			size = typ.Size()
		}
	}

	if v.HasConstValue {
		r.Value = encodeInt(v.ConstValue, size)
		return r
	}

	expr, err := bi.locationAt(v, pc)
	if err != nil {
		r.Err = err
		return r
	}
	if len(expr) == 0 {
		r.Err = errOptimizedOut
		return r
	}

	isAddress, val, err := op.ExecuteStackProgram(ctxt, expr)
	switch {
	case err != nil:
		logflags.StackLogger().WithError(err).Debugf("could not evaluate location of %s: %s", v.Name, op.Disassemble(expr))
		r.Err = err
	case isAddress:
		r.Addr = uint64(uint32(val.Int))
		switch {
		case size <= 0:
			r.Err = errUnknownSize
		case size > maxVariableSize:
			r.Err = errVariableTooBig
		default:
			r.Value, r.Err = fi.ReadMemory(r.Addr, int(size))
		}
	case val.IsBytes():
		r.Value = val.Bytes
	default:
		r.Value = encodeInt(val.Int, size)
	}
	if r.Err != nil {
		r.Value = nil
	}
	return r
}

// encodeInt returns the size low bytes of x, the size of a word when size
// is unknown.
func encodeInt(x int64, size int64) []byte {
	if size <= 0 || size > 8 {
		size = wordSize
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(x))
	return buf[:size]
}
