package proc

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/dwarf/loclist"
	"github.com/debuda/riscdbg/pkg/dwarf/op"
	"github.com/debuda/riscdbg/pkg/logflags"
)

// BinaryInfo holds information on the debug sections of one ELF image.
// It is immutable once loaded and may be shared by walks running on
// different cores.
type BinaryInfo struct {
	// Path is the file the image was loaded from.
	Path string
	// PtrSize is the size of an address in the image.
	PtrSize   int
	ByteOrder binary.ByteOrder

	// Functions is a list of all DW_TAG_subprogram entries with code,
	// sorted by entry point.
	Functions []*Function
	// Sources is a list of all source files mentioned in the line tables.
	Sources []string
	// LookupFunc maps function names to their first definition.
	LookupFunc map[string]*Function

	dwarf    *dwarf.Data
	frames   *frame.Index
	debugLoc []byte

	compileUnits []*compileUnit
	fnRanges     []fnRange
	lines        []lineRow

	// typeMu serializes calls to dwarf.Data.Type, whose cache is not
	// safe for concurrent use.
	typeMu sync.Mutex

	closer io.Closer
}

// ErrNoDebugFrame is returned by LoadBinaryInfo for images without a
// .debug_frame section.
var ErrNoDebugFrame = errors.New("no .debug_frame section")

// ErrUnsupportedArch is returned for ELF files that are not RISC-V.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Function describes a function in the target program.
type Function struct {
	Name       string
	Entry, End uint64 // same as DW_AT_lowpc and DW_AT_highpc
	Ranges     [][2]uint64
	offset     dwarf.Offset
	cu         *compileUnit
	scope      *Scope
}

// Scope returns the outermost scope of the function.
func (fn *Function) Scope() *Scope {
	return fn.scope
}

// ScopeKind is the kind of DIE a Scope was built from.
type ScopeKind uint8

const (
	ScopeFunction ScopeKind = iota
	ScopeInlined
	ScopeBlock
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeFunction:
		return "function"
	case ScopeInlined:
		return "inlined"
	case ScopeBlock:
		return "block"
	}
	return fmt.Sprintf("ScopeKind(%d)", uint8(k))
}

// Scope is a function, inlined call or lexical block and the variables
// declared in it.
type Scope struct {
	Kind ScopeKind
	// Name is the name of the function for function and inlined scopes.
	Name   string
	Ranges [][2]uint64
	// CallFile, CallLine and CallColumn are the call site of an inlined
	// scope.
	CallFile   string
	CallLine   int
	CallColumn int
	// FrameBase is the DW_AT_frame_base expression of a function scope.
	FrameBase []byte
	Variables []*VariableInfo
	Children  []*Scope

	offset dwarf.Offset
	origin dwarf.Offset
}

func (s *Scope) contains(pc uint64) bool {
	return rangesContains(s.Ranges, pc)
}

// VariableInfo is the debug information of a formal parameter or local
// variable.
type VariableInfo struct {
	Name  string
	Param bool
	// Location is the location expression of the variable, nil when the
	// variable has a location list or no location at all.
	Location []byte
	// LocList is the offset of the location list of the variable in
	// .debug_loc, -1 if it has none.
	LocList int64
	// ConstValue is the value of variables without storage.
	ConstValue    int64
	HasConstValue bool

	typ    dwarf.Offset
	origin dwarf.Offset
	cu     *compileUnit
}

type compileUnit struct {
	name   string
	entry  *dwarf.Entry
	lowPC  uint64
	ranges [][2]uint64
	files  []string
}

type fnRange struct {
	lowpc, highpc uint64
	fn            *Function
}

type lineRow struct {
	addr         uint64
	file         string
	line, column int
	endSeq       bool
}

// cuHeaderSize is the size of a 32-bit DWARF version 2 to 4 compile
// unit header, the distance between the start of a compile unit and its
// first DIE.
const cuHeaderSize = 11

// LoadBinaryInfo reads the debug information of the RISC-V ELF file at
// path. fdeCacheSize is the number of CFI tables kept in memory.
func LoadBinaryInfo(path string, fdeCacheSize int) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	bi, err := loadBinaryInfoELF(path, f, fdeCacheSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	bi.closer = f
	return bi, nil
}

func loadBinaryInfoELF(path string, f *elf.File, fdeCacheSize int) (*BinaryInfo, error) {
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%s: %w %s", path, ErrUnsupportedArch, f.Machine)
	}
	ptrSize := 4
	if f.Class == elf.ELFCLASS64 {
		ptrSize = 8
	}
	dw, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%s: could not read debug info: %w", path, err)
	}
	debugFrame, err := sectionData(f, ".debug_frame")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if debugFrame == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoDebugFrame)
	}
	debugLoc, err := sectionData(f, ".debug_loc")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return newBinaryInfo(path, dw, debugFrame, debugLoc, f.ByteOrder, ptrSize, fdeCacheSize)
}

func sectionData(f *elf.File, name string) ([]byte, error) {
	sec := f.Section(name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", name, err)
	}
	return data, nil
}

// NewBinaryInfo builds the debug information of a little endian 32-bit
// image from already parsed DWARF data and the raw contents of its
// .debug_frame and .debug_loc sections.
func NewBinaryInfo(name string, dw *dwarf.Data, debugFrame, debugLoc []byte, fdeCacheSize int) (*BinaryInfo, error) {
	return newBinaryInfo(name, dw, debugFrame, debugLoc, binary.LittleEndian, 4, fdeCacheSize)
}

func newBinaryInfo(path string, dw *dwarf.Data, debugFrame, debugLoc []byte, order binary.ByteOrder, ptrSize, fdeCacheSize int) (*BinaryInfo, error) {
	bi := &BinaryInfo{
		Path:       path,
		PtrSize:    ptrSize,
		ByteOrder:  order,
		LookupFunc: make(map[string]*Function),
		dwarf:      dw,
		debugLoc:   debugLoc,
	}
	fdes, err := frame.Parse(debugFrame, order, 0, ptrSize)
	if err != nil {
		return nil, fmt.Errorf("%s: could not parse .debug_frame: %w", path, err)
	}
	bi.frames, err = frame.NewIndex(fdes, fdeCacheSize)
	if err != nil {
		return nil, err
	}
	if err := bi.loadDebugInfo(); err != nil {
		return nil, fmt.Errorf("%s: could not read debug info: %w", path, err)
	}
	logflags.StackLogger().Debugf("loaded %s: %d functions, %d FDEs", path, len(bi.Functions), len(fdes))
	return bi, nil
}

// Close releases the file the image was read from.
func (bi *BinaryInfo) Close() error {
	if bi.closer == nil {
		return nil
	}
	return bi.closer.Close()
}

// FrameIndex returns the CFI of the image.
func (bi *BinaryInfo) FrameIndex() *frame.Index {
	return bi.frames
}

// loadDebugInfo builds the scope tree of every function in a single pass
// over the DIEs, then resolves the names and types inherited through
// DW_AT_abstract_origin and DW_AT_specification.
func (bi *BinaryInfo) loadDebugInfo() error {
	decls := make(map[dwarf.Offset]*dwarf.Entry)
	var scopes []*Scope
	var vars []*VariableInfo

	rdr := bi.dwarf.Reader()
	var cu *compileUnit
	var stack []*Scope
	for {
		e, err := rdr.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if e.Tag == dwarf.TagCompileUnit {
			cu, err = bi.loadCompileUnit(e)
			if err != nil {
				return err
			}
			stack = stack[:0]
			if e.Children {
				stack = append(stack, nil)
			}
			continue
		}

		var parent *Scope
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}
		var pushed *Scope

		switch e.Tag {
		case dwarf.TagSubprogram:
			decls[e.Offset] = e
			ranges, _ := bi.dwarf.Ranges(e)
			if len(ranges) == 0 {
				break
			}
			s := &Scope{Kind: ScopeFunction, Ranges: ranges, offset: e.Offset}
			s.Name, _ = e.Val(dwarf.AttrName).(string)
			s.FrameBase, _ = e.Val(dwarf.AttrFrameBase).([]byte)
			s.origin = originOf(e)
			fn := &Function{
				Name:   s.Name,
				Entry:  ranges[0][0],
				End:    ranges[0][1],
				Ranges: ranges,
				offset: e.Offset,
				cu:     cu,
				scope:  s,
			}
			for _, rng := range ranges {
				if rng[0] < fn.Entry {
					fn.Entry = rng[0]
				}
				if rng[1] > fn.End {
					fn.End = rng[1]
				}
				bi.fnRanges = append(bi.fnRanges, fnRange{rng[0], rng[1], fn})
			}
			bi.Functions = append(bi.Functions, fn)
			scopes = append(scopes, s)
			pushed = s

		case dwarf.TagInlinedSubroutine, dwarf.TagLexDwarfBlock:
			if parent == nil {
				break
			}
			ranges, _ := bi.dwarf.Ranges(e)
			s := &Scope{Kind: ScopeBlock, Ranges: ranges, offset: e.Offset}
			if e.Tag == dwarf.TagInlinedSubroutine {
				s.Kind = ScopeInlined
				s.origin = originOf(e)
				if idx, ok := e.Val(dwarf.AttrCallFile).(int64); ok && cu != nil && idx >= 0 && int(idx) < len(cu.files) {
					s.CallFile = cu.files[idx]
				}
				if ln, ok := e.Val(dwarf.AttrCallLine).(int64); ok {
					s.CallLine = int(ln)
				}
				if col, ok := e.Val(dwarf.AttrCallColumn).(int64); ok {
					s.CallColumn = int(col)
				}
				scopes = append(scopes, s)
			}
			parent.Children = append(parent.Children, s)
			pushed = s

		case dwarf.TagFormalParameter, dwarf.TagVariable:
			decls[e.Offset] = e
			if parent == nil {
				break
			}
			v := newVariableInfo(e, cu)
			parent.Variables = append(parent.Variables, v)
			vars = append(vars, v)
		}

		if e.Children {
			stack = append(stack, pushed)
		}
	}

	for _, s := range scopes {
		if s.Name == "" {
			s.Name = declName(decls, s.origin)
		}
	}
	for _, fn := range bi.Functions {
		fn.Name = fn.scope.Name
		if _, dup := bi.LookupFunc[fn.Name]; !dup && fn.Name != "" {
			bi.LookupFunc[fn.Name] = fn
		}
	}
	for _, v := range vars {
		resolveVariable(decls, v)
	}

	sort.Slice(bi.Functions, func(i, j int) bool { return bi.Functions[i].Entry < bi.Functions[j].Entry })
	sort.Slice(bi.fnRanges, func(i, j int) bool { return bi.fnRanges[i].lowpc < bi.fnRanges[j].lowpc })
	sort.SliceStable(bi.lines, func(i, j int) bool {
		if bi.lines[i].addr != bi.lines[j].addr {
			return bi.lines[i].addr < bi.lines[j].addr
		}
		return bi.lines[i].endSeq && !bi.lines[j].endSeq
	})
	return nil
}

func (bi *BinaryInfo) loadCompileUnit(e *dwarf.Entry) (*compileUnit, error) {
	cu := &compileUnit{entry: e}
	cu.name, _ = e.Val(dwarf.AttrName).(string)
	cu.lowPC, _ = e.Val(dwarf.AttrLowpc).(uint64)
	cu.ranges, _ = bi.dwarf.Ranges(e)
	bi.compileUnits = append(bi.compileUnits, cu)

	lr, err := bi.dwarf.LineReader(e)
	if err != nil {
		return nil, err
	}
	if lr == nil {
		return cu, nil
	}
	for _, f := range lr.Files() {
		if f == nil {
			cu.files = append(cu.files, "")
			continue
		}
		cu.files = append(cu.files, f.Name)
	}
	seen := make(map[string]bool)
	for _, name := range cu.files {
		if name != "" && !seen[name] {
			seen[name] = true
			bi.Sources = append(bi.Sources, name)
		}
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		row := lineRow{addr: le.Address, line: le.Line, column: le.Column, endSeq: le.EndSequence}
		if le.File != nil {
			row.file = le.File.Name
		}
		bi.lines = append(bi.lines, row)
	}
	return cu, nil
}

func originOf(e *dwarf.Entry) dwarf.Offset {
	if off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		return off
	}
	if off, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		return off
	}
	return 0
}

// declName follows the abstract origin chain starting at off until a
// DIE with a name is found.
func declName(decls map[dwarf.Offset]*dwarf.Entry, off dwarf.Offset) string {
	for i := 0; off != 0 && i < 8; i++ {
		e := decls[off]
		if e == nil {
			return ""
		}
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			return name
		}
		off = originOf(e)
	}
	return ""
}

func newVariableInfo(e *dwarf.Entry, cu *compileUnit) *VariableInfo {
	v := &VariableInfo{
		Param:   e.Tag == dwarf.TagFormalParameter,
		LocList: -1,
		origin:  originOf(e),
		cu:      cu,
	}
	v.Name, _ = e.Val(dwarf.AttrName).(string)
	v.typ, _ = e.Val(dwarf.AttrType).(dwarf.Offset)
	switch loc := e.Val(dwarf.AttrLocation).(type) {
	case []byte:
		v.Location = loc
	case int64:
		v.LocList = loc
	}
	if c, ok := e.Val(dwarf.AttrConstValue).(int64); ok {
		v.ConstValue = c
		v.HasConstValue = true
	}
	return v
}

func resolveVariable(decls map[dwarf.Offset]*dwarf.Entry, v *VariableInfo) {
	off := v.origin
	for i := 0; off != 0 && i < 8 && (v.Name == "" || v.typ == 0); i++ {
		e := decls[off]
		if e == nil {
			return
		}
		if v.Name == "" {
			v.Name, _ = e.Val(dwarf.AttrName).(string)
		}
		if v.typ == 0 {
			v.typ, _ = e.Val(dwarf.AttrType).(dwarf.Offset)
		}
		off = originOf(e)
	}
}

func rangesContains(rngs [][2]uint64, pc uint64) bool {
	for _, rng := range rngs {
		if rng[0] <= pc && pc < rng[1] {
			return true
		}
	}
	return false
}

// PCToFunc returns the function containing the given PC address
func (bi *BinaryInfo) PCToFunc(pc uint64) *Function {
	i := sort.Search(len(bi.fnRanges), func(i int) bool {
		return bi.fnRanges[i].lowpc > pc
	})
	if i == 0 {
		return nil
	}
	rng := bi.fnRanges[i-1]
	if rng.lowpc <= pc && pc < rng.highpc {
		return rng.fn
	}
	return nil
}

// PCToLine converts an instruction address to a file/line/column. The
// returned file is empty when the line table does not cover pc.
func (bi *BinaryInfo) PCToLine(pc uint64) (file string, line, column int) {
	i := sort.Search(len(bi.lines), func(i int) bool {
		return bi.lines[i].addr > pc
	})
	if i == 0 {
		return "", 0, 0
	}
	row := bi.lines[i-1]
	if row.endSeq {
		return "", 0, 0
	}
	return row.file, row.line, row.column
}

// ScopesAt returns the scopes containing pc, from the function down to
// the innermost inlined call or lexical block.
func (bi *BinaryInfo) ScopesAt(pc uint64) []*Scope {
	fn := bi.PCToFunc(pc)
	if fn == nil {
		return nil
	}
	r := []*Scope{fn.scope}
	for cur := fn.scope; ; {
		var next *Scope
		for _, child := range cur.Children {
			if child.contains(pc) {
				next = child
				break
			}
		}
		if next == nil {
			return r
		}
		r = append(r, next)
		cur = next
	}
}

// Type returns the type at off.
func (bi *BinaryInfo) Type(off dwarf.Offset) (dwarf.Type, error) {
	bi.typeMu.Lock()
	defer bi.typeMu.Unlock()
	return bi.dwarf.Type(off)
}

// cuTypes resolves the compile unit relative type references of typed
// DWARF operations.
type cuTypes struct {
	bi *BinaryInfo
	cu *compileUnit
}

func (r cuTypes) ResolveBaseType(off uint64) (op.BaseType, bool) {
	if r.cu == nil {
		return op.BaseType{}, false
	}
	start := uint64(r.cu.entry.Offset) - cuHeaderSize
	typ, err := r.bi.Type(dwarf.Offset(start + off))
	if err != nil {
		return op.BaseType{}, false
	}
	return baseTypeOf(typ)
}

func baseTypeOf(typ dwarf.Type) (op.BaseType, bool) {
	switch t := typ.(type) {
	case *dwarf.IntType, *dwarf.CharType:
		return op.BaseType{Size: int(t.Size()), Signed: true}, true
	case *dwarf.UintType, *dwarf.UcharType, *dwarf.BoolType, *dwarf.AddrType:
		return op.BaseType{Size: int(t.Size())}, true
	case *dwarf.TypedefType:
		return baseTypeOf(t.Type)
	case *dwarf.QualType:
		return baseTypeOf(t.Type)
	case *dwarf.EnumType:
		return op.BaseType{Size: int(t.Size())}, true
	}
	return op.BaseType{}, false
}

// locationAt returns the location expression of v at pc, an address
// relative to the image.
func (bi *BinaryInfo) locationAt(v *VariableInfo, pc uint64) ([]byte, error) {
	if v.LocList < 0 {
		return v.Location, nil
	}
	var base uint64
	if v.cu != nil {
		base = v.cu.lowPC
	}
	e, err := loclist.New(bi.debugLoc, bi.PtrSize, bi.ByteOrder).Find(int(v.LocList), base, pc)
	if err != nil || e == nil {
		return nil, err
	}
	return e.Instr, nil
}
