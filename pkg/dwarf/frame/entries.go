package frame

import (
	"encoding/binary"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/debuda/riscdbg/pkg/logflags"
)

// CommonInformationEntry represents a Common Information Entry in
// the Dwarf .debug_frame section.
type CommonInformationEntry struct {
	Length                uint32
	CIE_id                uint32
	Version               uint8
	Augmentation          string
	AddressSize           uint8
	SegmentSize           uint8
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	staticBase            uint64
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// Dwarf .debug_frame section.
type FrameDescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64
	order        binary.ByteOrder
	ptrSize      int
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns address of last location for this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// Translate moves the beginning of fde forward by delta.
func (fde *FrameDescriptionEntry) Translate(delta uint64) {
	fde.begin += delta
}

// Rows executes the CIE and FDE instructions and returns the CFI table
// of this entry.
func (fde *FrameDescriptionEntry) Rows() ([]Row, error) {
	return buildTable(fde)
}

// RowForPC returns the last row of rows whose Loc is not after pc.
// It returns false if pc precedes every row.
func RowForPC(rows []Row, pc uint64) (Row, bool) {
	idx := sort.Search(len(rows), func(i int) bool {
		return rows[i].Loc > pc
	})
	if idx == 0 {
		return Row{}, false
	}
	return rows[idx-1], true
}

// EstablishFrame returns the rules in effect at pc.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) (Row, bool, error) {
	rows, err := fde.Rows()
	if err != nil {
		return Row{}, false, err
	}
	row, ok := RowForPC(rows, pc)
	return row, ok, nil
}

type FrameDescriptionEntries []*FrameDescriptionEntry

func NewFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

// ErrNoFDEForPC FDE for PC not found error
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}

// Append appends otherFDEs to fdes and returns the result, sorted by
// begin address with duplicate ranges removed.
func (fdes FrameDescriptionEntries) Append(otherFDEs FrameDescriptionEntries) FrameDescriptionEntries {
	r := append(fdes, otherFDEs...)
	sort.SliceStable(r, func(i, j int) bool {
		return r[i].Begin() < r[j].Begin()
	})
	uniqFDEs := r[:0]
	for _, fde := range r {
		if len(uniqFDEs) > 0 {
			last := uniqFDEs[len(uniqFDEs)-1]
			if last.Begin() == fde.Begin() && last.End() == fde.End() {
				continue
			}
		}
		uniqFDEs = append(uniqFDEs, fde)
	}
	return uniqFDEs
}

// Translate moves every entry forward by delta.
func (fdes FrameDescriptionEntries) Translate(delta uint64) {
	for _, fde := range fdes {
		fde.Translate(delta)
	}
}

// Index answers "which rules apply at this PC" for a set of FDEs,
// keeping the tables of recently used entries in an LRU cache.
type Index struct {
	fdes  FrameDescriptionEntries
	cache *lru.Cache
}

// DefaultCacheSize is the number of FDE tables an Index keeps when no
// size is given.
const DefaultCacheSize = 256

// NewIndex returns an index over fdes. The entries must be sorted by
// begin address, as Parse and Append return them.
func NewIndex(fdes FrameDescriptionEntries, cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Index{fdes: fdes, cache: cache}, nil
}

// FDEs returns the entries of the index.
func (idx *Index) FDEs() FrameDescriptionEntries {
	return idx.fdes
}

// FDEForPC returns the entry covering pc.
func (idx *Index) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	return idx.fdes.FDEForPC(pc)
}

// Rows returns the CFI table of fde, computing it at most once while it
// stays in the cache.
func (idx *Index) Rows(fde *FrameDescriptionEntry) ([]Row, error) {
	if rows, ok := idx.cache.Get(fde); ok {
		return rows.([]Row), nil
	}
	rows, err := fde.Rows()
	if err != nil {
		logflags.FrameLogger().WithError(err).Warnf("could not build CFI table for %#x-%#x", fde.Begin(), fde.End())
		return nil, err
	}
	idx.cache.Add(fde, rows)
	return rows, nil
}

// RowForPC returns the entry covering pc and the row in effect at pc.
// The returned bool is false when the entry has no row for pc.
func (idx *Index) RowForPC(pc uint64) (*FrameDescriptionEntry, Row, bool, error) {
	fde, err := idx.FDEForPC(pc)
	if err != nil {
		return nil, Row{}, false, err
	}
	rows, err := idx.Rows(fde)
	if err != nil {
		return fde, Row{}, false, err
	}
	row, ok := RowForPC(rows, pc)
	return fde, row, ok, nil
}
