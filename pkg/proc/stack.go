package proc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/dwarf/regnum"
	"github.com/debuda/riscdbg/pkg/logflags"
	"github.com/debuda/riscdbg/pkg/risc"
)

// instructionSize is the distance between a call and its return address.
const instructionSize = 4

// DefaultCallstackLimit is the number of frames GetCallstack returns when
// WalkOptions.Limit is not set.
const DefaultCallstackLimit = 100

// LoadedImage is an ELF image loaded on a core, Offset bytes above the
// addresses in its debug information.
type LoadedImage struct {
	Info   *BinaryInfo
	Offset uint64
}

// WalkOptions controls GetCallstack.
type WalkOptions struct {
	// Limit is the maximum number of frames returned.
	Limit int
	// StopOnMain stops the walk after the frame of main.
	StopOnMain bool
	// OlderFrameFallback is the fallback of registers the CFI of frames
	// older than the top one does not describe.
	OlderFrameFallback OlderFrameFallback
}

// DefaultWalkOptions returns the options used when none are configured.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{Limit: DefaultCallstackLimit, StopOnMain: true}
}

// StopReason is why a stack walk ended.
type StopReason uint8

const (
	// StopLimit means the frame limit was reached.
	StopLimit StopReason = iota
	// StopMain means main was reached.
	StopMain
	// StopNoCFI means no loaded image has CFI for the next PC.
	StopNoCFI
	// StopZeroCFA means the CFA of the last frame is zero or unknown.
	StopZeroCFA
	// StopNoReturnAddress means the return address of the last frame
	// could not be recovered or is zero.
	StopNoReturnAddress
)

func (r StopReason) String() string {
	switch r {
	case StopLimit:
		return "frame limit reached"
	case StopMain:
		return "reached main"
	case StopNoCFI:
		return "no CFI for pc"
	case StopZeroCFA:
		return "CFA is zero"
	case StopNoReturnAddress:
		return "no return address"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// Callstack is the result of a stack walk.
type Callstack struct {
	Location risc.Location
	Frames   []CallstackEntry
	Stop     StopReason
}

// CallstackEntry is one frame of a callstack. Calls inlined into a
// function produce one entry each, marked Inlined, before the entry of
// the function.
type CallstackEntry struct {
	// PC is the address the frame executes at: the program counter of the
	// top frame, the return address of the others.
	PC       uint64
	Function string
	File     string
	Line     int
	Column   int
	CFA      CFA
	Inlined  bool
	// Image is the path of the image containing PC.
	Image     string
	Arguments []*Variable
	Locals    []*Variable
}

// GetCallstack halts core, unless it is already halted, and walks its
// stack using the CFI and debug information of images. The core is
// resumed afterwards if it was running.
func GetCallstack(core Core, images []LoadedImage, opts WalkOptions) (*Callstack, error) {
	cs := &Callstack{Location: core.Location()}
	it := &stackIterator{
		core:   core,
		images: images,
		opts:   opts,
		log:    logflags.ForCore(logflags.StackLogger(), core.Location()),
	}
	if it.opts.Limit <= 0 {
		it.opts.Limit = DefaultCallstackLimit
	}
	err := core.EnsureHalted(func() error {
		return it.walk(cs)
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

type stackIterator struct {
	core   Core
	images []LoadedImage
	opts   WalkOptions
	log    logflags.Logger
}

func (it *stackIterator) walk(cs *Callstack) error {
	pc32, err := it.core.ReadGPR(regnum.RISCV_PC)
	if err != nil {
		return fmt.Errorf("could not read pc: %w", err)
	}
	ebreak, err := it.core.IsEbreakHit()
	if err != nil {
		return err
	}

	// The top frame looks up its CFI at the live PC. Symbols of a core
	// stopped by an ebreak, and everything of older frames, are looked up
	// at the preceding instruction.
	pc := uint64(pc32)
	cfiPC, symPC := pc, pc
	if ebreak && pc >= instructionSize {
		symPC = pc - instructionSize
	}

	fi := NewTopFrameInspection(it.core)
	var calleeCFA CFA
	for {
		img, fde, row, hasRow, ok := it.lookupCFI(cfiPC)
		if !ok {
			if fi.IsTop() {
				it.log.Warnf("no CFI for pc %#x in any loaded image", cfiPC)
			} else {
				it.log.Debugf("no CFI for pc %#x", cfiPC)
			}
			cs.Stop = StopNoCFI
			return nil
		}
		desc := newFrameDescription(cfiPC-img.Offset, fde, row, hasRow, it.core)
		desc.Fallback = it.opts.OlderFrameFallback

		cfa := desc.ReadPreviousCFA(calleeCFA, fi)
		if cfa.Valid {
			if sp, ok := fi.ReadRegister(regnum.RISCV_SP); ok && cfa.Addr > sp {
				desc.mem = cacheMemory(desc.mem, sp, int(cfa.Addr-sp))
				fi.mem = desc.mem
			}
		}

		fn := it.appendFrames(cs, img, pc, symPC, fi, cfa)
		if len(cs.Frames) >= it.opts.Limit {
			cs.Frames = cs.Frames[:it.opts.Limit]
			cs.Stop = StopLimit
			return nil
		}
		if it.opts.StopOnMain && fn != nil && fn.Name == "main" {
			cs.Stop = StopMain
			return nil
		}
		if !cfa.Valid || cfa.Addr == 0 {
			cs.Stop = StopZeroCFA
			return nil
		}
		ra, ok := desc.ReadRegister(regnum.RISCV_LR, cfa, fi)
		if !ok || ra < instructionSize {
			cs.Stop = StopNoReturnAddress
			return nil
		}
		it.log.Debugf("frame at %#x: cfa %s, return address %#x", pc, cfa, ra)

		fi = NewFrameInspection(it.core, ra, desc, cfa, fi)
		calleeCFA = cfa
		pc = ra
		cfiPC, symPC = ra-instructionSize, ra-instructionSize
	}
}

// lookupCFI returns the first image with CFI covering pc.
func (it *stackIterator) lookupCFI(pc uint64) (img *LoadedImage, fde *frame.FrameDescriptionEntry, row frame.Row, hasRow, ok bool) {
	for i := range it.images {
		img = &it.images[i]
		if img.Info == nil || pc < img.Offset {
			continue
		}
		fde, row, hasRow, err := img.Info.FrameIndex().RowForPC(pc - img.Offset)
		if err != nil {
			var nofde *frame.ErrNoFDEForPC
			if !errors.As(err, &nofde) {
				it.log.WithError(err).Warnf("could not read CFI of %s", img.Info.Path)
			}
			continue
		}
		return img, fde, row, hasRow, true
	}
	return nil, nil, frame.Row{}, false, false
}

// appendFrames appends the frame executing at pc to cs, preceded by one
// entry for each inlined call containing symPC. It returns the function
// containing symPC.
func (it *stackIterator) appendFrames(cs *Callstack, img *LoadedImage, pc, symPC uint64, fi *FrameInspection, cfa CFA) *Function {
	bi := img.Info
	rel := symPC - img.Offset
	file, line, col := bi.PCToLine(rel)
	base := CallstackEntry{PC: pc, CFA: cfa, Image: bi.Path}

	fn := bi.PCToFunc(rel)
	if fn == nil {
		e := base
		e.File, e.Line, e.Column = file, line, col
		cs.Frames = append(cs.Frames, e)
		return nil
	}

	// Lexical blocks belong to the closest enclosing function or inlined
	// call.
	var groups [][]*Scope
	for _, s := range bi.ScopesAt(rel) {
		if s.Kind == ScopeBlock && len(groups) > 0 {
			groups[len(groups)-1] = append(groups[len(groups)-1], s)
			continue
		}
		groups = append(groups, []*Scope{s})
	}

	ctxt := bi.frameContext(fn, fi, cfa, img.Offset)
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		e := base
		e.Function = g[0].Name
		e.Inlined = i > 0
		e.File, e.Line, e.Column = file, line, col
		for _, s := range g {
			for _, v := range s.Variables {
				val := bi.evalVariable(v, fi, ctxt, rel)
				if v.Param {
					e.Arguments = append(e.Arguments, val)
				} else {
					e.Locals = append(e.Locals, val)
				}
			}
		}
		cs.Frames = append(cs.Frames, e)
		file, line, col = g[0].CallFile, g[0].CallLine, g[0].CallColumn
	}
	return fn
}

// CoreImages is the core and loaded images of one stack walk.
type CoreImages struct {
	Core   Core
	Images []LoadedImage
}

// ErrDuplicateCore is returned by CallstacksOf when the same core appears
// in more than one walk.
var ErrDuplicateCore = errors.New("core walked more than once")

// CallstacksOf walks the stacks of several cores concurrently. Walks of
// one core cannot overlap, so every walk must be on a different core.
func CallstacksOf(ctx context.Context, walks []CoreImages, opts WalkOptions) ([]*Callstack, error) {
	seen := make(map[risc.Location]bool)
	for _, w := range walks {
		loc := w.Core.Location()
		if seen[loc] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCore, loc)
		}
		seen[loc] = true
	}

	r := make([]*Callstack, len(walks))
	g, ctx := errgroup.WithContext(ctx)
	for i := range walks {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cs, err := GetCallstack(walks[i].Core, walks[i].Images, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", walks[i].Core.Location(), err)
			}
			r[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}
