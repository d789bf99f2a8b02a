package pmm

import (
	"embercore/core/mem"
	"embercore/core/memmap"
	"embercore/core/sys"
)

var errMemMapOverflow = &sys.Error{Module: "pmm", Message: "memory map output buffer exhausted"}

// BumpAllocator hands out 4 KiB physical frames from the usable regions of
// a firmware memory map in ascending address order, and later reconstructs
// the normalized map the kernel receives at handoff. Its only mutable state
// is a monotonic cursor; frames are never freed.
type BumpAllocator struct {
	// orig is an unadvanced snapshot of the firmware map, captured once at
	// construction time so ConstructMemoryMap can walk it independently of
	// whatever allocation progress the cursor below has made.
	orig memmap.Iterator

	cursor    memmap.Iterator
	haveDesc  bool
	curDesc   memmap.Descriptor
	nextFrame uint64
}

// NewBumpAllocator creates a BumpAllocator over it. Frame 0 (physical
// address 0) is reserved and never handed out; the cursor starts at 0x1000.
func NewBumpAllocator(it memmap.Iterator) *BumpAllocator {
	return &BumpAllocator{
		orig:      it.Clone(),
		cursor:    it.Clone(),
		nextFrame: uint64(mem.PageSize),
	}
}

// Len returns the number of descriptors in the original firmware map. It is
// stable across allocation calls.
func (a *BumpAllocator) Len() int {
	return a.orig.Len()
}

// MaxPhysicalAddress returns the exclusive end of the highest region in
// the firmware map, i.e. one past the largest physical address the machine
// reports.
func (a *BumpAllocator) MaxPhysicalAddress() uint64 {
	var max uint64
	memmap.Visit(a.orig, func(d memmap.Descriptor) bool {
		if end := d.Start() + d.Len(); end > max {
			max = end
		}
		return true
	})
	return max
}

// AllocateFrame returns the next free physical frame, or ok=false once the
// firmware map is exhausted.
func (a *BumpAllocator) AllocateFrame() (Frame, bool) {
	for {
		if a.haveDesc && a.nextFrame >= a.curDesc.Start() && a.nextFrame < a.curDesc.Start()+a.curDesc.Len() {
			f := FrameContaining(a.nextFrame)
			a.nextFrame += uint64(mem.PageSize)
			return f, true
		}

		d, ok := a.cursor.Next()
		if !ok {
			a.haveDesc = false
			return 0, false
		}
		if !d.IsUsable() || d.IsEmpty() {
			continue
		}

		a.haveDesc = true
		a.curDesc = d
		if a.nextFrame < d.Start() {
			a.nextFrame = d.Start()
		}
	}
}

// ConstructMemoryMap reconciles the original firmware map against the
// frames this allocator has handed out, plus the physical extent occupied
// by the kernel image, and writes the result into buf. buf must have
// capacity at least Len()+4. Returns the populated prefix of buf.
//
// It is a precondition failure (panic, via sys.Panic) if the kernel slice
// overlaps an emitted Usable region without lying wholly within it: a
// kernel spanning a firmware descriptor boundary indicates a corrupted
// load. A kernel slice that overlaps no Usable region is not checked.
func (a *BumpAllocator) ConstructMemoryMap(buf []memmap.Region, kernelSliceStart, kernelSliceLen uint64) []memmap.Region {
	if len(buf) < a.orig.Len()+4 {
		sys.Panic(errMemMapOverflow)
	}

	out := buf[:0]
	kernelStart, kernelEnd := kernelSliceStart, kernelSliceStart+kernelSliceLen

	emit := func(start, end uint64, kind memmap.RegionKind, raw uint32) {
		if start >= end {
			return
		}
		if len(out) == cap(out) {
			sys.Panic(errMemMapOverflow)
		}
		out = append(out, memmap.Region{Start: start, End: end, Kind: kind, Raw: raw})
	}

	memmap.Visit(a.orig, func(d memmap.Descriptor) bool {
		if d.IsEmpty() {
			return true
		}
		start, end := d.Start(), d.Start()+d.Len()

		switch {
		case d.IsUsable() && end <= a.nextFrame:
			emit(start, end, memmap.Bootloader, 0)
		case d.IsUsable() && start >= a.nextFrame:
			emitUsableSplitByKernel(emit, start, end, kernelStart, kernelEnd)
		case d.IsUsable():
			emit(start, a.nextFrame, memmap.Bootloader, 0)
			emitUsableSplitByKernel(emit, a.nextFrame, end, kernelStart, kernelEnd)
		case d.ReclaimableAfterExit():
			emitUsableSplitByKernel(emit, start, end, kernelStart, kernelEnd)
		default:
			emit(start, end, memmap.UnknownFirmware, uint32(d.Type))
		}
		return true
	})

	return out
}

// emitUsableSplitByKernel emits [start, end) as Usable, except that any
// overlap with [kernelStart, kernelEnd) is carved out and tagged
// Bootloader. Panics if the kernel slice is not wholly contained in
// [start, end) when it overlaps it at all.
func emitUsableSplitByKernel(emit func(start, end uint64, kind memmap.RegionKind, raw uint32), start, end, kernelStart, kernelEnd uint64) {
	if kernelEnd <= start || kernelStart >= end {
		emit(start, end, memmap.Usable, 0)
		return
	}

	if kernelStart < start || kernelEnd > end {
		sys.Panic(&sys.Error{Module: "pmm", Message: "kernel image slice spans a firmware descriptor boundary"})
	}

	emit(start, kernelStart, memmap.Usable, 0)
	emit(kernelStart, kernelEnd, memmap.Bootloader, 0)
	emit(kernelEnd, end, memmap.Usable, 0)
}
