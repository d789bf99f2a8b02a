package vmm

import (
	"embercore/core/mem"
	"embercore/core/sys"
)

var (
	errNoFreeEntries = &sys.Error{Module: "vmm", Message: "no free run of level-4 entries of the requested length"}

	// panicFn is mocked by tests so that the fatal paths below can be
	// exercised without actually halting the CPU.
	panicFn = sys.Panic
)

// EntryTracker reserves and queries level-4 page-table slots so that the
// virtual ranges this core allocates (for the kernel image, its stack,
// framebuffer, ramdisk and boot-info block) never collide. Slot 0 is
// reserved at construction time to keep every allocation out of the
// identity/low-half region.
type EntryTracker struct {
	used [mem.EntriesPerTable]bool
}

// NewEntryTracker returns a tracker with slot 0 pre-reserved.
func NewEntryTracker() *EntryTracker {
	t := &EntryTracker{}
	t.used[0] = true
	return t
}

// Segment describes the portion of an ELF LOAD segment MarkSegments needs:
// its virtual address (before the PIE offset is applied) and its in-memory
// size.
type Segment struct {
	VirtAddr uintptr
	MemSize  uintptr
}

// MarkSegments marks every level-4 slot touched by any of segs once offset
// by virtualOffset, so that a subsequent GetFreeEntries/GetFreeAddress call
// never hands out a range overlapping the loaded kernel.
func (t *EntryTracker) MarkSegments(segs []Segment, virtualOffset uintptr) {
	for _, seg := range segs {
		start := virtualOffset + seg.VirtAddr
		end := start + seg.MemSize
		if end == start {
			continue
		}

		firstSlot := start / uintptr(mem.Level4RegionSize)
		lastSlot := (end - 1) / uintptr(mem.Level4RegionSize)
		for slot := firstSlot; slot <= lastSlot; slot++ {
			t.used[slot] = true
		}
	}
}

// GetFreeEntries scans for the first run of n consecutive unset level-4
// slots, marks them all used, and returns the index of the first slot in
// the run. Panics (via sys.Panic) if no such run exists.
func (t *EntryTracker) GetFreeEntries(n int) int {
	run := 0
	for i := 0; i < mem.EntriesPerTable; i++ {
		if t.used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			for j := first; j <= i; j++ {
				t.used[j] = true
			}
			return first
		}
	}
	panicFn(errNoFreeEntries)
	return 0
}

// GetFreeAddress reserves enough level-4 slots to cover size bytes and
// returns the start virtual address of the reservation. A level-4 slot
// boundary is naturally aligned to 512 GiB, so the returned address always
// satisfies any power-of-two alignment up to that; for a coarser alignment
// the returned address is checked, and one that does not satisfy it is a
// fatal panic instead of a silently wrong address. alignment must be a
// power of two.
func (t *EntryTracker) GetFreeAddress(size uint64, alignment uint64) uintptr {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panicFn(&sys.Error{Module: "vmm", Message: "GetFreeAddress: alignment must be a power of two"})
	}

	slotsNeeded := int((size + uint64(mem.Level4RegionSize) - 1) / uint64(mem.Level4RegionSize))
	if slotsNeeded == 0 {
		slotsNeeded = 1
	}

	first := t.GetFreeEntries(slotsNeeded)
	addr := uintptr(first) * uintptr(mem.Level4RegionSize)

	if uint64(addr)%alignment != 0 {
		panicFn(&sys.Error{Module: "vmm", Message: "GetFreeAddress: returned address does not satisfy requested alignment"})
	}

	return addr
}
