// Package pmm implements the bump frame allocator that hands out 4 KiB
// physical frames from the firmware's usable memory while simultaneously
// reconstructing the normalized memory map the kernel receives at handoff.
package pmm

import "embercore/core/mem"

// Frame describes a 4 KiB-aligned physical memory page index. Frames are
// totally ordered by address and carry no page-order encoding: every frame
// handed out here is a single 4 KiB page.
type Frame uint64

// FrameContaining returns the Frame that contains the given physical
// address.
func FrameContaining(addr uint64) Frame {
	return Frame(addr >> mem.PageShift)
}

// Address returns the physical address of this frame.
func (f Frame) Address() uint64 {
	return uint64(f) << mem.PageShift
}
