// Package mapping builds the kernel's address space once the ELF loader
// has placed its segments: the guard page and stack, the identity-mapped
// context-switch trampoline, the GDT, the optional framebuffer and
// ramdisk, and the dual-mapped boot-info block.
package mapping

import (
	"unsafe"

	"embercore/core/bootinfo"
	"embercore/core/elfloader"
	"embercore/core/handoff"
	"embercore/core/mem"
	"embercore/core/memmap"
	"embercore/core/pmm"
	"embercore/core/sys"
	"embercore/core/vmm"
)

// kernelStackSize is the kernel stack's mapped size, not counting its
// leading unmapped guard page.
const kernelStackSize = uint64(80 * mem.Kb)

var errOutOfFrames = &sys.Error{Module: "mapping", Message: "firmware memory map exhausted"}

// AllocatorFunc adapts a pmm.BumpAllocator into the vmm.FrameAllocatorFn
// signature the page table, ELF loader, and this package all share.
func AllocatorFunc(alloc *pmm.BumpAllocator) vmm.FrameAllocatorFn {
	return func() (pmm.Frame, *sys.Error) {
		f, ok := alloc.AllocateFrame()
		if !ok {
			return 0, errOutOfFrames
		}
		return f, nil
	}
}

// mustAllocFrame allocates a frame, panicking with context if the firmware
// memory map is exhausted; by the time the orchestrator needs a frame
// there is no recovery path.
func mustAllocFrame(allocFn vmm.FrameAllocatorFn, context string) pmm.Frame {
	f, err := allocFn()
	if err != nil {
		sys.Panic(&sys.Error{Module: "mapping", Message: context + ": " + err.Message})
	}
	return f
}

// mustMap maps virtAddr in pt, panicking with context and the page/frame
// details on failure.
func mustMap(pt *vmm.PageTable, virtAddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn, context string) {
	if err := pt.Map(virtAddr, frame, flags, allocFn); err != nil {
		sys.Panic(&sys.Error{Module: "mapping", Message: context + ": " + err.Message})
	}
}

// mapShared maps the same virtAddr/frame/flags into both page tables, so a
// write through one is visible through the other -- used for every frame
// the boot-info block occupies, since it must be written by the
// bootloader's own active table and later read through the kernel's.
func mapShared(bootloaderPT, kernelPT *vmm.PageTable, virtAddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn, context string) {
	mustMap(bootloaderPT, virtAddr, frame, flags, allocFn, context)
	mustMap(kernelPT, virtAddr, frame, flags, allocFn, context)
}

// RawFramebuffer describes a firmware-selected framebuffer by its physical
// start address and geometry -- the form the out-of-scope graphics-mode
// selection collaborator hands the orchestrator.
type RawFramebuffer struct {
	PhysAddr uint64
	Info     bootinfo.FramebufferInfo
}

// SystemInfo bundles the optional inputs the orchestrator consumes from
// out-of-core collaborators.
type SystemInfo struct {
	Framebuffer *RawFramebuffer
	RSDPAddress *uint64
	RamdiskAddr *uint64
	RamdiskLen  uint64
}

// Mappings records everything the orchestrator allocated while completing
// the kernel's address space.
type Mappings struct {
	EntryPoint uintptr
	StackTop   uintptr
	Tracker    *vmm.EntryTracker

	Framebuffer   *uintptr
	PhysMemOffset *uintptr
	Ramdisk       *uintptr
	TLSTemplate   *elfloader.TLSTemplate

	KernelSliceStart uint64
	KernelSliceLen   uint64
	RamdiskSliceLen  uint64
}

// SetUpMappings completes the kernel's address space around an
// already-loaded kernel image: the guard page and stack, the
// context-switch trampoline, the GDT, and the optional framebuffer and
// ramdisk. NXE and write-protect must already be enabled and the kernel's
// LOAD segments, relocations, and RELRO already applied; core.Boot
// sequences all of that before calling SetUpMappings.
func SetUpMappings(
	kernelPT *vmm.PageTable,
	physToVirt vmm.PhysToVirt,
	allocFn vmm.FrameAllocatorFn,
	tracker *vmm.EntryTracker,
	entryPoint uintptr,
	tlsTemplate *elfloader.TLSTemplate,
	kernelSliceStart, kernelSliceLen uint64,
	sysInfo SystemInfo,
) *Mappings {
	m := &Mappings{
		EntryPoint:       entryPoint,
		Tracker:          tracker,
		TLSTemplate:      tlsTemplate,
		KernelSliceStart: kernelSliceStart,
		KernelSliceLen:   kernelSliceLen,
		RamdiskSliceLen:  sysInfo.RamdiskLen,
	}

	m.StackTop = setUpStack(kernelPT, tracker, allocFn)

	identityMapTrampoline(kernelPT, allocFn)

	gdtFrame := mustAllocFrame(allocFn, "GDT frame")
	CreateAndLoad(physToVirt(gdtFrame))
	mustMap(kernelPT, uintptr(gdtFrame.Address()), gdtFrame, 0, allocFn, "GDT frame")

	if sysInfo.Framebuffer != nil {
		fbVirt := mapFramebuffer(kernelPT, tracker, allocFn, sysInfo.Framebuffer)
		m.Framebuffer = &fbVirt
	}

	if sysInfo.RamdiskAddr != nil && sysInfo.RamdiskLen > 0 {
		rdVirt := mapRamdisk(kernelPT, tracker, allocFn, *sysInfo.RamdiskAddr, sysInfo.RamdiskLen)
		m.Ramdisk = &rdVirt
	}

	return m
}

// setUpStack reserves a virtual range of guard-page(4 KiB) + 80 KiB, maps
// everything but the leading guard page to fresh writable frames, and
// returns the 16-byte-aligned stack top for the SysV ABI.
func setUpStack(pt *vmm.PageTable, tracker *vmm.EntryTracker, allocFn vmm.FrameAllocatorFn) uintptr {
	guardAddr := tracker.GetFreeAddress(uint64(mem.PageSize)+kernelStackSize, uint64(mem.PageSize))
	stackStart := guardAddr + uintptr(mem.PageSize)
	stackEnd := stackStart + uintptr(kernelStackSize)

	startPage := vmm.PageFromAddress(stackStart)
	endPage := vmm.PageFromAddress(stackEnd - 1)
	for page := startPage; page <= endPage; page++ {
		frame := mustAllocFrame(allocFn, "kernel stack")
		mustMap(pt, page.Address(), frame, vmm.FlagWritable, allocFn, "kernel stack")
	}

	return uintptr(mem.AlignDown(uint64(stackEnd), 16))
}

// identityMapTrampoline identity-maps the physical frames backing
// handoff's context-switch code into the kernel page table, executable
// (no FlagNoExecute), so the CR3 load inside it does not fault.
func identityMapTrampoline(pt *vmm.PageTable, allocFn vmm.FrameAllocatorFn) {
	start, end := handoff.TrampolineFrames()
	for f := start; f <= end; f++ {
		mustMap(pt, uintptr(f.Address()), f, 0, allocFn, "context-switch trampoline")
	}
}

// mapFramebuffer reserves a virtual range sized to the framebuffer's byte
// length and maps it 1:1 onto the firmware framebuffer's physical pages.
func mapFramebuffer(pt *vmm.PageTable, tracker *vmm.EntryTracker, allocFn vmm.FrameAllocatorFn, fb *RawFramebuffer) uintptr {
	startFrame := pmm.FrameContaining(fb.PhysAddr)
	endFrame := pmm.FrameContaining(fb.PhysAddr + fb.Info.ByteLen - 1)

	startVirt := tracker.GetFreeAddress(fb.Info.ByteLen, uint64(mem.PageSize))
	startPage := vmm.PageFromAddress(startVirt)

	i := 0
	for f := startFrame; f <= endFrame; f++ {
		page := startPage + vmm.Page(i)
		mustMap(pt, page.Address(), f, vmm.FlagWritable, allocFn, "framebuffer")
		i++
	}
	return startVirt
}

// mapRamdisk reserves a virtual range sized to length and maps it onto the
// contiguous physical range starting at physAddr.
func mapRamdisk(pt *vmm.PageTable, tracker *vmm.EntryTracker, allocFn vmm.FrameAllocatorFn, physAddr, length uint64) uintptr {
	startFrame := pmm.FrameContaining(physAddr)
	pageCount := (length - 1) / uint64(mem.PageSize)
	endFrame := startFrame + pmm.Frame(pageCount)

	startVirt := tracker.GetFreeAddress(length, uint64(mem.PageSize))
	startPage := vmm.PageFromAddress(startVirt)

	i := 0
	for f := startFrame; f <= endFrame; f++ {
		page := startPage + vmm.Page(i)
		mustMap(pt, page.Address(), f, vmm.FlagWritable, allocFn, "ramdisk")
		i++
	}
	return startVirt
}

// BuildBootInfo allocates backing frames for the boot-info record followed
// by the reconstructed memory-map array, maps them into both page tables
// (so the construction below succeeds under the bootloader's own active
// table and the kernel can read the result after handoff), constructs the
// memory map, and returns the virtual address of the populated BootInfo --
// identical in both address spaces, and the value to hand the kernel at
// entry.
func BuildBootInfo(
	bootloaderPT, kernelPT *vmm.PageTable,
	physToVirt vmm.PhysToVirt,
	allocFn vmm.FrameAllocatorFn,
	alloc *pmm.BumpAllocator,
	tracker *vmm.EntryTracker,
	m *Mappings,
	sysInfo SystemInfo,
) uintptr {
	regionCount := alloc.Len() + 4
	regionBytes := uint64(regionCount) * bootinfo.RegionSize()
	bootInfoSize := uint64(unsafe.Sizeof(bootinfo.BootInfo{}))
	combinedSize := bootInfoSize + regionBytes

	virtStart := tracker.GetFreeAddress(combinedSize, 8)
	regionsVirt := virtStart + uintptr(bootInfoSize)

	startPage := vmm.PageFromAddress(virtStart)
	endPage := vmm.PageFromAddress(virtStart + uintptr(combinedSize) - 1)

	frames := make([]pmm.Frame, 0, endPage-startPage+1)
	for page := startPage; page <= endPage; page++ {
		frame := mustAllocFrame(allocFn, "boot info")
		mapShared(bootloaderPT, kernelPT, page.Address(), frame, vmm.FlagWritable, allocFn, "boot info")
		frames = append(frames, frame)
	}

	regions := make([]memmap.Region, regionCount)
	regions = alloc.ConstructMemoryMap(regions, m.KernelSliceStart, m.KernelSliceLen)

	info := bootinfo.New(uint64(regionsVirt), len(regions))
	if m.Framebuffer != nil && sysInfo.Framebuffer != nil {
		info.Framebuffer = bootinfo.Some(bootinfo.Framebuffer{
			StartAddress: uint64(*m.Framebuffer),
			Info:         sysInfo.Framebuffer.Info,
		})
	}
	if m.PhysMemOffset != nil {
		info.PhysicalMemoryOffset = bootinfo.Some(uint64(*m.PhysMemOffset))
	}
	if sysInfo.RSDPAddress != nil {
		info.RSDPAddress = bootinfo.Some(*sysInfo.RSDPAddress)
	}
	if m.TLSTemplate != nil {
		info.TLSTemplate = bootinfo.Some(bootinfo.TLSTemplate{
			StartAddress: uint64(m.TLSTemplate.StartAddr),
			FileSize:     m.TLSTemplate.FileSize,
			MemSize:      m.TLSTemplate.MemSize,
		})
	}
	if m.Ramdisk != nil {
		info.RamdiskAddress = bootinfo.Some(uint64(*m.Ramdisk))
	}
	info.RamdiskLen = m.RamdiskSliceLen

	// Stage the record and the region array contiguously in host memory,
	// then copy the staging buffer out page by page into the frames just
	// mapped. This mirrors the ELF loader's own copyToVirt: the virtual
	// range above is never assumed to be backed by one contiguous
	// physical run, only by whatever frames the allocator happened to
	// hand out one at a time.
	staging := make([]byte, combinedSize)
	*(*bootinfo.BootInfo)(unsafe.Pointer(&staging[0])) = *info
	if len(regions) > 0 {
		mem.Memcopy(uintptr(unsafe.Pointer(&regions[0])), uintptr(unsafe.Pointer(&staging[bootInfoSize])), mem.Size(regionBytes))
	}

	off := uint64(0)
	for _, frame := range frames {
		n := uint64(mem.PageSize)
		if remaining := combinedSize - off; remaining < n {
			n = remaining
		}
		mem.Memcopy(uintptr(unsafe.Pointer(&staging[off])), physToVirt(frame), mem.Size(n))
		off += n
	}

	return virtStart
}
