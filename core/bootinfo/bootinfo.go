package bootinfo

import (
	"unsafe"

	"embercore/core/memmap"
)

// TLSTemplate mirrors elfloader.TLSTemplate in wire-format shape (plain
// uint64 fields instead of uintptr) so it can be embedded in BootInfo
// without the record carrying a host-pointer-width-dependent layout.
type TLSTemplate struct {
	StartAddress uint64
	FileSize     uint64
	MemSize      uint64
}

// BootConfig carries the caller's preferences for optional boot-info
// fields the core cannot infer on its own, such as a requested
// framebuffer mode.
type BootConfig struct {
	FramebufferWidth  uint64
	FramebufferHeight uint64
}

// BootInfo is the record passed to the kernel at handoff, dual-mapped into
// both the bootloader's and the kernel's page tables so that it can be
// constructed before CR3 is reloaded and still be readable after. Field
// order is significant: it matches the record layout the kernel's entry
// point expects byte for byte, natural 8-byte alignment throughout.
type BootInfo struct {
	// MemoryRegionsPtr is the virtual address, valid in the kernel's
	// address space, of the first memmap.Region in the reconstructed
	// memory map.
	MemoryRegionsPtr uint64
	MemoryRegionsLen uint64

	Framebuffer          Optional[Framebuffer]
	PhysicalMemoryOffset Optional[uint64]
	RSDPAddress          Optional[uint64]
	TLSTemplate          Optional[TLSTemplate]
	RamdiskAddress       Optional[uint64]
	RamdiskLen           uint64
}

// New returns a BootInfo describing the memory region array at regionsAddr
// (regionsLen entries), with every optional field absent. Callers fill in
// the optional fields with the Set* helpers before handoff.
func New(regionsAddr uint64, regionsLen int) *BootInfo {
	return &BootInfo{
		MemoryRegionsPtr:     regionsAddr,
		MemoryRegionsLen:     uint64(regionsLen),
		Framebuffer:          None[Framebuffer](),
		PhysicalMemoryOffset: None[uint64](),
		RSDPAddress:          None[uint64](),
		TLSTemplate:          None[TLSTemplate](),
		RamdiskAddress:       None[uint64](),
	}
}

// RegionSize returns the wire size, in bytes, of one memmap.Region entry,
// used by the mapping orchestrator to size the combined boot-info +
// region-array allocation.
func RegionSize() uint64 {
	return uint64(unsafe.Sizeof(memmap.Region{}))
}
