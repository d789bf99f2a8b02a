// Package memmap wraps the firmware-supplied memory descriptor list in a
// uniform, cloneable iterator and classifies each descriptor as usable or
// reclaimable after firmware exit.
package memmap

import "embercore/core/mem"

// FirmwareType mirrors the raw EFI_MEMORY_TYPE values that the classifier
// special-cases. Any other numeric value is treated as vendor/firmware
// specific and surfaces in the reconstructed map as UnknownFirmware(raw)
// rather than being rejected.
type FirmwareType uint32

// Recognized firmware memory types, numbered per the UEFI specification's
// EFI_MEMORY_TYPE enumeration.
const (
	ReservedMemory      FirmwareType = 0
	LoaderCode          FirmwareType = 1
	LoaderData          FirmwareType = 2
	BootServicesCode    FirmwareType = 3
	BootServicesData    FirmwareType = 4
	RuntimeServicesCode FirmwareType = 5
	RuntimeServicesData FirmwareType = 6
	Conventional        FirmwareType = 7
)

// Descriptor is one entry of the firmware-supplied memory map.
type Descriptor struct {
	// PhysStart is the 4 KiB-aligned start physical address of the region.
	PhysStart uint64

	// NumPages is the region length expressed in PageSize-sized pages.
	NumPages uint64

	// Type is the raw firmware memory type for this descriptor.
	Type FirmwareType
}

// Start returns the descriptor's start physical address.
func (d Descriptor) Start() uint64 { return d.PhysStart }

// Len returns the descriptor's length in bytes.
func (d Descriptor) Len() uint64 { return d.NumPages * uint64(mem.PageSize) }

// IsEmpty reports whether the descriptor spans zero bytes.
func (d Descriptor) IsEmpty() bool { return d.Len() == 0 }

// IsUsable reports whether this descriptor is outright usable memory (the
// firmware's "conventional" kind), as opposed to merely reclaimable once
// firmware services have been exited.
func (d Descriptor) IsUsable() bool {
	return d.Type == Conventional
}

// ReclaimableAfterExit reports whether memory of this descriptor's kind
// becomes available for the kernel's use once firmware boot services have
// been exited. Conventional, loader, and boot-services memory all qualify;
// runtime-services memory and anything else does not.
func (d Descriptor) ReclaimableAfterExit() bool {
	switch d.Type {
	case Conventional, LoaderCode, LoaderData, BootServicesCode, BootServicesData:
		return true
	default:
		return false
	}
}

// RegionKind classifies an output memory region handed to the kernel.
type RegionKind uint32

const (
	// Usable indicates memory the kernel may freely allocate from.
	Usable RegionKind = iota
	// Bootloader indicates memory consumed by the bootloader itself
	// (page tables, the kernel image, boot-info block, ...).
	Bootloader
	// UnknownFirmware indicates memory whose firmware-reported kind the
	// bootloader did not reclaim; Region.Raw carries the original
	// firmware type code for the kernel to interpret.
	UnknownFirmware
)

// Region is one entry of the reconstructed memory map handed to the
// kernel. Invariant: across a single ConstructMemoryMap call, regions are
// sorted by Start, non-overlapping, and their union covers at most the
// union of the input regions.
type Region struct {
	Start uint64
	End   uint64
	Kind  RegionKind
	// Raw carries the original firmware type code; meaningful only when
	// Kind == UnknownFirmware.
	Raw uint32
}

// IsEmpty reports whether the region spans zero bytes.
func (r Region) IsEmpty() bool { return r.Start == r.End }

// Iterator walks a firmware memory map. It must be cloneable and of known
// length so the bump allocator can capture an unadvanced copy for later
// memory-map reconstruction while a second, advancing copy services
// allocation requests.
type Iterator interface {
	// Len returns the number of descriptors in the map. It is stable:
	// it does not change as the iterator is advanced or cloned.
	Len() int

	// Clone returns an independent copy of the iterator, positioned at
	// the same descriptor as the receiver.
	Clone() Iterator

	// Next returns the next descriptor, or ok=false once the map is
	// exhausted.
	Next() (Descriptor, bool)
}

// SliceIterator is an Iterator over an in-memory slice of descriptors, the
// shape in which a UEFI GetMemoryMap call result or a test fixture is most
// naturally held.
type SliceIterator struct {
	descs []Descriptor
	pos   int
}

// NewSliceIterator returns an Iterator over descs, starting at the first
// entry.
func NewSliceIterator(descs []Descriptor) *SliceIterator {
	return &SliceIterator{descs: descs}
}

// Len implements Iterator.
func (it *SliceIterator) Len() int { return len(it.descs) }

// Clone implements Iterator.
func (it *SliceIterator) Clone() Iterator {
	return &SliceIterator{descs: it.descs, pos: it.pos}
}

// Next implements Iterator.
func (it *SliceIterator) Next() (Descriptor, bool) {
	if it.pos >= len(it.descs) {
		return Descriptor{}, false
	}
	d := it.descs[it.pos]
	it.pos++
	return d, true
}

// Visit walks a fresh clone of it, invoking fn for every descriptor until
// fn returns false or the map is exhausted. The receiver's own position is
// left untouched.
func Visit(it Iterator, fn func(Descriptor) bool) {
	cursor := it.Clone()
	for {
		d, ok := cursor.Next()
		if !ok {
			return
		}
		if !fn(d) {
			return
		}
	}
}
