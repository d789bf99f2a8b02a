// Package vmm implements the virtual-memory side of the core: page-table
// entry flags, a non-recursive 4-level page table, and the top-level entry
// tracker that allocates non-overlapping virtual ranges.
//
// The page table here does not use the recursive self-mapping trick of
// reserving a level-4 slot that points back at itself; instead every
// PageTable is constructed with a physToVirt function that maps a physical
// frame to a virtual address the walker can dereference directly. This
// matches the bootloader's own execution environment, which already runs
// against a simple offset- or identity-mapped view of every frame it
// allocates, and avoids permanently reserving a level-4 entry in every
// address space this core builds.
package vmm

import (
	"unsafe"

	"embercore/core/mem"
	"embercore/core/pmm"
	"embercore/core/sys"
)

var (
	// ErrInvalidMapping is returned when looking up a virtual address that
	// is not mapped.
	ErrInvalidMapping = &sys.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errHugePageUnsupported = &sys.Error{Module: "vmm", Message: "huge pages are not supported"}

	// memsetFn and memcopyFn are mocked by tests and automatically
	// inlined by the compiler otherwise.
	memsetFn  = mem.Memset
	memcopyFn = mem.Memcopy
)

// PhysToVirt maps a physical frame to a virtual address at which its
// contents can be read and written by the code constructing this page
// table.
type PhysToVirt func(pmm.Frame) uintptr

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *sys.Error)

// PageTable is a 4-level amd64 page table addressed via an explicit
// physical-to-virtual mapping function rather than a recursive self-map.
type PageTable struct {
	root       pmm.Frame
	physToVirt PhysToVirt
}

// NewPageTable returns a PageTable rooted at root, an already-allocated and
// zeroed physical frame.
func NewPageTable(root pmm.Frame, physToVirt PhysToVirt) *PageTable {
	return &PageTable{root: root, physToVirt: physToVirt}
}

// Root returns the physical frame backing this table's level-4 page, the
// value to load into CR3 to activate it.
func (pt *PageTable) Root() pmm.Frame {
	return pt.root
}

type walker func(level uint8, pte *pageTableEntry) bool

// walk descends the 4-level hierarchy for virtAddr, invoking fn with the
// page table entry at each level. If fn returns false the walk stops. When
// an intermediate table is missing, walk allocates a fresh frame for it via
// allocFn, zeroing it through physToVirt, before continuing; if allocFn is
// nil the walk instead stops and returns ErrInvalidMapping.
func (pt *PageTable) walk(virtAddr uintptr, allocFn FrameAllocatorFn, fn walker) *sys.Error {
	tableFrame := pt.root

	for level := uint8(0); level < pageLevels; level++ {
		tableVirt := pt.physToVirt(tableFrame)
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableVirt + (entryIndex << mem.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !fn(level, pte) {
			return nil
		}

		if level == pageLevels-1 {
			break
		}

		if pte.HasFlags(FlagHugePage) {
			return errHugePageUnsupported
		}

		if !pte.HasFlags(FlagPresent) {
			if allocFn == nil {
				return ErrInvalidMapping
			}
			newFrame, err := allocFn()
			if err != nil {
				return err
			}
			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagWritable)
			memsetFn(pt.physToVirt(newFrame), 0, mem.PageSize)
		}

		tableFrame = pte.Frame()
	}

	return nil
}

// Map establishes a mapping from virtAddr to frame with the given flags,
// allocating any missing intermediate tables via allocFn.
func (pt *PageTable) Map(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *sys.Error {
	return pt.walk(virtAddr, allocFn, func(level uint8, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | flags)
		return true
	})
}

// Unmap clears the present flag for the mapping at virtAddr.
func (pt *PageTable) Unmap(virtAddr uintptr) *sys.Error {
	var err *sys.Error
	walkErr := pt.walk(virtAddr, nil, func(level uint8, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}
			return true
		}
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		pte.ClearFlags(FlagPresent)
		return true
	})
	if err != nil {
		return err
	}
	return walkErr
}

// Translate returns the physical address virtAddr currently maps to, or
// ErrInvalidMapping if it is not mapped.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, *sys.Error) {
	var (
		leafPTE *pageTableEntry
		err     *sys.Error
	)
	walkErr := pt.walk(virtAddr, nil, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			leafPTE = pte
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if walkErr != nil {
		return 0, walkErr
	}

	pageOffsetMask := uintptr(1<<pageLevelShifts[pageLevels-1]) - 1
	return uintptr(leafPTE.Frame().Address()) + (virtAddr & pageOffsetMask), nil
}

// Flags returns the flag bits of the leaf entry mapping virtAddr, or
// ErrInvalidMapping if the address is not mapped.
func (pt *PageTable) Flags(virtAddr uintptr) (PageTableEntryFlag, *sys.Error) {
	var (
		flags PageTableEntryFlag
		err   *sys.Error
	)
	walkErr := pt.walk(virtAddr, nil, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			flags = PageTableEntryFlag(uintptr(*pte) &^ ptePhysPageMask)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if walkErr != nil {
		return 0, walkErr
	}
	return flags, nil
}

// ClearFlags clears the given flags on the leaf entry for virtAddr while
// preserving every other flag bit. Used to drop WRITABLE from a PT_GNU_RELRO
// range once relocations are done, and to scrub the internal FlagCopied
// marker from a loaded kernel's LOAD segments before handoff.
func (pt *PageTable) ClearFlags(virtAddr uintptr, flags PageTableEntryFlag) *sys.Error {
	var err *sys.Error
	walkErr := pt.walk(virtAddr, nil, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			pte.ClearFlags(flags)
		}
		return true
	})
	if err != nil {
		return err
	}
	return walkErr
}

// MakeMut returns a frame for virtAddr that the caller may freely write to
// without mutating any frame shared with another mapping (such as the
// bootloader's own identity-mapped view of the kernel ELF image). If the
// page is already backed by a private, copied frame (FlagCopied set), that
// frame is returned unchanged; otherwise a fresh frame is allocated, the
// original frame's contents are duplicated into it, and the mapping is
// repointed at the new frame with FlagCopied set.
func (pt *PageTable) MakeMut(virtAddr uintptr, allocFn FrameAllocatorFn) (pmm.Frame, *sys.Error) {
	var (
		leafPTE *pageTableEntry
		err     *sys.Error
	)
	walkErr := pt.walk(virtAddr, nil, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			leafPTE = pte
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if walkErr != nil {
		return 0, walkErr
	}

	if leafPTE.HasFlags(FlagCopied) {
		return leafPTE.Frame(), nil
	}

	oldFrame := leafPTE.Frame()
	newFrame, allocErr := allocFn()
	if allocErr != nil {
		return 0, allocErr
	}

	memcopyFn(pt.physToVirt(oldFrame), pt.physToVirt(newFrame), mem.PageSize)

	leafPTE.SetFrame(newFrame)
	leafPTE.SetFlags(FlagCopied)

	return newFrame, nil
}
