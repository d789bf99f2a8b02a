package elfloader

import (
	"encoding/binary"
	"unsafe"

	"embercore/core/mem"
	"embercore/core/pmm"
	"embercore/core/sys"
	"embercore/core/vmm"
)

var (
	errMisaligned           = &sys.Error{Module: "elfloader", Message: "kernel image is not page-aligned"}
	errMultipleRela         = &sys.Error{Module: "elfloader", Message: "dynamic section contains more than one DT_RELA/DT_RELASZ/DT_RELAENT entry"}
	errRelaMissing          = &sys.Error{Module: "elfloader", Message: "DT_RELA entry is missing but DT_RELASZ or DT_RELAENT is present"}
	errRelaSzMissing        = &sys.Error{Module: "elfloader", Message: "DT_RELASZ entry is missing"}
	errRelaEntMissing       = &sys.Error{Module: "elfloader", Message: "DT_RELAENT entry is missing"}
	errRelaEntSize          = &sys.Error{Module: "elfloader", Message: "unsupported DT_RELAENT: expected sizeof(Elf64_Rela)"}
	errRelocSymbol          = &sys.Error{Module: "elfloader", Message: "relocations using the symbol table are not supported"}
	errUnsupportedRelocType = &sys.Error{Module: "elfloader", Message: "unsupported relocation type"}
	errRelocNotInLoad       = &sys.Error{Module: "elfloader", Message: "relocation offset is not in load segment"}
	errMultipleTLS          = &sys.Error{Module: "elfloader", Message: "multiple PT_TLS segments are not supported"}

	memsetFn  = mem.Memset
	memcopyFn = mem.Memcopy
)

// TLSTemplate records a PT_TLS segment's load parameters, verbatim: the
// offset-applied start address plus the file and in-memory sizes the kernel
// needs to set up its own thread-local storage block.
type TLSTemplate struct {
	StartAddr uintptr
	FileSize  uint64
	MemSize   uint64
}

// Loader maps a parsed ELF kernel image into a page table, applies its
// dynamic relocations and RELRO protection, and reports its entry point and
// TLS template. A Loader is single-use: construct one per kernel image via
// New, then call Load once.
type Loader struct {
	data     []byte
	physBase uint64
	hdr      header
	phdrs    []programHeader

	// voffset is the virtual-address offset applied to every vaddr in the
	// image: V in the mapping orchestrator's terms. It is carried as a
	// plain uint64 rather than a signed type; for a shared object it may
	// represent a logically negative displacement, but uint64 addition
	// wraps exactly the way a two's-complement subtraction would, so no
	// sign tracking is needed as long as the resulting addresses are
	// themselves valid canonical addresses.
	voffset uint64

	pageTable  *vmm.PageTable
	physToVirt vmm.PhysToVirt
	allocFn    vmm.FrameAllocatorFn
}

// New parses data as an ELF64 kernel image physically based at physBase
// (which must be page-aligned, since LOAD segments are mapped frame for
// frame against it), selects its virtual-address offset, reserves the
// corresponding level-4 entries in tracker, and returns a Loader ready for
// Load.
func New(data []byte, physBase uint64, pageTable *vmm.PageTable, physToVirt vmm.PhysToVirt, allocFn vmm.FrameAllocatorFn, tracker *vmm.EntryTracker) (*Loader, *sys.Error) {
	if !mem.IsAligned(physBase, uint64(mem.PageSize)) {
		return nil, errMisaligned
	}

	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	phdrs, err := parseProgramHeaders(data, hdr)
	if err != nil {
		return nil, err
	}

	voffset, err := computeVirtualOffset(hdr, phdrs, tracker)
	if err != nil {
		return nil, err
	}

	segs := make([]vmm.Segment, 0, len(phdrs))
	for _, ph := range phdrs {
		if ph.typ == ptLoad {
			segs = append(segs, vmm.Segment{VirtAddr: uintptr(ph.virtAddr), MemSize: uintptr(ph.memSize)})
		}
	}
	tracker.MarkSegments(segs, uintptr(voffset))

	return &Loader{
		data:       data,
		physBase:   physBase,
		hdr:        hdr,
		phdrs:      phdrs,
		voffset:    voffset,
		pageTable:  pageTable,
		physToVirt: physToVirt,
		allocFn:    allocFn,
	}, nil
}

func computeVirtualOffset(hdr header, phdrs []programHeader, tracker *vmm.EntryTracker) (uint64, *sys.Error) {
	switch hdr.typ {
	case etExec:
		return 0, nil
	case etDyn:
		var min, max, align uint64
		align = 1
		haveAny := false
		for _, ph := range phdrs {
			if ph.typ != ptLoad {
				continue
			}
			if !haveAny || ph.virtAddr < min {
				min = ph.virtAddr
			}
			if end := ph.endAddr(); !haveAny || end > max {
				max = end
			}
			if ph.align > align {
				align = ph.align
			}
			haveAny = true
		}

		size := max - min
		acquired := uint64(tracker.GetFreeAddress(size, align))
		return acquired - min, nil
	default:
		return 0, errUnsupportedET
	}
}

// EntryPoint returns the offset-applied ELF entry address.
func (l *Loader) EntryPoint() uintptr {
	return uintptr(l.voffset + l.hdr.entry)
}

// Load maps every LOAD segment, applies dynamic relocations, enforces
// PT_GNU_RELRO, scrubs the internal copy-on-write marker, and returns the
// kernel's TLS template, if any.
func (l *Loader) Load() (*TLSTemplate, *sys.Error) {
	var tlsTemplate *TLSTemplate

	for _, ph := range l.phdrs {
		switch ph.typ {
		case ptLoad:
			if err := l.handleLoadSegment(ph); err != nil {
				return nil, err
			}
		case ptTLS:
			if tlsTemplate != nil {
				return nil, errMultipleTLS
			}
			t := l.handleTLSSegment(ph)
			tlsTemplate = &t
		}
	}

	for _, ph := range l.phdrs {
		if ph.typ == ptDynamic {
			if err := l.handleDynamicSegment(ph); err != nil {
				return nil, err
			}
		}
	}

	for _, ph := range l.phdrs {
		if ph.typ == ptGNURelro {
			if err := l.handleRelroSegment(ph); err != nil {
				return nil, err
			}
		}
	}

	if err := l.removeCopiedFlags(); err != nil {
		return nil, err
	}

	return tlsTemplate, nil
}

func (l *Loader) handleLoadSegment(ph programHeader) *sys.Error {
	virtStart := l.voffset + ph.virtAddr
	startPage := vmm.PageFromAddress(uintptr(virtStart))

	var segFlags vmm.PageTableEntryFlag
	if !ph.executable() {
		segFlags |= vmm.FlagNoExecute
	}
	if ph.writable() {
		segFlags |= vmm.FlagWritable
	}

	if ph.fileSize > 0 {
		physStart := l.physBase + ph.offset
		startFrame := pmm.FrameContaining(physStart)
		endFrame := pmm.FrameContaining(physStart + ph.fileSize - 1)

		for f := startFrame; f <= endFrame; f++ {
			page := startPage + vmm.Page(f-startFrame)
			if err := l.pageTable.Map(page.Address(), f, segFlags, l.allocFn); err != nil {
				return err
			}
		}
	}

	if ph.memSize > ph.fileSize {
		return l.handleBSSSection(ph, segFlags)
	}
	return nil
}

func (l *Loader) handleBSSSection(ph programHeader, segFlags vmm.PageTableEntryFlag) *sys.Error {
	virtStart := l.voffset + ph.virtAddr
	zeroStart := virtStart + ph.fileSize
	zeroEnd := virtStart + ph.memSize

	pageSize := uint64(mem.PageSize)
	dataBytesBeforeZero := zeroStart & (pageSize - 1)

	if dataBytesBeforeZero != 0 && ph.fileSize > 0 {
		lastPageAddr := uintptr(virtStart + ph.fileSize - 1)
		newFrame, err := l.pageTable.MakeMut(lastPageAddr, l.allocFn)
		if err != nil {
			return err
		}
		tailAddr := l.physToVirt(newFrame) + uintptr(dataBytesBeforeZero)
		memsetFn(tailAddr, 0, mem.Size(pageSize-dataBytesBeforeZero))
	}

	startAddr := mem.AlignUp(zeroStart, pageSize)
	if zeroEnd <= startAddr {
		return nil
	}

	startPage := vmm.PageFromAddress(uintptr(startAddr))
	endPage := vmm.PageFromAddress(uintptr(zeroEnd - 1))

	for page := startPage; page <= endPage; page++ {
		frame, err := l.allocFn()
		if err != nil {
			return err
		}
		memsetFn(l.physToVirt(frame), 0, mem.PageSize)
		if err := l.pageTable.Map(page.Address(), frame, segFlags, l.allocFn); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) handleTLSSegment(ph programHeader) TLSTemplate {
	return TLSTemplate{
		StartAddr: uintptr(l.voffset + ph.virtAddr),
		FileSize:  ph.fileSize,
		MemSize:   ph.memSize,
	}
}

func (l *Loader) handleDynamicSegment(ph programHeader) *sys.Error {
	if ph.offset+ph.fileSize > uint64(len(l.data)) {
		return errTruncated
	}
	raw := l.data[ph.offset : ph.offset+ph.fileSize]
	entries := parseDynamicEntries(raw)

	var (
		haveRela, haveSz, haveEnt bool
		relaOff, relaSz, relaEnt  uint64
	)

	for _, e := range entries {
		switch e.tag {
		case dtRela:
			if haveRela {
				return errMultipleRela
			}
			relaOff, haveRela = e.val, true
		case dtRelaSz:
			if haveSz {
				return errMultipleRela
			}
			relaSz, haveSz = e.val, true
		case dtRelaEnt:
			if haveEnt {
				return errMultipleRela
			}
			relaEnt, haveEnt = e.val, true
		}
	}

	if !haveRela {
		if haveSz || haveEnt {
			return errRelaMissing
		}
		return nil
	}
	if !haveSz {
		return errRelaSzMissing
	}
	if !haveEnt {
		return errRelaEntMissing
	}
	if relaEnt != relaEntrySize {
		return errRelaEntSize
	}

	numEntries := relaSz / relaEnt
	for idx := uint64(0); idx < numEntries; idx++ {
		r, err := l.readRelocation(relaOff, idx)
		if err != nil {
			return err
		}
		if err := l.applyRelocation(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) readRelocation(relocTable, idx uint64) (rela, *sys.Error) {
	offset := relocTable + relaEntrySize*idx
	addr := l.voffset + offset

	var buf [relaEntrySize]byte
	if err := l.copyFromVirt(uintptr(addr), buf[:]); err != nil {
		return rela{}, err
	}
	return decodeRela(buf[:]), nil
}

func (l *Loader) applyRelocation(r rela) *sys.Error {
	if r.symbol != 0 {
		return errRelocSymbol
	}

	switch r.typ {
	case relativeRelocationType:
		if err := l.checkOffsetInLoad(r.offset); err != nil {
			return err
		}

		addr := l.voffset + r.offset
		value := l.voffset + uint64(r.addend)

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)

		return l.copyToVirt(uintptr(addr), buf[:])
	default:
		return errUnsupportedRelocType
	}
}

func (l *Loader) checkOffsetInLoad(offset uint64) *sys.Error {
	for _, ph := range l.phdrs {
		if ph.typ != ptLoad {
			continue
		}
		if ph.virtAddr <= offset && offset-ph.virtAddr < ph.memSize {
			return nil
		}
	}
	return errRelocNotInLoad
}

func (l *Loader) handleRelroSegment(ph programHeader) *sys.Error {
	return l.forEachLoadPage(ph, func(addr uintptr) *sys.Error {
		return l.pageTable.ClearFlags(addr, vmm.FlagWritable)
	})
}

func (l *Loader) removeCopiedFlags() *sys.Error {
	for _, ph := range l.phdrs {
		if ph.typ != ptLoad {
			continue
		}
		if err := l.forEachLoadPage(ph, func(addr uintptr) *sys.Error {
			return l.pageTable.ClearFlags(addr, vmm.FlagCopied)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) forEachLoadPage(ph programHeader, fn func(pageAddr uintptr) *sys.Error) *sys.Error {
	start := l.voffset + ph.virtAddr
	end := start + ph.memSize
	if end == start {
		return nil
	}

	startPage := vmm.PageFromAddress(uintptr(start))
	endPage := vmm.PageFromAddress(uintptr(end - 1))
	for page := startPage; page <= endPage; page++ {
		if err := fn(page.Address()); err != nil {
			return err
		}
	}
	return nil
}

// physAddrToVirt resolves a physical address (as returned by
// PageTable.Translate) to a virtual address the loader can dereference,
// using the same offset/identity mapping the page table itself walks
// through.
func (l *Loader) physAddrToVirt(physAddr uintptr) uintptr {
	frame := pmm.FrameContaining(uint64(physAddr))
	pageOffset := physAddr - uintptr(frame.Address())
	return l.physToVirt(frame) + pageOffset
}

// copyFromVirt reads len(buf) bytes starting at the mapped virtual address
// addr, resolving the mapping page by page rather than assuming the range
// lies in a single page.
func (l *Loader) copyFromVirt(addr uintptr, buf []byte) *sys.Error {
	remaining := len(buf)
	cur := addr
	bufOff := 0
	pageSize := uintptr(mem.PageSize)

	for remaining > 0 {
		physAddr, err := l.pageTable.Translate(cur)
		if err != nil {
			return err
		}

		pageOffset := cur & (pageSize - 1)
		n := int(pageSize - pageOffset)
		if n > remaining {
			n = remaining
		}

		srcVirt := l.physAddrToVirt(physAddr)
		memcopyFn(srcVirt, uintptr(unsafe.Pointer(&buf[bufOff])), mem.Size(n))

		cur += uintptr(n)
		bufOff += n
		remaining -= n
	}
	return nil
}

// copyToVirt writes buf to the mapped virtual address addr, duplicating any
// page it touches via MakeMut first so the kernel image's original, shared
// frames are never mutated in place.
func (l *Loader) copyToVirt(addr uintptr, buf []byte) *sys.Error {
	remaining := len(buf)
	cur := addr
	bufOff := 0
	pageSize := uintptr(mem.PageSize)

	for remaining > 0 {
		page := vmm.PageFromAddress(cur)
		newFrame, err := l.pageTable.MakeMut(cur, l.allocFn)
		if err != nil {
			return err
		}

		pageOffset := cur - page.Address()
		n := int(pageSize - pageOffset)
		if n > remaining {
			n = remaining
		}

		dstVirt := l.physToVirt(newFrame) + pageOffset
		memcopyFn(uintptr(unsafe.Pointer(&buf[bufOff])), dstVirt, mem.Size(n))

		cur += uintptr(n)
		bufOff += n
		remaining -= n
	}
	return nil
}
