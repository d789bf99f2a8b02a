package core

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embercore/core/bootinfo"
	"embercore/core/elfloader"
	"embercore/core/handoff"
	"embercore/core/mapping"
	"embercore/core/memmap"
	"embercore/core/pmm"
	"embercore/core/vmm"
)

// Signatures of the mapping-package seams Boot routes through, spelled out
// once so the save/restore defers in TestBoot stay readable.
type (
	setUpMappingsSig func(*vmm.PageTable, vmm.PhysToVirt, vmm.FrameAllocatorFn, *vmm.EntryTracker, uintptr, *elfloader.TLSTemplate, uint64, uint64, mapping.SystemInfo) *mapping.Mappings
	buildBootInfoSig func(*vmm.PageTable, *vmm.PageTable, vmm.PhysToVirt, vmm.FrameAllocatorFn, *pmm.BumpAllocator, *vmm.EntryTracker, *mapping.Mappings, mapping.SystemInfo) uintptr
)

// buildTinyKernel assembles the smallest image parseHeader/parseProgramHeaders
// in core/elfloader accept: an ET_EXEC header with one PT_LOAD segment,
// padded to a page. Built directly from the ELF64 field offsets rather than
// importing elfloader's own unexported test helper, since core only ever
// sees elfloader as a black box.
func buildTinyKernel(entry uint64) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
		pageSize = 4096

		etExec = 2
		ptLoad = 1
		pfRead = 1 << 2
		pfExec = 1 << 0
	)

	buf := make([]byte, pageSize)
	le := binary.LittleEndian

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	le.PutUint16(buf[16:18], etExec)
	le.PutUint64(buf[24:32], entry)
	le.PutUint64(buf[32:40], ehdrSize)
	le.PutUint16(buf[54:56], phdrSize)
	le.PutUint16(buf[56:58], 1)

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	le.PutUint32(ph[0:4], ptLoad)
	le.PutUint32(ph[4:8], pfRead|pfExec)
	le.PutUint64(ph[8:16], 0)         // file offset
	le.PutUint64(ph[16:24], 0)        // vaddr
	le.PutUint64(ph[24:32], 0)        // paddr
	le.PutUint64(ph[32:40], pageSize) // file size
	le.PutUint64(ph[40:48], pageSize) // mem size
	le.PutUint64(ph[48:56], pageSize) // align

	return buf
}

// fakeCoreMem backs every physical frame Boot touches with addressable Go
// memory: frame 0 aliases the kernel image bytes (so its LOAD segment maps
// real content), every other frame is scratch, used for page tables and
// whatever the bump allocator hands out.
type fakeCoreMem struct {
	kernel  []byte
	scratch [][4096]byte
}

func (m *fakeCoreMem) physToVirt(f pmm.Frame) uintptr {
	if f == 0 {
		return uintptr(unsafe.Pointer(&m.kernel[0]))
	}
	return uintptr(unsafe.Pointer(&m.scratch[f][0]))
}

func TestBoot(t *testing.T) {
	const entry = 0x100

	kernel := buildTinyKernel(entry)
	mem := &fakeCoreMem{kernel: kernel, scratch: make([][4096]byte, 4096)}

	// The firmware memory map starts well past frame 1, which stands in
	// for the bootloader's own already-active page table root below.
	descs := []memmap.Descriptor{
		{PhysStart: 0x10_0000, NumPages: 0xff, Type: memmap.Conventional},
	}

	defer func(orig func()) { enableNXEBitFn = orig }(enableNXEBitFn)
	defer func(orig func()) { enableWriteProtectBitFn = orig }(enableWriteProtectBitFn)
	defer func(orig func() uintptr) { activePDTFn = orig }(activePDTFn)
	defer func(orig func(handoff.Addresses)) { handoffSwitchFn = orig }(handoffSwitchFn)
	defer func(orig setUpMappingsSig) { setUpMappingsFn = orig }(setUpMappingsFn)
	defer func(orig buildBootInfoSig) { buildBootInfoFn = orig }(buildBootInfoFn)

	var nxeCalled, wpCalled bool
	enableNXEBitFn = func() { nxeCalled = true }
	enableWriteProtectBitFn = func() { wpCalled = true }
	activePDTFn = func() uintptr { return uintptr(pmm.Frame(1).Address()) }

	// The real SetUpMappings ends in a privileged LGDT load; stub it (and
	// BuildBootInfo) at the seam Boot owns, echoing the entry point the
	// real ELF loader produced so the handoff assertions below still
	// exercise the genuine parse-and-load path.
	const stackTop = uintptr(0x4000_0001_0000)
	const bootInfoVirt = uintptr(0x4000_0002_0000)

	var mappingsBuilt bool
	setUpMappingsFn = func(kernelPT *vmm.PageTable, physToVirt vmm.PhysToVirt, allocFn vmm.FrameAllocatorFn, tracker *vmm.EntryTracker, entryPoint uintptr, tls *elfloader.TLSTemplate, kernelSliceStart, kernelSliceLen uint64, sysInfo mapping.SystemInfo) *mapping.Mappings {
		mappingsBuilt = true
		require.NotNil(t, kernelPT)
		require.NotNil(t, tracker)
		assert.EqualValues(t, len(kernel), kernelSliceLen)
		return &mapping.Mappings{
			EntryPoint:       entryPoint,
			StackTop:         stackTop,
			Tracker:          tracker,
			KernelSliceStart: kernelSliceStart,
			KernelSliceLen:   kernelSliceLen,
		}
	}
	buildBootInfoFn = func(bootloaderPT, kernelPT *vmm.PageTable, physToVirt vmm.PhysToVirt, allocFn vmm.FrameAllocatorFn, alloc *pmm.BumpAllocator, tracker *vmm.EntryTracker, m *mapping.Mappings, sysInfo mapping.SystemInfo) uintptr {
		require.True(t, mappingsBuilt, "boot info must be built after the mappings")
		require.NotNil(t, alloc)
		return bootInfoVirt
	}

	var gotAddr handoff.Addresses
	var switched bool
	handoffSwitchFn = func(addr handoff.Addresses) {
		gotAddr = addr
		switched = true
	}

	cfg := Config{
		KernelImage:    kernel,
		KernelPhysBase: 0,
		MemoryMap:      memmap.NewSliceIterator(descs),
		BootConfig:     bootinfo.BootConfig{FramebufferWidth: 800, FramebufferHeight: 600},

		BootloaderPhysToVirt: mem.physToVirt,
	}

	require.NotPanics(t, func() { Boot(cfg) })

	assert.True(t, nxeCalled)
	assert.True(t, wpCalled)
	require.True(t, switched)

	assert.Equal(t, uintptr(entry), gotAddr.EntryPoint)
	assert.Equal(t, stackTop, gotAddr.StackTop)
	assert.Equal(t, bootInfoVirt, gotAddr.BootInfo)
	assert.NotEqual(t, pmm.Frame(0), gotAddr.PageTable)
}
