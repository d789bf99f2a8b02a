// Package core ties together the memory map, frame allocator, ELF loader,
// mapping orchestrator and handoff into the bootloader's single entry
// point, Boot.
package core

import (
	"embercore/core/bootinfo"
	"embercore/core/cpu"
	"embercore/core/elfloader"
	"embercore/core/handoff"
	"embercore/core/mapping"
	"embercore/core/mem"
	"embercore/core/memmap"
	"embercore/core/pmm"
	"embercore/core/sys"
	"embercore/core/vmm"
)

// The function indirections below are mocked by tests and automatically
// inlined by the compiler otherwise. setUpMappingsFn and buildBootInfoFn
// are included so Boot's orchestration can be tested without executing the
// privileged LGDT load inside mapping.SetUpMappings.
var (
	enableNXEBitFn          = cpu.EnableNXEBit
	enableWriteProtectBitFn = cpu.EnableWriteProtectBit
	activePDTFn             = cpu.ActivePDT
	handoffSwitchFn         = handoff.Switch
	setUpMappingsFn         = mapping.SetUpMappings
	buildBootInfoFn         = mapping.BuildBootInfo
)

// Config bundles every input Boot needs from its out-of-scope
// collaborators: the kernel ELF image already read from the firmware file
// system, the firmware memory map, and the optional framebuffer/ramdisk/
// RSDP/boot-config inputs graphics-mode selection and file I/O produce.
type Config struct {
	// KernelImage is the kernel's raw ELF bytes, physically based at
	// KernelPhysBase (4 KiB-aligned, since LOAD segments are mapped
	// frame for frame against it).
	KernelImage    []byte
	KernelPhysBase uint64

	// MemoryMap is the firmware's memory descriptor list.
	MemoryMap memmap.Iterator

	// BootConfig carries the caller's preferences for optional boot-info
	// fields the core cannot infer on its own.
	BootConfig bootinfo.BootConfig

	// System bundles the optional framebuffer/RSDP/ramdisk inputs.
	System mapping.SystemInfo

	// BootloaderPhysToVirt resolves a physical frame to a virtual
	// address the bootloader -- running under its own already-active
	// page table -- can read and write through directly. Every page
	// table walk in this core goes through this function rather than
	// assuming a particular CR3 is active.
	BootloaderPhysToVirt vmm.PhysToVirt
}

// Boot drives the bootloader's core pipeline end to end: enable NXE/WP,
// bump-allocate frames from the firmware memory map, parse and map the
// kernel ELF image (LOAD segments, BSS, relocations, RELRO, TLS), complete
// the kernel's address space (stack, trampoline, GDT, optional
// framebuffer/ramdisk, dual-mapped boot-info block), and perform the final
// context switch.
//
// Boot never returns. Every fatal condition halts via sys.Panic, and a
// successful run ends in handoff.Switch, which jumps into the kernel.
func Boot(cfg Config) {
	// NXE and write-protect must be enabled before any segment that
	// depends on NX is mapped and before RELRO demotes any page to
	// read-only, both of which happen inside elfloader.Load below.
	enableNXEBitFn()
	enableWriteProtectBitFn()

	bump := pmm.NewBumpAllocator(cfg.MemoryMap)
	allocFn := mapping.AllocatorFunc(bump)

	kernelRoot, err := allocFn()
	if err != nil {
		sys.Panic(err)
	}
	mem.Memset(cfg.BootloaderPhysToVirt(kernelRoot), 0, mem.PageSize)
	kernelPT := vmm.NewPageTable(kernelRoot, cfg.BootloaderPhysToVirt)

	bootloaderPT := vmm.NewPageTable(pmm.FrameContaining(uint64(activePDTFn())), cfg.BootloaderPhysToVirt)

	tracker := vmm.NewEntryTracker()

	loader, err := elfloader.New(cfg.KernelImage, cfg.KernelPhysBase, kernelPT, cfg.BootloaderPhysToVirt, allocFn, tracker)
	if err != nil {
		sys.Panic(err)
	}

	tlsTemplate, err := loader.Load()
	if err != nil {
		sys.Panic(err)
	}

	m := setUpMappingsFn(
		kernelPT,
		cfg.BootloaderPhysToVirt,
		allocFn,
		tracker,
		loader.EntryPoint(),
		tlsTemplate,
		cfg.KernelPhysBase,
		uint64(len(cfg.KernelImage)),
		cfg.System,
	)

	bootInfoAddr := buildBootInfoFn(bootloaderPT, kernelPT, cfg.BootloaderPhysToVirt, allocFn, bump, tracker, m, cfg.System)

	handoffSwitchFn(handoff.Addresses{
		PageTable:  kernelRoot,
		StackTop:   m.StackTop,
		EntryPoint: m.EntryPoint,
		BootInfo:   bootInfoAddr,
	})
}
