// Package cpu exposes amd64 control-register and TLB primitives needed by
// the mapping orchestrator and handoff. Bodies are implemented in
// accompanying Plan 9 assembly since Go has no portable surface for CR0/CR2/
// CR3/EFER access.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets CR3 to point to the supplied physical address (the kernel's
// level-4 page table frame) and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (the value of CR3).
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// EnableNXEBit sets EFER.NXE so that page-table entries can use the
// no-execute flag. Must run before any segment relying on NX is mapped.
func EnableNXEBit()

// EnableWriteProtectBit sets CR0.WP so that supervisor-mode writes respect
// the WRITABLE page-table flag. Must run before RELRO demotes any page to
// read-only.
func EnableWriteProtectBit()

// LoadGDT installs a GDT of gdtEntries 8-byte descriptors located at base
// via LGDT, then reloads CS (via a far return, since CS cannot be loaded
// directly) and DS/ES/SS with the supplied selectors.
func LoadGDT(base uintptr, gdtEntries uint16, codeSelector, dataSelector uint16)

// loadGDTAfter is the far-return landing site used internally by LoadGDT.
func loadGDTAfter()
