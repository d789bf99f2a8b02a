// Package handoff performs the final context switch from the bootloader
// into the kernel: load the kernel's level-4 page table, set the stack
// pointer, and jump to the entry point with the boot-info pointer in the
// first integer argument register. The switch itself is declared in Go and
// implemented in assembly, the same convention as core/cpu.
package handoff

import (
	"reflect"

	"embercore/core/pmm"
)

// Addresses bundles everything the context switch needs, split out of the
// mapping orchestrator so this package is independently testable.
type Addresses struct {
	PageTable  pmm.Frame
	StackTop   uintptr
	EntryPoint uintptr
	BootInfo   uintptr
}

// contextSwitchFn is mocked by tests and is automatically inlined by the
// compiler otherwise.
var contextSwitchFn = contextSwitch

// contextSwitch loads CR3, sets RSP, pushes a zero return address, and
// jumps to the entry point with bootInfo in the first integer argument
// register. Implemented in handoff_amd64.s; never returns.
func contextSwitch(pageTable, stackTop, entryPoint, bootInfo uintptr)

// Switch performs the context switch described by addr. This call never
// returns: RFLAGS.IF is already clear (boot services interrupts stay
// masked throughout, per the core's single-threaded model) and there is no
// return address left on the new stack for the jump to come back to.
func Switch(addr Addresses) {
	contextSwitchFn(uintptr(addr.PageTable.Address()), addr.StackTop, addr.EntryPoint, addr.BootInfo)
}

// TrampolineFrames returns the inclusive two-frame physical range
// containing the contextSwitch function's code. The mapping orchestrator
// identity-maps exactly this range into the kernel's page table so CR3's
// reload does not fault on the very next fetched instruction, regardless
// of whether the function happens to straddle a frame boundary.
func TrampolineFrames() (start, end pmm.Frame) {
	addr := uintptr(reflect.ValueOf(contextSwitch).Pointer())
	start = pmm.FrameContaining(uint64(addr))
	return start, start + 1
}
