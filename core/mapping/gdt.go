package mapping

import (
	"unsafe"

	"embercore/core/cpu"
)

// GDT descriptor bits, the standard long-mode layout: present, descriptor
// type (code/data segment, not a system segment), executable (code only),
// writable (data only), and the long-mode (L) flag on the code segment
// that makes the CPU treat it as a 64-bit code segment regardless of its
// base/limit fields.
const (
	gdtFlagWritable   = uint64(1) << 41
	gdtFlagExecutable = uint64(1) << 43
	gdtFlagDescriptor = uint64(1) << 44
	gdtFlagPresent    = uint64(1) << 47
	gdtFlagLongMode   = uint64(1) << 53

	gdtNullEntry   = uint64(0)
	gdtCode64Entry = gdtFlagExecutable | gdtFlagDescriptor | gdtFlagPresent | gdtFlagLongMode
	gdtDataEntry   = gdtFlagWritable | gdtFlagDescriptor | gdtFlagPresent

	gdtEntryCount = 3

	// CodeSelector and DataSelector are the fixed selector values for the
	// kernel code64 and data segments CreateAndLoad installs.
	CodeSelector = uint16(1 * 8)
	DataSelector = uint16(2 * 8)
)

// cpuLoadGDTFn is mocked by tests and is automatically inlined by the
// compiler otherwise.
var cpuLoadGDTFn = cpu.LoadGDT

// CreateAndLoad writes a 3-entry GDT (null, kernel code64, kernel data) to
// gdtVirt -- the virtual address at which the caller has already allocated
// and will identity-map gdtFrame -- loads it via LGDT, and reloads
// CS/DS/ES/SS to point at the new entries.
func CreateAndLoad(gdtVirt uintptr) {
	entries := (*[gdtEntryCount]uint64)(unsafe.Pointer(gdtVirt))
	entries[0] = gdtNullEntry
	entries[1] = gdtCode64Entry
	entries[2] = gdtDataEntry

	cpuLoadGDTFn(gdtVirt, gdtEntryCount, CodeSelector, DataSelector)
}
