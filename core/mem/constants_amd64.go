// +build amd64

package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical or virtual address to a page number
	// (shift right by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes. Non-4 KiB kernel
	// page sizes are out of scope, so this is the only page size the core
	// ever hands out.
	PageSize = Size(1 << PageShift)

	// PointerShift is log2(sizeof(uintptr)) and is used to convert a
	// byte offset within a page table into an entry index.
	PointerShift = 3

	// EntriesPerTable is the number of entries in one level of the
	// 4-level amd64 page-table hierarchy.
	EntriesPerTable = 512

	// Level4RegionSize is the span of virtual address space covered by
	// a single level-4 page-table entry (512 GiB).
	Level4RegionSize = uint64(PageSize) * EntriesPerTable * EntriesPerTable * EntriesPerTable
)
