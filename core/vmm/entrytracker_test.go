package vmm

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embercore/core/mem"
)

func TestEntryTrackerSlotZeroReserved(t *testing.T) {
	tr := NewEntryTracker()
	assert.True(t, tr.used[0], "expected slot 0 to be reserved on construction")
}

func TestEntryTrackerMarkSegments(t *testing.T) {
	tr := NewEntryTracker()

	segs := []Segment{
		{VirtAddr: 0, MemSize: uintptr(mem.Level4RegionSize) + 1},
	}
	tr.MarkSegments(segs, 0)

	assert.True(t, tr.used[0])
	assert.True(t, tr.used[1])
	assert.False(t, tr.used[2], "expected slot 2 to remain free")
}

func TestEntryTrackerGetFreeEntriesDisjoint(t *testing.T) {
	tr := NewEntryTracker()

	first := tr.GetFreeEntries(3)
	second := tr.GetFreeEntries(2)

	assert.NotZero(t, first, "expected first run to skip reserved slot 0")
	firstRange := map[int]bool{first: true, first + 1: true, first + 2: true}
	assert.False(t, firstRange[second] || firstRange[second+1], "expected disjoint runs; first=%d(+3) second=%d(+2)", first, second)
}

// TestEntryTrackerDisjointProperty checks that any sequence of
// GetFreeEntries calls yields pairwise-disjoint runs, none of which
// includes the reserved slot 0. Run sizes are capped so the 512-slot table
// cannot be exhausted mid-sequence.
func TestEntryTrackerDisjointProperty(t *testing.T) {
	f := func(rawSizes []uint8) bool {
		tr := NewEntryTracker()
		claimed := map[int]bool{0: true}

		for _, raw := range rawSizes {
			n := int(raw)%8 + 1
			first := tr.GetFreeEntries(n)
			for slot := first; slot < first+n; slot++ {
				if claimed[slot] {
					return false
				}
				claimed[slot] = true
			}
		}
		return true
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestEntryTrackerGetFreeEntriesPanicsWhenExhausted(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)

	var panicCalled bool
	panicFn = func(interface{}) { panicCalled = true }

	tr := NewEntryTracker()
	tr.GetFreeEntries(mem.EntriesPerTable)

	assert.True(t, panicCalled, "expected GetFreeEntries to call panicFn when no run is available")
}

func TestEntryTrackerGetFreeAddressAlignment(t *testing.T) {
	tr := NewEntryTracker()

	addr := tr.GetFreeAddress(uint64(mem.Level4RegionSize)+1, uint64(mem.Gb))
	assert.Zero(t, uint64(addr)%uint64(mem.Gb), "expected address aligned to 1 GiB")
	assert.NotZero(t, addr, "slot 0 is reserved")
}

func TestEntryTrackerGetFreeAddressPanicsOnNonPowerOfTwoAlignment(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)

	var panicCalled bool
	panicFn = func(interface{}) { panicCalled = true }

	tr := NewEntryTracker()
	tr.GetFreeAddress(uint64(mem.PageSize), 3)

	assert.True(t, panicCalled, "expected GetFreeAddress to call panicFn on non-power-of-two alignment")
}
