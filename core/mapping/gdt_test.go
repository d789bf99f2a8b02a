package mapping

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestCreateAndLoad(t *testing.T) {
	defer func(orig func(uintptr, uint16, uint16, uint16)) { cpuLoadGDTFn = orig }(cpuLoadGDTFn)

	var gotBase uintptr
	var gotEntries, gotCode, gotData uint16
	cpuLoadGDTFn = func(base uintptr, entries uint16, code, data uint16) {
		gotBase, gotEntries, gotCode, gotData = base, entries, code, data
	}

	var backing [gdtEntryCount]uint64
	gdtVirt := uintptr(unsafe.Pointer(&backing[0]))

	CreateAndLoad(gdtVirt)

	assert.Equal(t, gdtNullEntry, backing[0])
	assert.Equal(t, gdtCode64Entry, backing[1])
	assert.Equal(t, gdtDataEntry, backing[2])

	assert.Equal(t, gdtVirt, gotBase)
	assert.EqualValues(t, gdtEntryCount, gotEntries)
	assert.Equal(t, CodeSelector, gotCode)
	assert.Equal(t, DataSelector, gotData)

	// The code segment must carry the long-mode bit and be executable;
	// the data segment must be writable but not executable.
	assert.NotZero(t, backing[1]&gdtFlagLongMode)
	assert.NotZero(t, backing[1]&gdtFlagExecutable)
	assert.Zero(t, backing[2]&gdtFlagExecutable)
	assert.NotZero(t, backing[2]&gdtFlagWritable)
}
