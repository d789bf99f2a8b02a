package mem

import (
	"reflect"
	"unsafe"
)

// Memcopy copies size bytes from srcAddr to dstAddr. The regions must not
// overlap. Used by the ELF loader's copy-on-write page duplication and by
// the mapping orchestrator when it needs to move data between a physical
// frame and its offset-mapped virtual alias.
func Memcopy(srcAddr, dstAddr uintptr, size Size) {
	if size == 0 {
		return
	}

	src := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: srcAddr,
	}))
	dst := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dstAddr,
	}))

	copy(dst, src)
}
