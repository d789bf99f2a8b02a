package sys

import (
	"embercore/core/cpu"
	"embercore/core/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "sys", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the early console and
// halts the CPU. Calls to Panic never return. There is no post-fault
// recovery path in the pre-kernel environment: every fatal condition in the
// core collapses into this halt.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** bootloader panic: system halted ***")
	early.Printf("\n-----------------------------------")

	cpuHaltFn()
}
