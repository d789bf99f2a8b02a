// Package sys holds the error and panic primitives shared by every other
// core package. It is kept deliberately leaf-most (depending only on cpu
// and kfmt/early) so that core/pmm, core/vmm, core/elfloader, core/mapping
// and core/handoff can all import it without creating an import cycle back
// to the top-level orchestrator in package core.
package sys

// Error describes a core error. All errors are defined as pointers to this
// structure rather than via errors.New, since no allocator is available
// this early.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
