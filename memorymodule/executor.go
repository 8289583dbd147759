package memorymodule

// Executor changes page protections and transfers control into mapped code.
// A Callbacks value that also implements Executor is used for both roles,
// otherwise the platform executor is used.
type Executor interface {
	PageSize() uintptr
	Protect(addr, size uintptr, protect Protect) error
	FlushInstructionCache(addr, size uintptr) error

	// Call invokes the native function at fn and returns its primary result register.
	Call(fn uintptr, args ...uintptr) (uintptr, error)
}

// DefaultExecutor operates on the current process.
var DefaultExecutor Executor = defaultExecutor{}

func executorFor(cb Callbacks) Executor {
	if e, ok := cb.(Executor); ok {
		return e
	}
	return DefaultExecutor
}
