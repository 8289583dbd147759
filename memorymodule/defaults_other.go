//go:build !windows && !unix

package memorymodule

import (
	"fmt"
	"os"
)

func MemoryDefaultAlloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
	return Region{}, fmt.Errorf("%w: alloc", ErrNotSupported)
}

func MemoryDefaultFree(addr, size uintptr, kind FreeType, userdata any) error {
	return fmt.Errorf("%w: free", ErrNotSupported)
}

func MemoryDefaultLoadLibrary(name string, userdata any) (Library, error) {
	return 0, fmt.Errorf("%w: load %q", ErrNotSupported, name)
}

func MemoryDefaultGetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	return 0, fmt.Errorf("%w: resolve %s", ErrNotSupported, proc)
}

func MemoryDefaultFreeLibrary(lib Library, userdata any) {}

type defaultExecutor struct{}

func (defaultExecutor) PageSize() uintptr { return uintptr(os.Getpagesize()) }

func (defaultExecutor) Protect(addr, size uintptr, protect Protect) error {
	return fmt.Errorf("%w: protect", ErrNotSupported)
}

func (defaultExecutor) FlushInstructionCache(addr, size uintptr) error { return nil }

func (defaultExecutor) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	return 0, fmt.Errorf("%w: native call to 0x%x", ErrNotSupported, fn)
}
