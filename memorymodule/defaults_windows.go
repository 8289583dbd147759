//go:build windows

package memorymodule

import (
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
)

func MemoryDefaultAlloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
	addr, err := windows.VirtualAlloc(hint, size, uint32(kind), uint32(protect))
	if err != nil {
		return Region{}, err
	}
	// addr is VirtualAlloc memory outside the Go heap; vet reports this conversion.
	return Region{Addr: addr, Mem: unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)}, nil
}

func MemoryDefaultFree(addr, size uintptr, kind FreeType, userdata any) error {
	if kind == MemRelease {
		// must be zero for MEM_RELEASE
		size = 0
	}
	return windows.VirtualFree(addr, size, uint32(kind))
}

func MemoryDefaultLoadLibrary(name string, userdata any) (Library, error) {
	h, err := windows.LoadLibrary(name)
	return Library(h), err
}

func MemoryDefaultGetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	if proc.ByOrdinal() {
		return windows.GetProcAddressByOrdinal(windows.Handle(lib), uintptr(proc.Ordinal))
	}
	return windows.GetProcAddress(windows.Handle(lib), proc.Name)
}

func MemoryDefaultFreeLibrary(lib Library, userdata any) {
	if err := windows.FreeLibrary(windows.Handle(lib)); err != nil {
		logger().Warnf("FreeLibrary 0x%x: %s", uintptr(lib), err)
	}
}

type defaultExecutor struct{}

func (defaultExecutor) PageSize() uintptr { return uintptr(os.Getpagesize()) }

func (defaultExecutor) Protect(addr, size uintptr, protect Protect) error {
	var oldProtect uint32
	return windows.VirtualProtect(addr, size, uint32(protect), &oldProtect)
}

func (defaultExecutor) FlushInstructionCache(addr, size uintptr) error {
	if err := procFlushInstructionCache.Find(); err != nil {
		return err
	}
	r1, _, e := syscall.SyscallN(procFlushInstructionCache.Addr(), uintptr(windows.CurrentProcess()), addr, size)
	if r1 == 0 {
		return e
	}
	return nil
}

func (defaultExecutor) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	r1, _, _ := syscall.SyscallN(fn, args...)
	return r1, nil
}
