package memorymodule

import (
	"fmt"
	"strconv"
)

type AllocType uint32

const (
	MemCommit  AllocType = 0x1000
	MemReserve AllocType = 0x2000
)

type FreeType uint32

const (
	MemDecommit FreeType = 0x4000
	MemRelease  FreeType = 0x8000
)

// Protect is a page protection value, numerically equal to the windows PAGE_* constants.
type Protect uint32

const (
	PageNoAccess         Protect = 0x01
	PageReadOnly         Protect = 0x02
	PageReadWrite        Protect = 0x04
	PageWriteCopy        Protect = 0x08
	PageExecute          Protect = 0x10
	PageExecuteRead      Protect = 0x20
	PageExecuteReadWrite Protect = 0x40
	PageExecuteWriteCopy Protect = 0x80
	PageNoCache          Protect = 0x200
)

func (p Protect) Executable() bool {
	return p&(PageExecute|PageExecuteRead|PageExecuteReadWrite|PageExecuteWriteCopy) != 0
}

// Region is a block of memory obtained from Callbacks.Alloc. Addr is the
// address the mapped code observes, Mem gives the loader access to it.
type Region struct {
	Addr uintptr
	Mem  []byte
}

// Library is an opaque handle to a dependency, as returned by Callbacks.LoadLibrary.
type Library uintptr

// Proc names an export, either by name or by ordinal.
type Proc struct {
	Name    string
	Ordinal uint16

	byOrdinal bool
}

func ProcName(name string) Proc { return Proc{Name: name} }

func ProcOrdinal(ordinal uint16) Proc { return Proc{Ordinal: ordinal, byOrdinal: true} }

func (p Proc) ByOrdinal() bool { return p.byOrdinal }

func (p Proc) String() string {
	if p.byOrdinal {
		return "#" + strconv.Itoa(int(p.Ordinal))
	}
	return p.Name
}

// parseProc parses a forwarder export part: "Name" or "#ordinal".
func parseProc(s string) (Proc, error) {
	if len(s) > 1 && s[0] == '#' {
		n, err := strconv.ParseUint(s[1:], 10, 16)
		if err != nil {
			return Proc{}, fmt.Errorf("%w: invalid ordinal %q", ErrMalformedImage, s)
		}
		return ProcOrdinal(uint16(n)), nil
	}
	return ProcName(s), nil
}

// Callbacks is the set of collaborators the loader asks for memory and
// dependency services. userdata is the value passed to LoadLibraryEx,
// forwarded untouched.
type Callbacks interface {
	Alloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error)
	Free(addr, size uintptr, kind FreeType, userdata any) error
	LoadLibrary(name string, userdata any) (Library, error)
	GetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error)
	FreeLibrary(lib Library, userdata any)
}

type (
	CustomAllocFunc          func(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error)
	CustomFreeFunc           func(addr, size uintptr, kind FreeType, userdata any) error
	CustomLoadLibraryFunc    func(name string, userdata any) (Library, error)
	CustomGetProcAddressFunc func(lib Library, proc Proc, userdata any) (uintptr, error)
	CustomFreeLibraryFunc    func(lib Library, userdata any)
)

// CallbackFuncs implements Callbacks with optional hooks, nil hooks use
// the MemoryDefault* implementation.
type CallbackFuncs struct {
	AllocFunc          CustomAllocFunc
	FreeFunc           CustomFreeFunc
	LoadLibraryFunc    CustomLoadLibraryFunc
	GetProcAddressFunc CustomGetProcAddressFunc
	FreeLibraryFunc    CustomFreeLibraryFunc
}

var _ Callbacks = (*CallbackFuncs)(nil)

func (c *CallbackFuncs) Alloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
	if c.AllocFunc != nil {
		return c.AllocFunc(hint, size, kind, protect, userdata)
	}
	return MemoryDefaultAlloc(hint, size, kind, protect, userdata)
}

func (c *CallbackFuncs) Free(addr, size uintptr, kind FreeType, userdata any) error {
	if c.FreeFunc != nil {
		return c.FreeFunc(addr, size, kind, userdata)
	}
	return MemoryDefaultFree(addr, size, kind, userdata)
}

func (c *CallbackFuncs) LoadLibrary(name string, userdata any) (Library, error) {
	if c.LoadLibraryFunc != nil {
		return c.LoadLibraryFunc(name, userdata)
	}
	return MemoryDefaultLoadLibrary(name, userdata)
}

func (c *CallbackFuncs) GetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	if c.GetProcAddressFunc != nil {
		return c.GetProcAddressFunc(lib, proc, userdata)
	}
	return MemoryDefaultGetProcAddress(lib, proc, userdata)
}

func (c *CallbackFuncs) FreeLibrary(lib Library, userdata any) {
	if c.FreeLibraryFunc != nil {
		c.FreeLibraryFunc(lib, userdata)
		return
	}
	MemoryDefaultFreeLibrary(lib, userdata)
}

type defaultCallbacks struct{}

func (defaultCallbacks) Alloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
	return MemoryDefaultAlloc(hint, size, kind, protect, userdata)
}

func (defaultCallbacks) Free(addr, size uintptr, kind FreeType, userdata any) error {
	return MemoryDefaultFree(addr, size, kind, userdata)
}

func (defaultCallbacks) LoadLibrary(name string, userdata any) (Library, error) {
	return MemoryDefaultLoadLibrary(name, userdata)
}

func (defaultCallbacks) GetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	return MemoryDefaultGetProcAddress(lib, proc, userdata)
}

func (defaultCallbacks) FreeLibrary(lib Library, userdata any) {
	MemoryDefaultFreeLibrary(lib, userdata)
}

// DefaultCallbacks services the loader with the operating system.
var DefaultCallbacks Callbacks = defaultCallbacks{}
