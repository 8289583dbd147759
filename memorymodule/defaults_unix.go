//go:build unix

package memorymodule

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// anonymous mappings handed out by MemoryDefaultAlloc, keyed by address
var mappings = struct {
	sync.Mutex
	m map[uintptr]mmap.MMap
}{m: map[uintptr]mmap.MMap{}}

// MemoryDefaultAlloc maps anonymous memory. The address hint is not honored,
// so images are always rebased.
func MemoryDefaultAlloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
	if kind&MemReserve == 0 {
		// commit inside an existing mapping
		b, err := mappedRange(hint, size)
		if err != nil {
			return Region{}, err
		}
		if err := unix.Mprotect(b, unixProt(protect)); err != nil {
			return Region{}, err
		}
		return Region{Addr: hint, Mem: b}, nil
	}

	m, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return Region{}, err
	}
	addr := uintptr(unsafe.Pointer(&m[0]))

	mappings.Lock()
	mappings.m[addr] = m
	mappings.Unlock()
	return Region{Addr: addr, Mem: []byte(m)}, nil
}

func MemoryDefaultFree(addr, size uintptr, kind FreeType, userdata any) error {
	if kind == MemRelease {
		mappings.Lock()
		m, ok := mappings.m[addr]
		delete(mappings.m, addr)
		mappings.Unlock()
		if !ok {
			return fmt.Errorf("no mapping at 0x%x", addr)
		}
		return m.Unmap()
	}

	b, err := mappedRange(addr, size)
	if err != nil {
		return err
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func MemoryDefaultLoadLibrary(name string, userdata any) (Library, error) {
	return 0, fmt.Errorf("%w: load %q", ErrNotSupported, name)
}

func MemoryDefaultGetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	return 0, fmt.Errorf("%w: resolve %s", ErrNotSupported, proc)
}

func MemoryDefaultFreeLibrary(lib Library, userdata any) {}

// mappedRange returns the page aligned span of a live mapping covering [addr, addr+size).
func mappedRange(addr, size uintptr) ([]byte, error) {
	page := uintptr(os.Getpagesize())
	start := AlignValueDown(addr, page)
	end := AlignValueUp(addr+size, page)

	mappings.Lock()
	defer mappings.Unlock()
	for base, m := range mappings.m {
		if start >= base && end <= base+uintptr(len(m)) {
			return m[start-base : end-base], nil
		}
	}
	return nil, fmt.Errorf("range 0x%x+0x%x is not mapped", addr, size)
}

func unixProt(p Protect) int {
	var prot int
	switch p &^ PageNoCache {
	case PageReadOnly:
		prot = unix.PROT_READ
	case PageReadWrite, PageWriteCopy:
		prot = unix.PROT_READ | unix.PROT_WRITE
	case PageExecute:
		prot = unix.PROT_EXEC
	case PageExecuteRead:
		prot = unix.PROT_READ | unix.PROT_EXEC
	case PageExecuteReadWrite, PageExecuteWriteCopy:
		prot = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	default:
		prot = unix.PROT_NONE
	}
	return prot
}

type defaultExecutor struct{}

func (defaultExecutor) PageSize() uintptr { return uintptr(os.Getpagesize()) }

func (defaultExecutor) Protect(addr, size uintptr, protect Protect) error {
	b, err := mappedRange(addr, size)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, unixProt(protect))
}

func (defaultExecutor) FlushInstructionCache(addr, size uintptr) error { return nil }

func (defaultExecutor) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	return 0, fmt.Errorf("%w: native call to 0x%x", ErrNotSupported, fn)
}
