package mlibrary

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/lysShub/mlibrary/memorymodule"
)

// DLL is a module loaded from memory, shaped like windows.DLL.
type DLL struct {
	Name   string
	Handle uintptr

	module *memorymodule.Module
}

var mapped = struct {
	sync.RWMutex
	m map[uintptr]*DLL
}{m: map[uintptr]*DLL{}}

// NewMLibrary loads the image b with the default callbacks.
func NewMLibrary(b []byte) (*DLL, error) {
	return NewMLibraryEx("memory module", b, nil)
}

// NewMLibraryEx loads the image b as name. A nil callbacks uses the
// default callbacks, a *memorymodule.Libraries serves dependencies from memory.
func NewMLibraryEx(name string, b []byte, callbacks memorymodule.Callbacks) (*DLL, error) {
	m, err := memorymodule.LoadLibraryEx(b, callbacks, nil)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	var dll = &DLL{Name: name, Handle: m.Base(), module: m}
	mapped.Lock()
	mapped.m[dll.Handle] = dll
	mapped.Unlock()
	return dll, nil
}

// LoadFile maps the file at path read-only and loads it from the mapping.
func LoadFile(path string) (*DLL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer b.Unmap()

	return NewMLibraryEx(filepath.Base(path), b, nil)
}

// Mapped returns the loaded DLLs ordered by handle.
func Mapped() []*DLL {
	mapped.RLock()
	defer mapped.RUnlock()

	var dlls = make([]*DLL, 0, len(mapped.m))
	for _, d := range mapped.m {
		dlls = append(dlls, d)
	}
	sort.Slice(dlls, func(i, j int) bool { return dlls[i].Handle < dlls[j].Handle })
	return dlls
}

func (d *DLL) Module() *memorymodule.Module { return d.module }

func (d *DLL) FindProc(name string) (*Proc, error) {
	return d.findProc(memorymodule.ProcName(name))
}

func (d *DLL) MustFindProc(name string) *Proc {
	p, err := d.FindProc(name)
	if err != nil {
		panic(err)
	}
	return p
}

func (d *DLL) FindProcByOrdinal(ordinal uint16) (*Proc, error) {
	return d.findProc(memorymodule.ProcOrdinal(ordinal))
}

func (d *DLL) findProc(proc memorymodule.Proc) (*Proc, error) {
	addr, err := d.module.GetProcAddress(proc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	return &Proc{Dll: d, Name: proc.String(), addr: addr}, nil
}

// LoadString returns the string resource id in the thread's language.
func (d *DLL) LoadString(id uint32) (string, error) {
	return d.module.String(id)
}

// Run calls the entry point of an executable image.
func (d *DLL) Run() error {
	return d.module.CallEntryPoint()
}

// Release unloads the DLL.
func (d *DLL) Release() error {
	if d.module.State() == memorymodule.StateFreed {
		return fmt.Errorf("%s: %w", d.Name, memorymodule.ErrFreed)
	}
	mapped.Lock()
	delete(mapped.m, d.Handle)
	mapped.Unlock()

	d.module.Free()
	return nil
}

// Proc is an exported procedure of a DLL.
type Proc struct {
	Dll  *DLL
	Name string

	addr uintptr
}

func (p *Proc) Addr() uintptr { return p.addr }
