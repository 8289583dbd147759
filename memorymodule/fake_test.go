package memorymodule

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/lysShub/mlibrary/internal/pebuild"
)

type protectCall struct {
	addr, size uintptr
	protect    Protect
}

type span struct {
	addr, size uintptr
}

// fakeEnv implements Callbacks and Executor over Go memory. Image regions
// get fake addresses, mapped code is "executed" by handlers keyed by RVA.
type fakeEnv struct {
	t *testing.T

	honorHint bool
	nextBase  uintptr
	regions   map[uintptr][]byte

	failAlloc   int // fail the first n allocations
	failRelease bool
	failProtect bool

	libs     map[string]Library
	procs    map[Library]map[string]uintptr
	nextProc uintptr

	handlers map[uint32]func(base uintptr, args []uintptr) uintptr

	events    []string
	protects  []protectCall
	flushes   []span
	decommits []span
	userdata  []any
}

var (
	_ Callbacks = (*fakeEnv)(nil)
	_ Executor  = (*fakeEnv)(nil)
)

func newFakeEnv(t *testing.T) *fakeEnv {
	return &fakeEnv{
		t:        t,
		nextBase: 0x20000000,
		regions:  map[uintptr][]byte{},
		libs:     map[string]Library{},
		procs:    map[Library]map[string]uintptr{},
		nextProc: 0x7ff00000,
		handlers: map[uint32]func(uintptr, []uintptr) uintptr{},
	}
}

// addLib registers a dependency exporting procs, keyed by name or "#ordinal".
func (f *fakeEnv) addLib(name string, procs ...string) Library {
	lib := Library(0x70000000 + uintptr(len(f.libs)+1)*0x10000)
	f.libs[name] = lib
	f.procs[lib] = map[string]uintptr{}
	for _, p := range procs {
		f.nextProc += 0x10
		f.procs[lib][p] = f.nextProc
	}
	return lib
}

func (f *fakeEnv) proc(lib string, name string) uintptr {
	return f.procs[f.libs[lib]][name]
}

func (f *fakeEnv) libName(lib Library) string {
	for name, l := range f.libs {
		if l == lib {
			return name
		}
	}
	return fmt.Sprintf("0x%x", uintptr(lib))
}

func (f *fakeEnv) handle(rva uint32, fn func(base uintptr, args []uintptr) uintptr) {
	f.handlers[rva] = fn
}

func (f *fakeEnv) outstanding() int { return len(f.regions) }

func (f *fakeEnv) Alloc(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
	f.userdata = append(f.userdata, userdata)
	f.events = append(f.events, "alloc")
	if f.failAlloc > 0 {
		f.failAlloc--
		return Region{}, errors.New("out of memory")
	}

	base := f.nextBase
	if f.honorHint && hint != 0 {
		if _, used := f.regions[hint]; !used {
			base = hint
		}
	}
	if base == f.nextBase {
		f.nextBase += 0x01000000
	}
	mem := make([]byte, size)
	for i := range mem {
		// catch reads of memory the loader should have written
		mem[i] = 0xcc
	}
	f.regions[base] = mem
	return Region{Addr: base, Mem: mem}, nil
}

func (f *fakeEnv) Free(addr, size uintptr, kind FreeType, userdata any) error {
	f.userdata = append(f.userdata, userdata)
	switch kind {
	case MemRelease:
		f.events = append(f.events, "release")
		if _, ok := f.regions[addr]; !ok {
			f.t.Errorf("release of unknown region 0x%x", addr)
		}
		delete(f.regions, addr)
		if f.failRelease {
			return errors.New("release failed")
		}
	case MemDecommit:
		f.decommits = append(f.decommits, span{addr, size})
	}
	return nil
}

func (f *fakeEnv) LoadLibrary(name string, userdata any) (Library, error) {
	f.userdata = append(f.userdata, userdata)
	f.events = append(f.events, "load:"+name)
	lib, ok := f.libs[name]
	if !ok {
		return 0, fmt.Errorf("%s not found", name)
	}
	return lib, nil
}

func (f *fakeEnv) GetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	f.userdata = append(f.userdata, userdata)
	addr, ok := f.procs[lib][proc.String()]
	if !ok {
		return 0, fmt.Errorf("%s not exported by %s", proc, f.libName(lib))
	}
	return addr, nil
}

func (f *fakeEnv) FreeLibrary(lib Library, userdata any) {
	f.userdata = append(f.userdata, userdata)
	f.events = append(f.events, "free:"+f.libName(lib))
}

func (f *fakeEnv) PageSize() uintptr { return 0x1000 }

func (f *fakeEnv) Protect(addr, size uintptr, protect Protect) error {
	f.protects = append(f.protects, protectCall{addr, size, protect})
	if f.failProtect {
		return errors.New("access denied")
	}
	return nil
}

func (f *fakeEnv) FlushInstructionCache(addr, size uintptr) error {
	f.flushes = append(f.flushes, span{addr, size})
	return nil
}

func (f *fakeEnv) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	var bases []uintptr
	for base := range f.regions {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	for _, base := range bases {
		if fn >= base && fn < base+uintptr(len(f.regions[base])) {
			rva := uint32(fn - base)
			f.events = append(f.events, fmt.Sprintf("call:0x%x", rva))
			h, ok := f.handlers[rva]
			if !ok {
				return 0, fmt.Errorf("no handler at rva 0x%x", rva)
			}
			return h(base, args), nil
		}
	}
	return 0, fmt.Errorf("call to unmapped 0x%x", fn)
}

// ret returns a handler that records its arguments and returns r.
func ret(r uintptr, calls *[][]uintptr) func(uintptr, []uintptr) uintptr {
	return func(_ uintptr, args []uintptr) uintptr {
		if calls != nil {
			*calls = append(*calls, append([]uintptr(nil), args...))
		}
		return r
	}
}

// dataImage is a DLL with code, data and a relocated pointer to its data.
type dataImage struct {
	b                *pebuild.Builder
	text, data       *pebuild.Section
	code, value, ptr uint32
}

func newDataImage() *dataImage {
	b := pebuild.NewHost()
	img := &dataImage{b: b}
	img.text = b.Section(".text", pebuild.Code)
	img.code = img.text.Add([]byte{0xc3, 0xc3, 0xc3, 0xc3})
	img.data = b.Section(".data", pebuild.Data)
	img.value = img.data.Add([]byte("memorymodule"))
	img.ptr = img.data.AddAbs(img.value)
	return img
}
