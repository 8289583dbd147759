package memorymodule

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Libraries serves dependencies from in-memory images. Each import of a
// registered image loads its own Module through the same Libraries, so
// dependency chains are resolved recursively. Unregistered names and
// memory requests go to the embedded Callbacks. Concurrent loads are safe
// when the embedded Callbacks are.
type Libraries struct {
	Callbacks

	mu     sync.Mutex
	images map[string][]byte
	loaded map[Library]*Module
}

var (
	_ Callbacks = (*Libraries)(nil)
	_ Executor  = (*Libraries)(nil)
)

func NewLibraries(fallback Callbacks) *Libraries {
	if fallback == nil {
		fallback = DefaultCallbacks
	}
	return &Libraries{
		Callbacks: fallback,
		images:    map[string][]byte{},
		loaded:    map[Library]*Module{},
	}
}

func libraryKey(name string) string {
	name = strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if filepath.Ext(name) == "" {
		name += ".dll"
	}
	return name
}

// Add registers image under name, matched case insensitively with and
// without the ".dll" extension.
func (l *Libraries) Add(name string, image []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.images[libraryKey(name)] = image
}

func (l *Libraries) LoadLibrary(name string, userdata any) (Library, error) {
	return l.load(name, userdata, nil)
}

// load resolves name for the image whose import chain is keys.
func (l *Libraries) load(name string, userdata any, keys []string) (Library, error) {
	var key = libraryKey(name)

	l.mu.Lock()
	image, ok := l.images[key]
	l.mu.Unlock()
	if !ok {
		return l.Callbacks.LoadLibrary(name, userdata)
	}
	if slices.Contains(keys, key) {
		return 0, fmt.Errorf("%w: circular import of %s", ErrDependencyResolution, name)
	}

	chain := &importChain{Libraries: l, keys: append(keys[:len(keys):len(keys)], key)}
	module, err := LoadLibraryEx(image, chain, userdata)
	if err != nil {
		return 0, err
	}

	var lib = Library(module.Base())
	l.mu.Lock()
	l.loaded[lib] = module
	l.mu.Unlock()
	logger().Debugf("%s loaded from memory at 0x%x", name, module.Base())
	return lib, nil
}

// importChain is the Callbacks seen by one in-memory image. Its imports
// are loaded through the owning Libraries with the chain extended.
type importChain struct {
	*Libraries
	keys []string
}

func (c *importChain) LoadLibrary(name string, userdata any) (Library, error) {
	return c.load(name, userdata, c.keys)
}

func (l *Libraries) module(lib Library) *Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[lib]
}

func (l *Libraries) GetProcAddress(lib Library, proc Proc, userdata any) (uintptr, error) {
	if module := l.module(lib); module != nil {
		return module.GetProcAddress(proc)
	}
	return l.Callbacks.GetProcAddress(lib, proc, userdata)
}

func (l *Libraries) FreeLibrary(lib Library, userdata any) {
	l.mu.Lock()
	module, ok := l.loaded[lib]
	delete(l.loaded, lib)
	l.mu.Unlock()

	if ok {
		module.Free()
		return
	}
	l.Callbacks.FreeLibrary(lib, userdata)
}

// Loaded returns the in-memory module behind lib, if lib came from l.
func (l *Libraries) Loaded(lib Library) (*Module, bool) {
	m := l.module(lib)
	return m, m != nil
}

func (l *Libraries) PageSize() uintptr { return executorFor(l.Callbacks).PageSize() }

func (l *Libraries) Protect(addr, size uintptr, protect Protect) error {
	return executorFor(l.Callbacks).Protect(addr, size, protect)
}

func (l *Libraries) FlushInstructionCache(addr, size uintptr) error {
	return executorFor(l.Callbacks).FlushInstructionCache(addr, size)
}

func (l *Libraries) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	return executorFor(l.Callbacks).Call(fn, args...)
}
