package memorymodule

import (
	"fmt"
	"os"
	"sync"
)

// State is the lifecycle stage of a Module.
type State int

const (
	StateMapped State = iota
	StateRelocated
	StateImportsBound
	StateProtected
	StateAttached
	StateFailed
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateMapped:
		return "mapped"
	case StateRelocated:
		return "relocated"
	case StateImportsBound:
		return "imports-bound"
	case StateProtected:
		return "protected"
	case StateAttached:
		return "attached"
	case StateFailed:
		return "failed"
	case StateFreed:
		return "freed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Module is an image mapped into memory by LoadLibraryEx.
type Module struct {
	headers  *ntHeaders
	region   Region
	codeBase uintptr
	size     uintptr
	pageSize uintptr

	// dependencies, released in reverse order
	modules       []Library
	blockedMemory []Region

	initialized bool
	isDLL       bool
	isRelocated bool
	exeEntry    uintptr
	state       State

	callbacks Callbacks
	executor  Executor
	userdata  any

	exportOnce       sync.Once
	nameExportsTable []exportNameEntry
	exportErr        error

	mu         sync.Mutex
	forwarders map[string]Library
}

// exitProcess terminates the process after an executable entry point returns.
var exitProcess = os.Exit

// LoadLibrary maps data using the DefaultCallbacks.
func LoadLibrary(data []byte) (*Module, error) {
	return LoadLibraryEx(data, DefaultCallbacks, nil)
}

// LoadLibraryEx maps data, relocates it, binds its imports, applies page
// protections, runs its TLS callbacks and, for DLLs, its entry point.
// On failure everything acquired so far is released before returning.
func LoadLibraryEx(data []byte, callbacks Callbacks, userdata any) (*Module, error) {
	if callbacks == nil {
		callbacks = DefaultCallbacks
	}
	headers, err := parseHeaders(data)
	if err != nil {
		return nil, err
	}

	var m = &Module{
		headers:   headers,
		isDLL:     headers.isDLL(),
		callbacks: callbacks,
		executor:  executorFor(callbacks),
		userdata:  userdata,
	}
	m.pageSize = m.executor.PageSize()

	alignedImageSize, err := headers.alignedImageSize(m.pageSize)
	if err != nil {
		return nil, err
	}
	if err := m.allocImage(alignedImageSize); err != nil {
		m.release()
		return nil, err
	}
	if err := m.load(data); err != nil {
		logger().Errorf("load failed in state %s: %s", m.state, err)
		m.state = StateFailed
		m.release()
		return nil, err
	}
	return m, nil
}

func (m *Module) load(data []byte) error {
	if err := m.CopyHeaders(data); err != nil {
		return err
	}
	if err := m.CopySections(data); err != nil {
		return err
	}
	m.state = StateMapped
	logger().Debugf("mapped 0x%x bytes at 0x%x, preferred 0x%x", m.size, m.codeBase, m.headers.imageBase)

	// adjust base address of imported data
	if err := m.PerformBaseRelocation(uint64(m.codeBase) - m.headers.imageBase); err != nil {
		return err
	}
	m.isRelocated = true
	m.state = StateRelocated

	// load required dlls and adjust function table of imports
	if err := m.BuildImportTable(); err != nil {
		return err
	}
	m.state = StateImportsBound

	// mark memory pages depending on section headers and release
	// sections that are marked as "discardable"
	if err := m.FinalizeSections(); err != nil {
		return err
	}
	m.state = StateProtected

	if err := m.ExecuteTLS(); err != nil {
		return err
	}

	// get entry point of loaded library
	if m.headers.addressOfEntryPoint != 0 {
		entry := m.codeBase + uintptr(m.headers.addressOfEntryPoint)
		if m.isDLL {
			// notify library about attaching to process
			ok, err := m.executor.Call(entry, m.codeBase, DLL_PROCESS_ATTACH, 0)
			if err != nil {
				return fmt.Errorf("DllMain: %w", err)
			}
			if uint32(ok) == 0 {
				return ErrInitializationDeclined
			}
			m.initialized = true
		} else {
			m.exeEntry = entry
		}
	}
	m.state = StateAttached
	return nil
}

// release frees dependencies in reverse load order, then the image memory.
func (m *Module) release() {
	m.mu.Lock()
	var modules = m.modules
	m.modules = nil
	m.forwarders = nil
	m.mu.Unlock()

	// free previously opened libraries
	for i := len(modules) - 1; i >= 0; i-- {
		m.callbacks.FreeLibrary(modules[i], m.userdata)
	}

	if m.region.Addr != 0 {
		// release memory of library
		if err := m.callbacks.Free(m.region.Addr, m.size, MemRelease, m.userdata); err != nil {
			logger().Warnf("release image at 0x%x: %s", m.region.Addr, err)
		}
		m.region = Region{}
	}
	for _, blocked := range m.blockedMemory {
		if err := m.callbacks.Free(blocked.Addr, uintptr(len(blocked.Mem)), MemRelease, m.userdata); err != nil {
			logger().Warnf("release blocked memory at 0x%x: %s", blocked.Addr, err)
		}
	}
	m.blockedMemory = nil
}

// Free detaches an initialized DLL and releases the module. Calling Free
// again has no effect.
func (m *Module) Free() {
	if m == nil || m.state == StateFreed {
		return
	}
	if m.initialized {
		// notify library about detaching from process
		entry := m.codeBase + uintptr(m.headers.addressOfEntryPoint)
		if _, err := m.executor.Call(entry, m.codeBase, DLL_PROCESS_DETACH, 0); err != nil {
			logger().Warnf("DllMain detach: %s", err)
		}
		m.initialized = false
	}
	m.release()
	m.state = StateFreed
}

// CallEntryPoint runs the entry point of an executable. The process exits
// with the entry point's result, so on success it does not return; if the
// exit is intercepted the result is reported as an *ExitError.
func (m *Module) CallEntryPoint() error {
	if m.state != StateAttached {
		return fmt.Errorf("%w: module is %s", ErrNotExecutable, m.state)
	}
	if m.isDLL || m.exeEntry == 0 || !m.isRelocated {
		return ErrNotExecutable
	}
	code, err := m.executor.Call(m.exeEntry)
	if err != nil {
		return err
	}
	exitProcess(int(int32(code)))
	return &ExitError{Code: int(int32(code))}
}

func (m *Module) Base() uintptr { return m.codeBase }

func (m *Module) Size() uintptr { return m.size }

func (m *Module) IsDLL() bool { return m.isDLL }

func (m *Module) IsRelocated() bool { return m.isRelocated }

func (m *Module) State() State { return m.state }

// Memory is the mapped image. It is only accessible while the pages are readable.
func (m *Module) Memory() []byte { return m.region.Mem }

// Dependencies lists the handles of the libraries the module holds, in load order.
func (m *Module) Dependencies() []Library {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Library(nil), m.modules...)
}
