package memorymodule

import (
	"debug/pe"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

type exportNameEntry struct {
	name string
	idx  uint16
}

// Export is a named entry of the export directory.
type Export struct {
	Name      string
	Ordinal   uint16
	RVA       uint32
	Forwarder string
}

func (m *Module) exportDirectory() (*IMAGE_EXPORT_DIRECTORY, IMAGE_DATA_DIRECTORY, error) {
	var directory = m.headers.directory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if directory.Size == 0 {
		// no export table found
		return nil, directory, nil
	}
	var exports IMAGE_EXPORT_DIRECTORY
	if err := readStruct(m.region.Mem, uint64(directory.VirtualAddress), &exports); err != nil {
		return nil, directory, err
	}
	return &exports, directory, nil
}

// buildNameTable lazily builds the name table and sorts it by names.
func (m *Module) buildNameTable(exports *IMAGE_EXPORT_DIRECTORY) error {
	m.exportOnce.Do(func() {
		var mem = m.region.Mem
		var table = make([]exportNameEntry, 0, exports.NumberOfNames)
		for i := uint64(0); i < uint64(exports.NumberOfNames); i++ {
			nameRef, err := readUint32(mem, uint64(exports.AddressOfNames)+i*4)
			if err != nil {
				m.exportErr = err
				return
			}
			ordinal, err := readUint16(mem, uint64(exports.AddressOfNameOrdinals)+i*2)
			if err != nil {
				m.exportErr = err
				return
			}
			name, err := cstring(mem, uint64(nameRef))
			if err != nil {
				m.exportErr = err
				return
			}
			table = append(table, exportNameEntry{name: name, idx: ordinal})
		}
		slices.SortFunc(table, func(a, b exportNameEntry) int {
			return strings.Compare(a.name, b.name)
		})
		m.nameExportsTable = table
	})
	return m.exportErr
}

// GetProcAddress returns the address of an exported function. Forwarded
// exports are resolved through the module's callbacks.
func (m *Module) GetProcAddress(proc Proc) (uintptr, error) {
	if m.state != StateAttached {
		return 0, fmt.Errorf("%w: module is %s", ErrFreed, m.state)
	}
	exports, directory, err := m.exportDirectory()
	if err != nil {
		return 0, err
	}
	if exports == nil || exports.NumberOfFunctions == 0 {
		return 0, fmt.Errorf("%w: %s: no export table", ErrProcNotFound, proc)
	}

	var idx uint32
	if proc.ByOrdinal() {
		// load function by ordinal value
		if uint32(proc.Ordinal) < exports.Base {
			return 0, fmt.Errorf("%w: %s", ErrProcNotFound, proc)
		}
		idx = uint32(proc.Ordinal) - exports.Base
	} else {
		if exports.NumberOfNames == 0 {
			return 0, fmt.Errorf("%w: %s: no named exports", ErrProcNotFound, proc)
		}
		if err := m.buildNameTable(exports); err != nil {
			return 0, err
		}

		// search function name in list of exported names with binary search
		i, found := slices.BinarySearchFunc(m.nameExportsTable, proc.Name, func(e exportNameEntry, name string) int {
			return strings.Compare(e.name, name)
		})
		if !found {
			// exported symbol not found
			return 0, fmt.Errorf("%w: %s", ErrProcNotFound, proc)
		}
		idx = uint32(m.nameExportsTable[i].idx)
	}

	if idx >= exports.NumberOfFunctions {
		// name <-> ordinal number don't match
		return 0, fmt.Errorf("%w: %s: index %d of %d", ErrProcNotFound, proc, idx, exports.NumberOfFunctions)
	}

	// AddressOfFunctions contains the RVAs to the "real" functions
	rva, err := readUint32(m.region.Mem, uint64(exports.AddressOfFunctions)+uint64(idx)*4)
	if err != nil {
		return 0, err
	}
	if rva == 0 {
		return 0, fmt.Errorf("%w: %s", ErrProcNotFound, proc)
	}
	if isForwarder(rva, directory) {
		forwarder, err := cstring(m.region.Mem, uint64(rva))
		if err != nil {
			return 0, err
		}
		return m.resolveForwarder(proc, forwarder)
	}
	return m.codeBase + uintptr(rva), nil
}

func isForwarder(rva uint32, directory IMAGE_DATA_DIRECTORY) bool {
	return rva >= directory.VirtualAddress && uint64(rva) < uint64(directory.VirtualAddress)+uint64(directory.Size)
}

// resolveForwarder resolves "Module.Export" and "Module.#ordinal" forwarders.
func (m *Module) resolveForwarder(proc Proc, forwarder string) (uintptr, error) {
	dot := strings.LastIndexByte(forwarder, '.')
	if dot <= 0 || dot == len(forwarder)-1 {
		return 0, fmt.Errorf("%w: %s forwards to %q", ErrMalformedImage, proc, forwarder)
	}
	target, err := parseProc(forwarder[dot+1:])
	if err != nil {
		return 0, err
	}

	lib, err := m.forwarderLibrary(forwarder[:dot])
	if err != nil {
		return 0, fmt.Errorf("%w: %s forwards to %s: %w", ErrProcNotFound, proc, forwarder, err)
	}
	addr, err := m.callbacks.GetProcAddress(lib, target, m.userdata)
	if err != nil {
		return 0, fmt.Errorf("%w: %s forwards to %s: %w", ErrProcNotFound, proc, forwarder, err)
	}
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s forwards to %s", ErrProcNotFound, proc, forwarder)
	}
	return addr, nil
}

// forwarderLibrary loads the target of a forwarder once, the module owns the handle.
func (m *Module) forwarderLibrary(name string) (Library, error) {
	var key = strings.ToLower(name)
	if !strings.Contains(key, ".") {
		key += ".dll"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lib, ok := m.forwarders[key]; ok {
		return lib, nil
	}
	lib, err := m.callbacks.LoadLibrary(key, m.userdata)
	if err != nil {
		return 0, err
	}
	if m.forwarders == nil {
		m.forwarders = map[string]Library{}
	}
	m.forwarders[key] = lib
	m.modules = append(m.modules, lib)
	return lib, nil
}

// Exports enumerates the named exports sorted by name.
func (m *Module) Exports() ([]Export, error) {
	if m.state != StateAttached {
		return nil, fmt.Errorf("%w: module is %s", ErrFreed, m.state)
	}
	exports, directory, err := m.exportDirectory()
	if err != nil || exports == nil {
		return nil, err
	}
	if err := m.buildNameTable(exports); err != nil {
		return nil, err
	}

	var list = make([]Export, 0, len(m.nameExportsTable))
	for _, e := range m.nameExportsTable {
		if uint32(e.idx) >= exports.NumberOfFunctions {
			continue
		}
		rva, err := readUint32(m.region.Mem, uint64(exports.AddressOfFunctions)+uint64(e.idx)*4)
		if err != nil {
			return nil, err
		}
		export := Export{Name: e.name, Ordinal: uint16(exports.Base + uint32(e.idx)), RVA: rva}
		if isForwarder(rva, directory) {
			if export.Forwarder, err = cstring(m.region.Mem, uint64(rva)); err != nil {
				return nil, err
			}
		}
		list = append(list, export)
	}
	return list, nil
}
