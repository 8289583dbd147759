package memorymodule

import (
	"debug/pe"
	"fmt"
)

// BuildImportTable loads the libraries the image depends on and fills its
// import address table. Every loaded library is owned by the module.
func (m *Module) BuildImportTable() error {
	var directory = m.headers.directory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if directory.Size == 0 {
		return nil
	}

	var mem = m.region.Mem
	for off := uint64(directory.VirtualAddress); ; off += uint64(sizeofImportDesc) {
		var importDesc IMAGE_IMPORT_DESCRIPTOR
		if err := readStruct(mem, off, &importDesc); err != nil {
			return err
		}
		if importDesc.Name == 0 {
			break
		}

		name, err := cstring(mem, uint64(importDesc.Name))
		if err != nil {
			return err
		}
		handle, err := m.callbacks.LoadLibrary(name, m.userdata)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDependencyResolution, name, err)
		}
		m.modules = append(m.modules, handle)
		logger().Debugf("import %s loaded as 0x%x", name, uintptr(handle))

		var thunkRef, funcRef uint64
		if importDesc.OriginalFirstThunk != 0 {
			thunkRef = uint64(importDesc.OriginalFirstThunk)
			funcRef = uint64(importDesc.FirstThunk)
		} else {
			// no hint table
			thunkRef = uint64(importDesc.FirstThunk)
			funcRef = uint64(importDesc.FirstThunk)
		}
		for ; ; thunkRef, funcRef = thunkRef+ptrSize, funcRef+ptrSize {
			thunk, err := readPtr(mem, thunkRef)
			if err != nil {
				return err
			}
			if thunk == 0 {
				break
			}

			var proc Proc
			if IMAGE_SNAP_BY_ORDINAL(thunk) {
				proc = ProcOrdinal(IMAGE_ORDINAL(thunk))
			} else {
				// IMAGE_IMPORT_BY_NAME, skip the hint
				if proc.Name, err = cstring(mem, thunk+2); err != nil {
					return err
				}
			}

			addr, err := m.callbacks.GetProcAddress(handle, proc, m.userdata)
			if err != nil {
				return fmt.Errorf("%w: %s!%s: %w", ErrSymbolResolution, name, proc, err)
			}
			if addr == 0 {
				return fmt.Errorf("%w: %s!%s", ErrSymbolResolution, name, proc)
			}
			if err := writePtr(mem, funcRef, uint64(addr)); err != nil {
				return err
			}
		}
	}
	return nil
}
