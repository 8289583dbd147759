package memorymodule

import (
	"debug/pe"
	"fmt"
)

// tlsCallbacks lists the TLS callback addresses, in order.
func (m *Module) tlsCallbacks() ([]uintptr, error) {
	var directory = m.headers.directory(pe.IMAGE_DIRECTORY_ENTRY_TLS)
	if directory.VirtualAddress == 0 {
		return nil, nil
	}

	var mem = m.region.Mem
	var callbacks uint64
	if ptrSize == 8 {
		var tls IMAGE_TLS_DIRECTORY64
		if err := readStruct(mem, uint64(directory.VirtualAddress), &tls); err != nil {
			return nil, err
		}
		callbacks = tls.AddressOfCallBacks
	} else {
		var tls IMAGE_TLS_DIRECTORY32
		if err := readStruct(mem, uint64(directory.VirtualAddress), &tls); err != nil {
			return nil, err
		}
		callbacks = uint64(tls.AddressOfCallBacks)
	}
	if callbacks == 0 {
		return nil, nil
	}

	// AddressOfCallBacks is a virtual address, already relocated
	if callbacks < uint64(m.codeBase) {
		return nil, fmt.Errorf("%w: TLS callbacks at 0x%x outside of image", ErrMalformedImage, callbacks)
	}
	var list []uintptr
	for off := callbacks - uint64(m.codeBase); ; off += ptrSize {
		callback, err := readPtr(mem, off)
		if err != nil {
			return nil, err
		}
		if callback == 0 {
			break
		}
		list = append(list, uintptr(callback))
	}
	return list, nil
}

// ExecuteTLS runs the TLS callbacks. They are executed BEFORE the main loading.
func (m *Module) ExecuteTLS() error {
	callbacks, err := m.tlsCallbacks()
	if err != nil {
		return err
	}
	for _, callback := range callbacks {
		logger().Debugf("TLS callback 0x%x", callback)
		if _, err := m.executor.Call(callback, m.codeBase, DLL_PROCESS_ATTACH, 0); err != nil {
			return fmt.Errorf("TLS callback 0x%x: %w", callback, err)
		}
	}
	return nil
}
