package memorymodule

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// PerformBaseRelocation adds delta to every address the relocation
// directory points at. A zero delta leaves the image untouched.
func (m *Module) PerformBaseRelocation(delta uint64) error {
	if delta == 0 {
		return nil
	}

	var directory = m.headers.directory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	if directory.Size == 0 {
		return fmt.Errorf("%w: image has to be rebased but carries no relocations", ErrUnsupportedRelocation)
	}

	var mem = m.region.Mem
	var off = uint64(directory.VirtualAddress)
	var end = off + uint64(directory.Size)
	if !CheckSize(uint64(len(mem)), end) {
		return fmt.Errorf("%w: relocation directory out of range", ErrMalformedImage)
	}

	for off+uint64(sizeofBaseRelocation) <= end {
		var block IMAGE_BASE_RELOCATION
		if err := readStruct(mem, off, &block); err != nil {
			return err
		}
		if block.VirtualAddress == 0 || block.SizeOfBlock == 0 {
			break
		}
		if block.SizeOfBlock < uint32(sizeofBaseRelocation) || !CheckSize(end, off+uint64(block.SizeOfBlock)) {
			return fmt.Errorf("%w: relocation block at 0x%x has size 0x%x", ErrMalformedImage, off, block.SizeOfBlock)
		}

		var count = (uint64(block.SizeOfBlock) - uint64(sizeofBaseRelocation)) / 2
		for i := uint64(0); i < count; i++ {
			relInfo := binary.LittleEndian.Uint16(mem[off+uint64(sizeofBaseRelocation)+i*2:])
			if err := m.relocate(block.VirtualAddress, relInfo, delta); err != nil {
				return err
			}
		}

		// advance to next relocation block
		off += uint64(block.SizeOfBlock)
	}
	return nil
}

func (m *Module) relocate(page uint32, relInfo uint16, delta uint64) error {
	// the upper 4 bits define the type of relocation
	var typ = relInfo >> 12
	// the lower 12 bits define the offset
	var dest = uint64(page) + uint64(relInfo&0xfff)

	var mem = m.region.Mem
	var width uint64
	switch typ {
	case IMAGE_REL_BASED_ABSOLUTE:
		// skip relocation
		return nil
	case IMAGE_REL_BASED_HIGH, IMAGE_REL_BASED_LOW:
		width = 2
	case IMAGE_REL_BASED_HIGHLOW:
		width = 4
	case IMAGE_REL_BASED_DIR64:
		width = 8
	default:
		return fmt.Errorf("%w: type %d at 0x%x", ErrUnsupportedRelocation, typ, dest)
	}
	if !CheckSize(uint64(len(mem)), dest+width) {
		return fmt.Errorf("%w: relocation target 0x%x out of range", ErrMalformedImage, dest)
	}

	switch typ {
	case IMAGE_REL_BASED_HIGH:
		v := binary.LittleEndian.Uint16(mem[dest:])
		binary.LittleEndian.PutUint16(mem[dest:], v+uint16(uint32(delta)>>16))
	case IMAGE_REL_BASED_LOW:
		v := binary.LittleEndian.Uint16(mem[dest:])
		binary.LittleEndian.PutUint16(mem[dest:], v+uint16(delta))
	case IMAGE_REL_BASED_HIGHLOW:
		// change complete 32 bit address
		v := binary.LittleEndian.Uint32(mem[dest:])
		binary.LittleEndian.PutUint32(mem[dest:], v+uint32(delta))
	case IMAGE_REL_BASED_DIR64:
		v := binary.LittleEndian.Uint64(mem[dest:])
		binary.LittleEndian.PutUint64(mem[dest:], v+delta)
	}
	return nil
}
