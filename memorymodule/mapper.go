package memorymodule

import (
	"encoding/binary"
	"fmt"
)

// allocImage reserves and commits the image region, preferring the image base.
func (m *Module) allocImage(alignedImageSize uintptr) error {
	var err error
	// reserve memory for image of library
	// XXX: is it correct to commit the complete memory region at once?
	//      calling DllEntry raises an exception if we don't...
	m.region, err = m.callbacks.Alloc(uintptr(m.headers.imageBase), alignedImageSize, MemReserve|MemCommit, PageReadWrite, m.userdata)
	if err != nil {
		logger().Debugf("alloc at preferred base 0x%x: %s", m.headers.imageBase, err)

		// try to allocate memory at arbitrary position
		m.region, err = m.callbacks.Alloc(0, alignedImageSize, MemReserve|MemCommit, PageReadWrite, m.userdata)
		if err != nil {
			return fmt.Errorf("%w: 0x%x bytes: %w", ErrAllocationFailed, alignedImageSize, err)
		}
	}

	// Memory block may not span 4 GB boundaries.
	for ptrSize == 8 && uint64(m.region.Addr)>>32 < (uint64(m.region.Addr)+uint64(alignedImageSize))>>32 {
		m.blockedMemory = append(m.blockedMemory, m.region)
		m.region, err = m.callbacks.Alloc(0, alignedImageSize, MemReserve|MemCommit, PageReadWrite, m.userdata)
		if err != nil {
			m.region = Region{}
			return fmt.Errorf("%w: 0x%x bytes: %w", ErrAllocationFailed, alignedImageSize, err)
		}
	}

	if uintptr(len(m.region.Mem)) < alignedImageSize {
		return fmt.Errorf("%w: region of 0x%x bytes, want 0x%x", ErrAllocationFailed, len(m.region.Mem), alignedImageSize)
	}
	m.codeBase = m.region.Addr
	m.size = alignedImageSize
	return nil
}

// CopyHeaders copies the header region and records the actual image base in it.
func (m *Module) CopyHeaders(data []byte) error {
	var mem = m.region.Mem
	copy(mem, data[:m.headers.sizeOfHeaders])

	// update position
	var off = m.headers.imageBaseOffset()
	if !CheckSize(uint64(m.headers.sizeOfHeaders), uint64(off)+uint64(ptrSize)) {
		return fmt.Errorf("%w: ImageBase outside of SizeOfHeaders", ErrMalformedImage)
	}
	if m.headers.magic == IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		binary.LittleEndian.PutUint64(mem[off:], uint64(m.codeBase))
	} else {
		binary.LittleEndian.PutUint32(mem[off:], uint32(m.codeBase))
	}
	return nil
}

// CopySections copies section data from the file into the image and
// zero fills the part of each section not backed by the file.
func (m *Module) CopySections(data []byte) error {
	var mem = m.region.Mem
	for i, section := range m.headers.sections {
		var dest = uint64(section.VirtualAddress)
		var virtualSize = uint64(section.VirtualSize)

		if section.SizeOfRawData == 0 {
			// section doesn't contain data in the dll itself, but may define
			// uninitialized data
			if virtualSize == 0 {
				virtualSize = uint64(m.headers.sectionAlignment)
			}
			if !CheckSize(uint64(len(mem)), dest+virtualSize) {
				return fmt.Errorf("%w: section %d exceeds image", ErrMalformedImage, i)
			}
			clear(mem[dest : dest+virtualSize])
			continue
		}

		var n = uint64(section.SizeOfRawData)
		if virtualSize != 0 {
			n = min(n, virtualSize)
		} else {
			virtualSize = n
		}
		if !CheckSize(uint64(len(mem)), dest+virtualSize) {
			return fmt.Errorf("%w: section %d exceeds image", ErrMalformedImage, i)
		}

		// commit memory block and copy data from dll
		var src = uint64(section.PointerToRawData)
		copy(mem[dest:dest+n], data[src:src+n])
		clear(mem[dest+n : dest+virtualSize])
	}
	return nil
}
