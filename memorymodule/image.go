package memorymodule

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// ntHeaders is the bitness independent view of IMAGE_NT_HEADERS the loader works with.
type ntHeaders struct {
	lfanew     uint32
	FileHeader pe.FileHeader

	magic                   uint16
	imageBase               uint64
	addressOfEntryPoint     uint32
	sectionAlignment        uint32
	sizeOfImage             uint32
	sizeOfHeaders           uint32
	sizeOfInitializedData   uint32
	sizeOfUninitializedData uint32
	dataDirectory           [16]IMAGE_DATA_DIRECTORY

	sections []IMAGE_SECTION_HEADER
}

func (h *ntHeaders) optionalHeaderOffset() uint32 {
	return h.lfanew + 4 + uint32(sizeofFileHeader)
}

// imageBaseOffset is the offset of OptionalHeader.ImageBase inside the image.
func (h *ntHeaders) imageBaseOffset() uint32 {
	if h.magic == IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		return h.optionalHeaderOffset() + 24
	}
	return h.optionalHeaderOffset() + 28
}

func (h *ntHeaders) isDLL() bool {
	return h.FileHeader.Characteristics&pe.IMAGE_FILE_DLL != 0
}

func (h *ntHeaders) directory(idx int) IMAGE_DATA_DIRECTORY {
	return h.dataDirectory[idx]
}

// parseHeaders validates the DOS stub, the NT headers and the section
// table of a raw image.
func parseHeaders(data []byte) (*ntHeaders, error) {
	var size = uint64(len(data))
	if !CheckSize(size, uint64(sizeofDosHeader)) {
		return nil, fmt.Errorf("%w: %d bytes is smaller than a DOS header", ErrMalformedImage, size)
	}

	var dos IMAGE_DOS_HEADER
	if err := readStruct(data, 0, &dos); err != nil {
		return nil, err
	}
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, fmt.Errorf("%w: bad DOS signature 0x%04x", ErrMalformedImage, dos.E_magic)
	}
	if dos.E_lfanew < 0 || !CheckSize(size, uint64(dos.E_lfanew)+4+uint64(sizeofFileHeader)) {
		return nil, fmt.Errorf("%w: e_lfanew 0x%x out of range", ErrMalformedImage, dos.E_lfanew)
	}

	var h = &ntHeaders{lfanew: uint32(dos.E_lfanew)}
	signature, err := readUint32(data, uint64(h.lfanew))
	if err != nil {
		return nil, err
	}
	if signature != IMAGE_NT_SIGNATURE {
		return nil, fmt.Errorf("%w: bad NT signature 0x%08x", ErrMalformedImage, signature)
	}
	if err := readStruct(data, uint64(h.lfanew)+4, &h.FileHeader); err != nil {
		return nil, err
	}
	if h.FileHeader.Machine != hostMachine {
		return nil, fmt.Errorf("%w: %w: 0x%04x", ErrMalformedImage, ErrUnsupportedMachine, h.FileHeader.Machine)
	}

	if err := h.parseOptionalHeader(data); err != nil {
		return nil, err
	}
	if h.sectionAlignment == 0 || h.sectionAlignment%2 != 0 {
		return nil, fmt.Errorf("%w: section alignment 0x%x", ErrMalformedImage, h.sectionAlignment)
	}
	if !CheckSize(size, uint64(h.sizeOfHeaders)) {
		return nil, fmt.Errorf("%w: SizeOfHeaders 0x%x exceeds image", ErrMalformedImage, h.sizeOfHeaders)
	}

	var off = uint64(h.optionalHeaderOffset()) + uint64(h.FileHeader.SizeOfOptionalHeader)
	h.sections = make([]IMAGE_SECTION_HEADER, h.FileHeader.NumberOfSections)
	for i := range h.sections {
		if err := readStruct(data, off, &h.sections[i]); err != nil {
			return nil, err
		}
		off += uint64(sizeofSectionHeader)

		section := &h.sections[i]
		if section.SizeOfRawData != 0 && !CheckSize(size, uint64(section.PointerToRawData)+uint64(section.SizeOfRawData)) {
			return nil, fmt.Errorf("%w: section %d raw data out of range", ErrMalformedImage, i)
		}
	}
	return h, nil
}

func (h *ntHeaders) parseOptionalHeader(data []byte) error {
	var off = uint64(h.optionalHeaderOffset())
	var n = uint64(h.FileHeader.SizeOfOptionalHeader)
	if !CheckSize(uint64(len(data)), off+n) {
		return fmt.Errorf("%w: optional header out of range", ErrMalformedImage)
	}
	magic, err := readUint16(data, off)
	if err != nil {
		return err
	}
	if magic != hostMagic {
		return fmt.Errorf("%w: %w: optional header magic 0x%x", ErrMalformedImage, ErrUnsupportedMachine, magic)
	}
	h.magic = magic

	var (
		oh64 pe.OptionalHeader64
		oh32 pe.OptionalHeader32
		oh   any = &oh64
		dirs     = 112 // offset of DataDirectory
	)
	if magic == IMAGE_NT_OPTIONAL_HDR32_MAGIC {
		oh, dirs = &oh32, 96
	}
	if n < uint64(dirs) {
		return fmt.Errorf("%w: optional header is %d bytes", ErrMalformedImage, n)
	}

	// headers may carry fewer than 16 data directories
	var buf = make([]byte, max(n, uint64(binary.Size(oh))))
	copy(buf, data[off:off+n])
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, oh); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}

	var count uint32
	if magic == IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		h.imageBase = oh64.ImageBase
		h.addressOfEntryPoint = oh64.AddressOfEntryPoint
		h.sectionAlignment = oh64.SectionAlignment
		h.sizeOfImage = oh64.SizeOfImage
		h.sizeOfHeaders = oh64.SizeOfHeaders
		h.sizeOfInitializedData = oh64.SizeOfInitializedData
		h.sizeOfUninitializedData = oh64.SizeOfUninitializedData
		h.dataDirectory = oh64.DataDirectory
		count = oh64.NumberOfRvaAndSizes
	} else {
		h.imageBase = uint64(oh32.ImageBase)
		h.addressOfEntryPoint = oh32.AddressOfEntryPoint
		h.sectionAlignment = oh32.SectionAlignment
		h.sizeOfImage = oh32.SizeOfImage
		h.sizeOfHeaders = oh32.SizeOfHeaders
		h.sizeOfInitializedData = oh32.SizeOfInitializedData
		h.sizeOfUninitializedData = oh32.SizeOfUninitializedData
		h.dataDirectory = oh32.DataDirectory
		count = oh32.NumberOfRvaAndSizes
	}

	if avail := (n - uint64(dirs)) / 8; uint64(count) > avail {
		count = uint32(avail)
	}
	for i := int(count); i < len(h.dataDirectory); i++ {
		h.dataDirectory[i] = IMAGE_DATA_DIRECTORY{}
	}
	return nil
}

// alignedImageSize is the size of the region the image is mapped into.
func (h *ntHeaders) alignedImageSize(pageSize uintptr) (uintptr, error) {
	var lastSectionEnd uint64
	for _, section := range h.sections {
		var endOfSection uint64
		if section.VirtualSize == 0 && section.SizeOfRawData == 0 {
			endOfSection = uint64(section.VirtualAddress) + uint64(h.sectionAlignment)
		} else {
			endOfSection = uint64(section.VirtualAddress) + uint64(max(section.VirtualSize, section.SizeOfRawData))
		}
		if endOfSection > lastSectionEnd {
			lastSectionEnd = endOfSection
		}
	}

	alignedImageSize := AlignValueUp(uint64(h.sizeOfImage), uint64(pageSize))
	if alignedImageSize == 0 || AlignValueUp(lastSectionEnd, uint64(pageSize)) > alignedImageSize {
		return 0, fmt.Errorf("%w: sections end at 0x%x beyond SizeOfImage 0x%x", ErrMalformedImage, lastSectionEnd, h.sizeOfImage)
	}
	if h.sizeOfHeaders > h.sizeOfImage {
		return 0, fmt.Errorf("%w: headers larger than image", ErrMalformedImage)
	}
	return uintptr(alignedImageSize), nil
}
