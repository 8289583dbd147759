// winnt.h
package memorymodule

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

const (
	IMAGE_DOS_SIGNATURE      = 0x5A4D
	IMAGE_NT_SIGNATURE       = 0x00004550
	IMAGE_SCN_MEM_NOT_CACHED = 0x04000000
	IMAGE_SIZEOF_SHORT_NAME  = 8

	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10b
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b

	IMAGE_ORDINAL_FLAG64 = 0x8000000000000000
	IMAGE_ORDINAL_FLAG32 = 0x80000000

	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGH     = 1
	IMAGE_REL_BASED_LOW      = 2
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_DIR64    = 10

	IMAGE_RESOURCE_NAME_IS_STRING    = 0x80000000
	IMAGE_RESOURCE_DATA_IS_DIRECTORY = 0x80000000

	DLL_PROCESS_DETACH = 0
	DLL_PROCESS_ATTACH = 1

	LANG_NEUTRAL, SUBLANG_NEUTRAL = 0, 0
	DEFAULT_LANGUAGE              = (WORD(SUBLANG_NEUTRAL) << 10) | WORD(LANG_NEUTRAL)
)

type (
	BYTE  = byte
	WORD  = uint16
	DWORD = uint32
	LONG  = int32
)

// DOS .EXE header
type IMAGE_DOS_HEADER struct {
	E_magic    WORD     // Magic number
	E_cblp     WORD     // Bytes on last page of file
	E_cp       WORD     // Pages in file
	E_crlc     WORD     // Relocations
	E_cparhdr  WORD     // Size of header in paragraphs
	E_minalloc WORD     // Minimum extra paragraphs needed
	E_maxalloc WORD     // Maximum extra paragraphs needed
	E_ss       WORD     // Initial (relative) SS value
	E_sp       WORD     // Initial SP value
	E_csum     WORD     // Checksum
	E_ip       WORD     // Initial IP value
	E_cs       WORD     // Initial (relative) CS value
	E_lfarlc   WORD     // File address of relocation table
	E_ovno     WORD     // Overlay number
	E_res      [4]WORD  // Reserved words
	E_oemid    WORD     // OEM identifier (for e_oeminfo)
	E_oeminfo  WORD     // OEM information; e_oemid specific
	E_res2     [10]WORD // Reserved words
	E_lfanew   LONG     // File address of new exe header
}

type IMAGE_SECTION_HEADER = pe.SectionHeader32

type IMAGE_DATA_DIRECTORY = pe.DataDirectory

type IMAGE_BASE_RELOCATION struct {
	VirtualAddress DWORD
	SizeOfBlock    DWORD
}

type IMAGE_IMPORT_DESCRIPTOR struct {
	OriginalFirstThunk DWORD // RVA to original unbound IAT, 0 if there is no hint table
	TimeDateStamp      DWORD
	ForwarderChain     DWORD
	Name               DWORD
	FirstThunk         DWORD
}

type IMAGE_EXPORT_DIRECTORY struct {
	Characteristics       DWORD
	TimeDateStamp         DWORD
	MajorVersion          WORD
	MinorVersion          WORD
	Name                  DWORD
	Base                  DWORD
	NumberOfFunctions     DWORD
	NumberOfNames         DWORD
	AddressOfFunctions    DWORD // RVA from base of image
	AddressOfNames        DWORD // RVA from base of image
	AddressOfNameOrdinals DWORD // RVA from base of image
}

type IMAGE_TLS_DIRECTORY64 struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        DWORD
	Characteristics       DWORD
}

type IMAGE_TLS_DIRECTORY32 struct {
	StartAddressOfRawData DWORD
	EndAddressOfRawData   DWORD
	AddressOfIndex        DWORD
	AddressOfCallBacks    DWORD
	SizeOfZeroFill        DWORD
	Characteristics       DWORD
}

type IMAGE_RESOURCE_DIRECTORY struct {
	Characteristics      DWORD
	TimeDateStamp        DWORD
	MajorVersion         WORD
	MinorVersion         WORD
	NumberOfNamedEntries WORD
	NumberOfIdEntries    WORD
}

type IMAGE_RESOURCE_DIRECTORY_ENTRY struct {
	Name         DWORD
	OffsetToData DWORD
}

type IMAGE_RESOURCE_DATA_ENTRY struct {
	OffsetToData DWORD
	Size         DWORD
	CodePage     DWORD
	Reserved     DWORD
}

var (
	sizeofDosHeader       = binary.Size(IMAGE_DOS_HEADER{})
	sizeofFileHeader      = binary.Size(pe.FileHeader{})
	sizeofSectionHeader   = binary.Size(IMAGE_SECTION_HEADER{})
	sizeofImportDesc      = binary.Size(IMAGE_IMPORT_DESCRIPTOR{})
	sizeofBaseRelocation  = binary.Size(IMAGE_BASE_RELOCATION{})
	sizeofResourceDir     = binary.Size(IMAGE_RESOURCE_DIRECTORY{})
	sizeofResourceEntry   = binary.Size(IMAGE_RESOURCE_DIRECTORY_ENTRY{})
	sizeofResourceDataEnt = binary.Size(IMAGE_RESOURCE_DATA_ENTRY{})
)

// readStruct decodes a little endian winnt structure at off.
func readStruct(b []byte, off uint64, v any) error {
	n := uint64(binary.Size(v))
	if !CheckSize(uint64(len(b)), off+n) || off+n < off {
		return fmt.Errorf("%w: %T at 0x%x exceeds 0x%x bytes", ErrMalformedImage, v, off, len(b))
	}
	return binary.Read(bytes.NewReader(b[off:off+n]), binary.LittleEndian, v)
}

func readUint16(b []byte, off uint64) (uint16, error) {
	if off+2 < off || !CheckSize(uint64(len(b)), off+2) {
		return 0, fmt.Errorf("%w: word at 0x%x out of range", ErrMalformedImage, off)
	}
	return binary.LittleEndian.Uint16(b[off:]), nil
}

func readUint32(b []byte, off uint64) (uint32, error) {
	if off+4 < off || !CheckSize(uint64(len(b)), off+4) {
		return 0, fmt.Errorf("%w: dword at 0x%x out of range", ErrMalformedImage, off)
	}
	return binary.LittleEndian.Uint32(b[off:]), nil
}

func readUint64(b []byte, off uint64) (uint64, error) {
	if off+8 < off || !CheckSize(uint64(len(b)), off+8) {
		return 0, fmt.Errorf("%w: qword at 0x%x out of range", ErrMalformedImage, off)
	}
	return binary.LittleEndian.Uint64(b[off:]), nil
}

// readPtr reads a pointer sized value of the host image format.
func readPtr(b []byte, off uint64) (uint64, error) {
	if ptrSize == 8 {
		return readUint64(b, off)
	}
	v, err := readUint32(b, off)
	return uint64(v), err
}

func writePtr(b []byte, off uint64, v uint64) error {
	if off+uint64(ptrSize) < off || !CheckSize(uint64(len(b)), off+uint64(ptrSize)) {
		return fmt.Errorf("%w: pointer slot at 0x%x out of range", ErrMalformedImage, off)
	}
	if ptrSize == 8 {
		binary.LittleEndian.PutUint64(b[off:], v)
	} else {
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
	}
	return nil
}

// cstring reads a NUL terminated ANSI string.
func cstring(b []byte, off uint64) (string, error) {
	if off >= uint64(len(b)) {
		return "", fmt.Errorf("%w: string at 0x%x out of range", ErrMalformedImage, off)
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at 0x%x", ErrMalformedImage, off)
	}
	return string(b[off : off+uint64(end)]), nil
}

func IMAGE_SNAP_BY_ORDINAL(thunk uint64) bool {
	if ptrSize == 8 {
		return thunk&IMAGE_ORDINAL_FLAG64 != 0
	}
	return thunk&IMAGE_ORDINAL_FLAG32 != 0
}

func IMAGE_ORDINAL(thunk uint64) uint16 {
	return uint16(thunk & 0xffff)
}

func LANGIDFROMLCID(lcid uint32) WORD {
	return WORD(lcid)
}
