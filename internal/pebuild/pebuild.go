// Package pebuild assembles small PE32 and PE32+ images for tests.
package pebuild

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"runtime"
	"sort"
)

const (
	SectionAlignment = 0x1000
	FileAlignment    = 0x200

	// every section gets a fixed slot of virtual address space
	SectionStride = 0x4000

	dosHeaderSize = 0x40
)

type Kind int

const (
	Code Kind = iota
	RData
	Data
	BSS
	Reloc
)

func (k Kind) characteristics() uint32 {
	switch k {
	case Code:
		return pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	case RData:
		return pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	case Data:
		return pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	case BSS:
		return pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	case Reloc:
		return pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_DISCARDABLE | pe.IMAGE_SCN_MEM_READ
	}
	panic(fmt.Sprintf("pebuild: unknown section kind %d", k))
}

type reloc struct {
	rva uint32
	typ uint16
}

// Builder collects sections and directories of an image.
type Builder struct {
	Machine   uint16
	ImageBase uint64
	DLL       bool

	// EntryPoint is the RVA of the entry point, 0 for none
	EntryPoint uint32

	// NoRelocations drops the relocation directory
	NoRelocations bool

	// SizeOfImage overrides the computed image size
	SizeOfImage uint32

	sections    []*Section
	relocs      []reloc
	directories [16]pe.DataDirectory
}

// HostMachine is the PE machine of the running architecture.
func HostMachine() uint16 {
	switch runtime.GOARCH {
	case "386":
		return pe.IMAGE_FILE_MACHINE_I386
	case "arm64":
		return pe.IMAGE_FILE_MACHINE_ARM64
	default:
		return pe.IMAGE_FILE_MACHINE_AMD64
	}
}

func New(machine uint16) *Builder {
	b := &Builder{Machine: machine, DLL: true}
	if b.Is64() {
		b.ImageBase = 0x180000000
	} else {
		b.ImageBase = 0x10000000
	}
	return b
}

// NewHost returns a DLL builder for the running architecture.
func NewHost() *Builder { return New(HostMachine()) }

func (b *Builder) Is64() bool {
	return b.Machine == pe.IMAGE_FILE_MACHINE_AMD64 || b.Machine == pe.IMAGE_FILE_MACHINE_ARM64
}

func (b *Builder) PtrSize() int {
	if b.Is64() {
		return 8
	}
	return 4
}

// VA is the address of rva when the image is loaded at its preferred base.
func (b *Builder) VA(rva uint32) uint64 { return b.ImageBase + uint64(rva) }

func (b *Builder) Section(name string, kind Kind) *Section {
	s := &Section{
		Name:            name,
		Kind:            kind,
		Characteristics: kind.characteristics(),
		RVA:             uint32(SectionAlignment + len(b.sections)*SectionStride),
		b:               b,
	}
	b.sections = append(b.sections, s)
	return s
}

func (b *Builder) Sections() []*Section { return b.sections }

func (b *Builder) SetDirectory(idx int, rva, size uint32) {
	b.directories[idx] = pe.DataDirectory{VirtualAddress: rva, Size: size}
}

// AddReloc records a base relocation of an arbitrary type.
func (b *Builder) AddReloc(rva uint32, typ uint16) {
	b.relocs = append(b.relocs, reloc{rva: rva, typ: typ})
}

func (b *Builder) absType() uint16 {
	if b.Is64() {
		return 10 // IMAGE_REL_BASED_DIR64
	}
	return 3 // IMAGE_REL_BASED_HIGHLOW
}

// Section is the contents of one image section.
type Section struct {
	Name            string
	Kind            Kind
	Characteristics uint32
	RVA             uint32

	// VirtualSize overrides the virtual size, by default the data length
	VirtualSize uint32

	data     []byte
	reserved uint32
	b        *Builder
}

func (s *Section) Data() []byte { return s.data }

func (s *Section) virtualSize() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return max(uint32(len(s.data)), s.reserved)
}

func (s *Section) next() uint32 {
	return s.RVA + uint32(align(len(s.data), 8))
}

// Add appends p at the next 8 byte boundary and returns its RVA.
func (s *Section) Add(p []byte) uint32 {
	if s.Kind == BSS {
		panic("pebuild: BSS sections hold no file data")
	}
	rva := s.next()
	s.data = append(s.data, make([]byte, int(rva-s.RVA)-len(s.data))...)
	s.data = append(s.data, p...)
	if len(s.data) > SectionStride {
		panic(fmt.Sprintf("pebuild: section %s is larger than 0x%x", s.Name, SectionStride))
	}
	return rva
}

func (s *Section) AddString(str string) uint32 {
	return s.Add(append([]byte(str), 0))
}

// AddPtr appends a pointer sized value.
func (s *Section) AddPtr(v uint64) uint32 {
	return s.Add(s.b.ptr(v))
}

// AddAbs appends the absolute address of target and a base relocation for it.
func (s *Section) AddAbs(target uint32) uint32 {
	rva := s.AddPtr(s.b.VA(target))
	s.b.AddReloc(rva, s.b.absType())
	return rva
}

// Reserve extends the virtual size by n zero bytes beyond the file data.
func (s *Section) Reserve(n uint32) uint32 {
	rva := s.RVA + max(uint32(len(s.data)), s.reserved)
	rva = uint32(align(int(rva), 8))
	s.reserved = rva - s.RVA + n
	return rva
}

func (s *Section) slot(rva uint32, n int) []byte {
	off := int(rva) - int(s.RVA)
	if off < 0 || off+n > len(s.data) {
		panic(fmt.Sprintf("pebuild: rva 0x%x is not in the data of %s", rva, s.Name))
	}
	return s.data[off : off+n]
}

func (s *Section) PutUint16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(s.slot(rva, 2), v)
}

func (s *Section) PutUint32(rva uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.slot(rva, 4), v)
}

func (s *Section) PutPtr(rva uint32, v uint64) {
	copy(s.slot(rva, s.b.PtrSize()), s.b.ptr(v))
}

// PutAbs stores the absolute address of target at rva, with a base relocation.
func (s *Section) PutAbs(rva, target uint32) {
	s.PutPtr(rva, s.b.VA(target))
	s.b.AddReloc(rva, s.b.absType())
}

func (b *Builder) ptr(v uint64) []byte {
	p := make([]byte, b.PtrSize())
	if b.Is64() {
		binary.LittleEndian.PutUint64(p, v)
	} else {
		binary.LittleEndian.PutUint32(p, uint32(v))
	}
	return p
}

func align(n, a int) int { return (n + a - 1) &^ (a - 1) }

// relocSection serializes the relocations into blocks of one page each.
func (b *Builder) relocSection() *Section {
	if len(b.relocs) == 0 || b.NoRelocations {
		return nil
	}
	var pages = map[uint32][]uint16{}
	var order []uint32
	for _, r := range b.relocs {
		page := r.rva &^ 0xfff
		if _, ok := pages[page]; !ok {
			order = append(order, page)
		}
		pages[page] = append(pages[page], r.typ<<12|uint16(r.rva&0xfff))
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var buf bytes.Buffer
	for _, page := range order {
		entries := pages[page]
		if len(entries)%2 != 0 {
			// keep blocks 32 bit aligned
			entries = append(entries, 0)
		}
		binary.Write(&buf, binary.LittleEndian, [2]uint32{page, uint32(8 + 2*len(entries))})
		binary.Write(&buf, binary.LittleEndian, entries)
	}

	s := &Section{
		Name:            ".reloc",
		Kind:            Reloc,
		Characteristics: Reloc.characteristics(),
		RVA:             uint32(SectionAlignment + len(b.sections)*SectionStride),
		data:            buf.Bytes(),
		b:               b,
	}
	return s
}

// Bytes lays out the file.
func (b *Builder) Bytes() []byte {
	var sections = b.sections
	var directories = b.directories
	if s := b.relocSection(); s != nil {
		sections = append(sections[:len(sections):len(sections)], s)
		directories[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC] = pe.DataDirectory{VirtualAddress: s.RVA, Size: uint32(len(s.data))}
	}

	var optionalHeaderSize = binary.Size(pe.OptionalHeader32{})
	if b.Is64() {
		optionalHeaderSize = binary.Size(pe.OptionalHeader64{})
	}
	var headersEnd = dosHeaderSize + 4 + binary.Size(pe.FileHeader{}) + optionalHeaderSize + len(sections)*binary.Size(pe.SectionHeader32{})
	var sizeOfHeaders = uint32(align(headersEnd, FileAlignment))

	var sizeOfImage = uint32(SectionAlignment)
	var headers = make([]pe.SectionHeader32, len(sections))
	var raw = sizeOfHeaders
	var sizeOfCode, sizeOfInitializedData, sizeOfUninitializedData uint32
	for i, s := range sections {
		h := &headers[i]
		copy(h.Name[:], s.Name)
		h.VirtualAddress = s.RVA
		h.VirtualSize = s.virtualSize()
		h.Characteristics = s.Characteristics
		if len(s.data) != 0 {
			h.PointerToRawData = raw
			h.SizeOfRawData = uint32(align(len(s.data), FileAlignment))
			raw += h.SizeOfRawData
		}
		sizeOfImage = max(sizeOfImage, uint32(align(int(s.RVA+max(h.VirtualSize, h.SizeOfRawData)), SectionAlignment)))

		switch {
		case s.Characteristics&pe.IMAGE_SCN_CNT_CODE != 0:
			sizeOfCode += h.SizeOfRawData
		case s.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
			sizeOfUninitializedData += h.VirtualSize
		default:
			sizeOfInitializedData += h.SizeOfRawData
		}
	}
	if b.SizeOfImage != 0 {
		sizeOfImage = b.SizeOfImage
	}

	var characteristics uint16 = pe.IMAGE_FILE_EXECUTABLE_IMAGE
	if b.DLL {
		characteristics |= pe.IMAGE_FILE_DLL
	}
	if b.Is64() {
		characteristics |= pe.IMAGE_FILE_LARGE_ADDRESS_AWARE
	} else {
		characteristics |= pe.IMAGE_FILE_32BIT_MACHINE
	}
	var dllCharacteristics uint16
	if !b.NoRelocations {
		dllCharacteristics |= pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE
	}

	var out bytes.Buffer
	dos := make([]byte, dosHeaderSize)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], dosHeaderSize)
	out.Write(dos)
	out.WriteString("PE\x00\x00")
	binary.Write(&out, binary.LittleEndian, pe.FileHeader{
		Machine:              b.Machine,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: uint16(optionalHeaderSize),
		Characteristics:      characteristics,
	})
	if b.Is64() {
		binary.Write(&out, binary.LittleEndian, pe.OptionalHeader64{
			Magic:                       0x20b,
			MajorLinkerVersion:          14,
			SizeOfCode:                  sizeOfCode,
			SizeOfInitializedData:       sizeOfInitializedData,
			SizeOfUninitializedData:     sizeOfUninitializedData,
			AddressOfEntryPoint:         b.EntryPoint,
			ImageBase:                   b.ImageBase,
			SectionAlignment:            SectionAlignment,
			FileAlignment:               FileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
			DllCharacteristics:          dllCharacteristics,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
			DataDirectory:               directories,
		})
	} else {
		binary.Write(&out, binary.LittleEndian, pe.OptionalHeader32{
			Magic:                       0x10b,
			MajorLinkerVersion:          14,
			SizeOfCode:                  sizeOfCode,
			SizeOfInitializedData:       sizeOfInitializedData,
			SizeOfUninitializedData:     sizeOfUninitializedData,
			AddressOfEntryPoint:         b.EntryPoint,
			ImageBase:                   uint32(b.ImageBase),
			SectionAlignment:            SectionAlignment,
			FileAlignment:               FileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
			DllCharacteristics:          dllCharacteristics,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
			DataDirectory:               directories,
		})
	}
	binary.Write(&out, binary.LittleEndian, headers)
	out.Write(make([]byte, int(sizeOfHeaders)-out.Len()))

	for i, s := range sections {
		if len(s.data) == 0 {
			continue
		}
		out.Write(s.data)
		out.Write(make([]byte, int(headers[i].SizeOfRawData)-len(s.data)))
	}
	return out.Bytes()
}
