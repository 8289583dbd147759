package pebuild

import (
	"debug/pe"
	"encoding/binary"
	"sort"
	"strings"
	"unicode/utf16"
)

// Export is one slot of the export address table. The ordinal of the i-th
// export is base+i. An empty Name exports by ordinal only, a non empty
// Forward ("Module.Export" or "Module.#7") makes it a forwarder.
type Export struct {
	Name    string
	RVA     uint32
	Forward string
}

// Exports writes an export directory into s.
func (b *Builder) Exports(s *Section, dllName string, base uint32, exports []Export) {
	type named struct {
		name string
		idx  uint16
	}
	var names []named
	for i, e := range exports {
		if e.Name != "" {
			names = append(names, named{e.Name, uint16(i)})
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i].name < names[j].name })

	var start = s.Add(make([]byte, 40))
	var functions = s.Add(make([]byte, 4*len(exports)))
	var nameRefs, ordinals uint32
	if len(names) > 0 {
		nameRefs = s.Add(make([]byte, 4*len(names)))
		ordinals = s.Add(make([]byte, 2*len(names)))
	}
	var dllNameRVA = s.AddString(dllName)
	for i, n := range names {
		s.PutUint32(nameRefs+uint32(i)*4, s.AddString(n.name))
		s.PutUint16(ordinals+uint32(i)*2, n.idx)
	}
	for i, e := range exports {
		rva := e.RVA
		if e.Forward != "" {
			rva = s.AddString(e.Forward)
		}
		s.PutUint32(functions+uint32(i)*4, rva)
	}
	var end = s.RVA + uint32(len(s.data))

	s.PutUint32(start+12, dllNameRVA)
	s.PutUint32(start+16, base)
	s.PutUint32(start+20, uint32(len(exports)))
	s.PutUint32(start+24, uint32(len(names)))
	s.PutUint32(start+28, functions)
	s.PutUint32(start+32, nameRefs)
	s.PutUint32(start+36, ordinals)
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT, start, end-start)
}

// Import describes the symbols taken from one dependency. A Proc with an
// empty Name imports Ordinal.
type Import struct {
	DLL   string
	Procs []ImportProc

	// NoHintTable leaves OriginalFirstThunk zero
	NoHintTable bool
}

type ImportProc struct {
	Name    string
	Ordinal uint16
}

// Imports writes an import directory into s. It returns the RVAs of the
// import address table slots, per import and proc.
func (b *Builder) Imports(s *Section, imports []Import) [][]uint32 {
	var ptr = uint32(b.PtrSize())
	var descriptors = s.Add(make([]byte, 20*(len(imports)+1)))
	var iatStart, iatEnd uint32
	var slots = make([][]uint32, len(imports))

	for i, imp := range imports {
		var lookup uint32
		if !imp.NoHintTable {
			lookup = s.Add(make([]byte, int(ptr)*(len(imp.Procs)+1)))
		}
		var iat = s.Add(make([]byte, int(ptr)*(len(imp.Procs)+1)))
		if iatStart == 0 {
			iatStart = iat
		}
		iatEnd = iat + ptr*uint32(len(imp.Procs)+1)

		for j, proc := range imp.Procs {
			var thunk uint64
			if proc.Name == "" {
				thunk = uint64(proc.Ordinal)
				if b.Is64() {
					thunk |= 0x8000000000000000
				} else {
					thunk |= 0x80000000
				}
			} else {
				// IMAGE_IMPORT_BY_NAME
				hint := make([]byte, 2, 2+len(proc.Name)+1)
				thunk = uint64(s.Add(append(append(hint, proc.Name...), 0)))
			}
			if lookup != 0 {
				s.PutPtr(lookup+uint32(j)*ptr, thunk)
			}
			s.PutPtr(iat+uint32(j)*ptr, thunk)
			slots[i] = append(slots[i], iat+uint32(j)*ptr)
		}

		var d = descriptors + uint32(i)*20
		s.PutUint32(d, lookup)
		s.PutUint32(d+12, s.AddString(imp.DLL))
		s.PutUint32(d+16, iat)
	}
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT, descriptors, 20*uint32(len(imports)+1))
	if iatStart != 0 {
		b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_IAT, iatStart, iatEnd-iatStart)
	}
	return slots
}

// TLS writes a TLS directory whose callback array holds the given code RVAs.
func (b *Builder) TLS(s *Section, callbacks ...uint32) {
	var array uint32
	for i, cb := range callbacks {
		rva := s.AddAbs(cb)
		if i == 0 {
			array = rva
		}
	}
	terminator := s.AddPtr(0)
	if array == 0 {
		array = terminator
	}
	var index = s.Add(make([]byte, 4))

	var ptr = uint32(b.PtrSize())
	var size = 4*ptr + 8
	var dir = s.Add(make([]byte, size))
	s.PutAbs(dir+2*ptr, index)
	s.PutAbs(dir+3*ptr, array)
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_TLS, dir, size)
}

// Key is a resource type, name or language. A non empty Name makes it a named key.
type Key struct {
	ID   uint16
	Name string
}

func ID(id uint16) Key { return Key{ID: id} }

func Name(name string) Key { return Key{Name: name} }

// Resource is one leaf of the resource tree.
type Resource struct {
	Type, Name Key
	Lang       uint16
	Data       []byte

	// LangName stores the language entry by name instead of Lang.
	LangName string
}

type resDir struct {
	named []*resEntry
	ids   []*resEntry

	offset uint32
}

type resEntry struct {
	key  Key
	dir  *resDir
	leaf *Resource

	nameOffset, dataEntryOffset, dataOffset uint32
}

func (d *resDir) entry(k Key) *resEntry {
	list := &d.ids
	if k.Name != "" {
		list = &d.named
	}
	for _, e := range *list {
		if e.key == k {
			return e
		}
	}
	e := &resEntry{key: k}
	*list = append(*list, e)
	return e
}

func (d *resDir) sort() {
	sort.Slice(d.named, func(i, j int) bool {
		return strings.ToUpper(d.named[i].key.Name) < strings.ToUpper(d.named[j].key.Name)
	})
	sort.Slice(d.ids, func(i, j int) bool { return d.ids[i].key.ID < d.ids[j].key.ID })
}

func (d *resDir) entries() []*resEntry {
	return append(append([]*resEntry(nil), d.named...), d.ids...)
}

// Resources writes a resource directory tree (type, name, language) into s.
func (b *Builder) Resources(s *Section, resources []Resource) {
	var root = &resDir{}
	for i := range resources {
		r := &resources[i]
		typ := root.entry(r.Type)
		if typ.dir == nil {
			typ.dir = &resDir{}
		}
		name := typ.dir.entry(r.Name)
		if name.dir == nil {
			name.dir = &resDir{}
		}
		lang := ID(r.Lang)
		if r.LangName != "" {
			lang = Name(r.LangName)
		}
		name.dir.entry(lang).leaf = r
	}

	// directories first, breadth first
	var dirs = []*resDir{root}
	var off uint32
	for i := 0; i < len(dirs); i++ {
		d := dirs[i]
		d.sort()
		d.offset = off
		off += 16 + 8*uint32(len(d.named)+len(d.ids))
		for _, e := range d.entries() {
			if e.dir != nil {
				dirs = append(dirs, e.dir)
			}
		}
	}
	// then strings, data entries and data
	var all []*resEntry
	for _, d := range dirs {
		all = append(all, d.entries()...)
	}
	for _, e := range all {
		if e.key.Name != "" {
			e.nameOffset = off
			off += uint32(2 + 2*len(utf16.Encode([]rune(e.key.Name))))
		}
	}
	for _, e := range all {
		if e.leaf != nil {
			off = uint32(align(int(off), 4))
			e.dataEntryOffset = off
			off += 16
		}
	}
	for _, e := range all {
		if e.leaf != nil {
			off = uint32(align(int(off), 8))
			e.dataOffset = off
			off += uint32(len(e.leaf.Data))
		}
	}

	var rva = s.Add(make([]byte, off))
	var buf = s.slot(rva, int(off))
	for _, d := range dirs {
		binary.LittleEndian.PutUint16(buf[d.offset+12:], uint16(len(d.named)))
		binary.LittleEndian.PutUint16(buf[d.offset+14:], uint16(len(d.ids)))
		for i, e := range d.entries() {
			p := d.offset + 16 + 8*uint32(i)
			if e.key.Name != "" {
				binary.LittleEndian.PutUint32(buf[p:], 0x80000000|e.nameOffset)
			} else {
				binary.LittleEndian.PutUint32(buf[p:], uint32(e.key.ID))
			}
			if e.dir != nil {
				binary.LittleEndian.PutUint32(buf[p+4:], 0x80000000|e.dir.offset)
			} else {
				binary.LittleEndian.PutUint32(buf[p+4:], e.dataEntryOffset)
			}
		}
	}
	for _, e := range all {
		if e.key.Name != "" {
			units := utf16.Encode([]rune(e.key.Name))
			binary.LittleEndian.PutUint16(buf[e.nameOffset:], uint16(len(units)))
			for i, u := range units {
				binary.LittleEndian.PutUint16(buf[e.nameOffset+2+uint32(i)*2:], u)
			}
		}
		if e.leaf != nil {
			binary.LittleEndian.PutUint32(buf[e.dataEntryOffset:], rva+e.dataOffset)
			binary.LittleEndian.PutUint32(buf[e.dataEntryOffset+4:], uint32(len(e.leaf.Data)))
			copy(buf[e.dataOffset:], e.leaf.Data)
		}
	}
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, rva, off)
}

// StringBlock encodes up to 16 strings as one RT_STRING block. Block n holds
// the string ids (n-1)*16 to n*16-1.
func StringBlock(strs ...string) []byte {
	var block []byte
	for i := 0; i < 16; i++ {
		var units []uint16
		if i < len(strs) {
			units = utf16.Encode([]rune(strs[i]))
		}
		block = binary.LittleEndian.AppendUint16(block, uint16(len(units)))
		for _, u := range units {
			block = binary.LittleEndian.AppendUint16(block, u)
		}
	}
	return block
}
