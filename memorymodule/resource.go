package memorymodule

import (
	"debug/pe"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/exp/slices"
)

// ResourceKey identifies a resource type or name, either by integer id or by string.
type ResourceKey struct {
	ID   uint16
	Name string

	isName bool
}

// ResourceID is the MAKEINTRESOURCE equivalent.
func ResourceID(id uint16) ResourceKey { return ResourceKey{ID: id} }

// ResourceName keys by string, "#123" is the same as ResourceID(123).
func ResourceName(name string) ResourceKey {
	if len(name) > 1 && name[0] == '#' {
		if id, err := strconv.ParseUint(name[1:], 10, 16); err == nil {
			return ResourceID(uint16(id))
		}
	}
	return ResourceKey{Name: name, isName: true}
}

func (k ResourceKey) IsName() bool { return k.isName }

func (k ResourceKey) String() string {
	if k.isName {
		return k.Name
	}
	return "#" + strconv.Itoa(int(k.ID))
}

// Predefined resource types.
var (
	RTCursor       = ResourceID(1)
	RTBitmap       = ResourceID(2)
	RTIcon         = ResourceID(3)
	RTMenu         = ResourceID(4)
	RTDialog       = ResourceID(5)
	RTString       = ResourceID(6)
	RTFontDir      = ResourceID(7)
	RTFont         = ResourceID(8)
	RTAccelerator  = ResourceID(9)
	RTRCData       = ResourceID(10)
	RTMessageTable = ResourceID(11)
	RTGroupCursor  = ResourceID(12)
	RTGroupIcon    = ResourceID(14)
	RTVersion      = ResourceID(16)
	RTManifest     = ResourceID(24)
)

// Resource is a located resource data entry.
type Resource struct {
	RVA      uint32
	Size     uint32
	CodePage uint32
}

type resourceEntry struct {
	IMAGE_RESOURCE_DIRECTORY_ENTRY
	name string // only for named entries
}

func (e *resourceEntry) isDirectory() bool {
	return e.OffsetToData&IMAGE_RESOURCE_DATA_IS_DIRECTORY != 0
}

func (e *resourceEntry) offset() uint64 {
	return uint64(e.OffsetToData &^ IMAGE_RESOURCE_DATA_IS_DIRECTORY)
}

// resourceDirectory reads the entries of a directory at off, relative to the resource root.
func (m *Module) resourceDirectory(root, off uint64) (named, ids []resourceEntry, err error) {
	var mem = m.region.Mem
	var dir IMAGE_RESOURCE_DIRECTORY
	if err := readStruct(mem, root+off, &dir); err != nil {
		return nil, nil, err
	}

	var entry = root + off + uint64(sizeofResourceDir)
	var total = int(dir.NumberOfNamedEntries) + int(dir.NumberOfIdEntries)
	var entries = make([]resourceEntry, total)
	for i := range entries {
		if err := readStruct(mem, entry+uint64(i*sizeofResourceEntry), &entries[i].IMAGE_RESOURCE_DIRECTORY_ENTRY); err != nil {
			return nil, nil, err
		}
	}
	named, ids = entries[:dir.NumberOfNamedEntries], entries[dir.NumberOfNamedEntries:]

	for i := range named {
		// IMAGE_RESOURCE_DIR_STRING_U
		var nameOff = root + uint64(named[i].Name&^IMAGE_RESOURCE_NAME_IS_STRING)
		length, err := readUint16(mem, nameOff)
		if err != nil {
			return nil, nil, err
		}
		var units = make([]uint16, length)
		for j := range units {
			if units[j], err = readUint16(mem, nameOff+2+uint64(j)*2); err != nil {
				return nil, nil, err
			}
		}
		named[i].name = string(utf16.Decode(units))
	}
	return named, ids, nil
}

// searchResourceEntry finds key in a directory. Named entries are sorted by
// name, id entries by id, both are searched with a binary search.
func (m *Module) searchResourceEntry(root, off uint64, key ResourceKey) (*resourceEntry, error) {
	named, ids, err := m.resourceDirectory(root, off)
	if err != nil {
		return nil, err
	}

	if !key.isName {
		i, found := slices.BinarySearchFunc(ids, key.ID, func(e resourceEntry, id uint16) int {
			return int(uint16(e.Name)) - int(id)
		})
		if found {
			return &ids[i], nil
		}
		return nil, nil
	}

	// resource names are stored upper case
	var name = strings.ToUpper(key.Name)
	i, found := slices.BinarySearchFunc(named, name, func(e resourceEntry, name string) int {
		return strings.Compare(strings.ToUpper(e.name), name)
	})
	if found {
		return &named[i], nil
	}
	return nil, nil
}

// FindResource locates a resource of the thread language.
func (m *Module) FindResource(name, typ ResourceKey) (*Resource, error) {
	return m.FindResourceEx(name, typ, DEFAULT_LANGUAGE)
}

// FindResourceEx locates a resource in the given language. If the language
// is not present the first available language is used.
func (m *Module) FindResourceEx(name, typ ResourceKey, language uint16) (*Resource, error) {
	if m.state != StateAttached {
		return nil, fmt.Errorf("%w: module is %s", ErrFreed, m.state)
	}
	var directory = m.headers.directory(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if directory.Size == 0 {
		// no resource table found
		return nil, fmt.Errorf("%w: no resource table", ErrResourceNotFound)
	}

	if language == DEFAULT_LANGUAGE {
		// use language from current thread
		language = threadLanguage()
	}

	// resources are stored as three-level tree
	// - first node is the type
	// - second node is the name
	// - third node is the language
	var root = uint64(directory.VirtualAddress)
	foundType, err := m.searchResourceEntry(root, 0, typ)
	if err != nil {
		return nil, err
	}
	if foundType == nil || !foundType.isDirectory() {
		return nil, fmt.Errorf("%w: type %s", ErrResourceNotFound, typ)
	}

	foundName, err := m.searchResourceEntry(root, foundType.offset(), name)
	if err != nil {
		return nil, err
	}
	if foundName == nil || !foundName.isDirectory() {
		return nil, fmt.Errorf("%w: %s of type %s", ErrResourceNotFound, name, typ)
	}

	foundLanguage, err := m.searchResourceEntry(root, foundName.offset(), ResourceID(language))
	if err != nil {
		return nil, err
	}
	if foundLanguage == nil {
		// requested language not found, use the first entry of the directory
		named, ids, err := m.resourceDirectory(root, foundName.offset())
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: %s of type %s has no language", ErrResourceNotFound, name, typ)
		}
		foundLanguage = &ids[0]
		if len(named) > 0 {
			foundLanguage = &named[0]
		}
	}
	if foundLanguage.isDirectory() {
		return nil, fmt.Errorf("%w: language entry of %s is a directory", ErrMalformedImage, name)
	}

	var entry IMAGE_RESOURCE_DATA_ENTRY
	if err := readStruct(m.region.Mem, root+foundLanguage.offset(), &entry); err != nil {
		return nil, err
	}
	return &Resource{RVA: entry.OffsetToData, Size: entry.Size, CodePage: entry.CodePage}, nil
}

func (m *Module) SizeofResource(resource *Resource) uint32 {
	if resource == nil {
		return 0
	}
	return resource.Size
}

// LoadResource returns the resource data inside the mapped image.
func (m *Module) LoadResource(resource *Resource) ([]byte, error) {
	if resource == nil {
		return nil, fmt.Errorf("%w: nil resource", ErrResourceNotFound)
	}
	var start, end = uint64(resource.RVA), uint64(resource.RVA) + uint64(resource.Size)
	if !CheckSize(uint64(len(m.region.Mem)), end) {
		return nil, fmt.Errorf("%w: resource data at 0x%x+0x%x out of range", ErrMalformedImage, start, resource.Size)
	}
	return m.region.Mem[start:end:end], nil
}

// LoadString copies string id of the thread language into buf, see LoadStringEx.
func (m *Module) LoadString(id uint32, buf []uint16) (int, error) {
	return m.LoadStringEx(id, buf, DEFAULT_LANGUAGE)
}

// LoadStringEx copies string id from the string table into buf, truncated to
// len(buf) units. A NUL follows the string when buf has room for it. It
// returns the number of UTF-16 units copied, not counting the terminator.
func (m *Module) LoadStringEx(id uint32, buf []uint16, language uint16) (int, error) {
	units, err := m.stringUnits(id, language)
	if err != nil {
		return 0, err
	}
	n := copy(buf, units)
	if n < len(buf) {
		buf[n] = 0
	}
	return n, nil
}

// String returns string id of the thread language.
func (m *Module) String(id uint32) (string, error) {
	units, err := m.stringUnits(id, DEFAULT_LANGUAGE)
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}

func (m *Module) stringUnits(id uint32, language uint16) ([]uint16, error) {
	// strings are stored in blocks of 16
	if (id>>4)+1 > 0xffff {
		return nil, fmt.Errorf("%w: string %d", ErrResourceNotFound, id)
	}
	resource, err := m.FindResourceEx(ResourceID(uint16((id>>4)+1)), RTString, language)
	if err != nil {
		return nil, err
	}
	data, err := m.LoadResource(resource)
	if err != nil {
		return nil, err
	}

	var off uint64
	for i := id & 0x0f; i > 0; i-- {
		length, err := readUint16(data, off)
		if err != nil {
			return nil, err
		}
		off += 2 + uint64(length)*2
	}
	length, err := readUint16(data, off)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: string %d", ErrResourceNotFound, id)
	}
	var units = make([]uint16, length)
	for i := range units {
		if units[i], err = readUint16(data, off+2+uint64(i)*2); err != nil {
			return nil, err
		}
	}
	return units, nil
}
