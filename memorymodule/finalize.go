package memorymodule

import (
	"debug/pe"
	"fmt"
)

// Protection flags for memory pages (Executable, Readable, Writeable)
var ProtectionFlags = [2][2][2]Protect{
	{
		// not executable
		{PageNoAccess, PageWriteCopy},
		{PageReadOnly, PageReadWrite},
	},
	{
		// executable
		{PageExecute, PageExecuteWriteCopy},
		{PageExecuteRead, PageExecuteReadWrite},
	},
}

type sectionFinalizeData struct {
	address         uintptr
	alignedAddress  uintptr
	size            uintptr
	characteristics uint32
	last            bool
}

func (m *Module) GetRealSectionSize(section *IMAGE_SECTION_HEADER) uintptr {
	var size = section.VirtualSize
	if size == 0 {
		size = section.SizeOfRawData
	}
	if size == 0 {
		if section.Characteristics&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0 {
			size = m.headers.sizeOfInitializedData
		} else if section.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 {
			size = m.headers.sizeOfUninitializedData
		}
	}
	return uintptr(size)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SectionProtection maps section characteristics to a page protection.
func SectionProtection(characteristics uint32) Protect {
	var executable = characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0
	var readable = characteristics&pe.IMAGE_SCN_MEM_READ != 0
	var writeable = characteristics&pe.IMAGE_SCN_MEM_WRITE != 0

	protect := ProtectionFlags[b2i(executable)][b2i(readable)][b2i(writeable)]
	if characteristics&IMAGE_SCN_MEM_NOT_CACHED != 0 {
		protect |= PageNoCache
	}
	return protect
}

func (m *Module) FinalizeSection(sectionData *sectionFinalizeData) error {
	if sectionData.size == 0 {
		return nil
	}

	if sectionData.characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE != 0 {
		// section is not needed any more and can safely be freed
		if sectionData.address == sectionData.alignedAddress &&
			(sectionData.last ||
				uintptr(m.headers.sectionAlignment) == m.pageSize ||
				sectionData.size%m.pageSize == 0) {
			// Only allowed to decommit whole pages
			err := m.callbacks.Free(sectionData.address, sectionData.size, MemDecommit, m.userdata)
			if err == nil {
				return nil
			}
			logger().Warnf("decommit discardable 0x%x+0x%x: %s", sectionData.address, sectionData.size, err)
		}
		if err := m.executor.Protect(sectionData.address, sectionData.size, PageNoAccess); err != nil {
			return fmt.Errorf("%w: discardable 0x%x+0x%x: %w", ErrProtectionFailed, sectionData.address, sectionData.size, err)
		}
		return nil
	}

	// determine protection flags based on characteristics
	protect := SectionProtection(sectionData.characteristics)

	// change memory access flags
	if err := m.executor.Protect(sectionData.address, sectionData.size, protect); err != nil {
		return fmt.Errorf("%w: 0x%x+0x%x as 0x%x: %w", ErrProtectionFailed, sectionData.address, sectionData.size, uint32(protect), err)
	}
	if protect.Executable() {
		if err := m.executor.FlushInstructionCache(sectionData.address, sectionData.size); err != nil {
			return fmt.Errorf("%w: flush 0x%x+0x%x: %w", ErrProtectionFailed, sectionData.address, sectionData.size, err)
		}
	}
	return nil
}

// FinalizeSections applies the final page protections. Sections sharing a
// page get the combined access of all of them.
func (m *Module) FinalizeSections() error {
	var sections = m.headers.sections
	if len(sections) == 0 {
		return nil
	}

	var sectionData = sectionFinalizeData{
		address:         m.codeBase + uintptr(sections[0].VirtualAddress),
		size:            m.GetRealSectionSize(&sections[0]),
		characteristics: sections[0].Characteristics,
	}
	sectionData.alignedAddress = AlignValueDown(sectionData.address, m.pageSize)

	// loop through all sections and change access flags
	for i := 1; i < len(sections); i++ {
		var section = &sections[i]
		var sectionAddress = m.codeBase + uintptr(section.VirtualAddress)
		var alignedAddress = AlignValueDown(sectionAddress, m.pageSize)
		var sectionSize = m.GetRealSectionSize(section)

		// Combine access flags of all sections that share a page
		if sectionData.alignedAddress == alignedAddress || sectionData.address+sectionData.size > alignedAddress {
			// Section shares page with previous
			if section.Characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE == 0 || sectionData.characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE == 0 {
				sectionData.characteristics = (sectionData.characteristics | section.Characteristics) &^ pe.IMAGE_SCN_MEM_DISCARDABLE
			} else {
				sectionData.characteristics |= section.Characteristics
			}
			sectionData.size = sectionAddress + sectionSize - sectionData.address
			continue
		}

		if err := m.FinalizeSection(&sectionData); err != nil {
			return err
		}
		sectionData = sectionFinalizeData{
			address:         sectionAddress,
			alignedAddress:  alignedAddress,
			size:            sectionSize,
			characteristics: section.Characteristics,
		}
	}
	sectionData.last = true
	return m.FinalizeSection(&sectionData)
}
