package memorymodule

import (
	"debug/pe"
	"testing"

	"github.com/lysShub/mlibrary/internal/pebuild"
	"github.com/stretchr/testify/require"
)

func Test_SectionProtection(t *testing.T) {
	const (
		x = pe.IMAGE_SCN_MEM_EXECUTE
		r = pe.IMAGE_SCN_MEM_READ
		w = pe.IMAGE_SCN_MEM_WRITE
	)
	require.Equal(t, PageNoAccess, SectionProtection(0))
	require.Equal(t, PageReadOnly, SectionProtection(r))
	require.Equal(t, PageWriteCopy, SectionProtection(w))
	require.Equal(t, PageReadWrite, SectionProtection(r|w))
	require.Equal(t, PageExecute, SectionProtection(x))
	require.Equal(t, PageExecuteRead, SectionProtection(x|r))
	require.Equal(t, PageExecuteWriteCopy, SectionProtection(x|w))
	require.Equal(t, PageExecuteReadWrite, SectionProtection(x|r|w))
	require.Equal(t, PageReadOnly|PageNoCache, SectionProtection(r|IMAGE_SCN_MEM_NOT_CACHED))
}

func newFinalizeModule(env *fakeEnv, sectionAlignment uint32, sections ...IMAGE_SECTION_HEADER) *Module {
	return &Module{
		headers: &ntHeaders{
			sectionAlignment: sectionAlignment,
			sections:         sections,
		},
		codeBase:  0x10000,
		pageSize:  env.PageSize(),
		callbacks: env,
		executor:  env,
	}
}

func Test_FinalizeSections_SharedPages(t *testing.T) {
	env := newFakeEnv(t)
	m := newFinalizeModule(env, 0x200,
		IMAGE_SECTION_HEADER{VirtualAddress: 0x1000, VirtualSize: 0x200, Characteristics: pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
		IMAGE_SECTION_HEADER{VirtualAddress: 0x1200, VirtualSize: 0x100, Characteristics: pe.IMAGE_SCN_MEM_READ},
		IMAGE_SECTION_HEADER{VirtualAddress: 0x2000, VirtualSize: 0x300, Characteristics: pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE},
		IMAGE_SECTION_HEADER{VirtualAddress: 0x2400, VirtualSize: 0x80, Characteristics: pe.IMAGE_SCN_MEM_DISCARDABLE | pe.IMAGE_SCN_MEM_READ},
	)
	require.NoError(t, m.FinalizeSections())

	require.Equal(t, []protectCall{
		{0x11000, 0x300, PageExecuteRead},
		{0x12000, 0x480, PageReadWrite},
	}, env.protects)
	require.Equal(t, []span{{0x11000, 0x300}}, env.flushes)
	require.Empty(t, env.decommits)
}

func Test_FinalizeSections_Discardable(t *testing.T) {
	env := newFakeEnv(t)
	m := newFinalizeModule(env, 0x200,
		IMAGE_SECTION_HEADER{VirtualAddress: 0x1000, VirtualSize: 0x100, Characteristics: pe.IMAGE_SCN_MEM_READ},
		// partial page, not last: kept but inaccessible
		IMAGE_SECTION_HEADER{VirtualAddress: 0x2000, VirtualSize: 0x100, Characteristics: pe.IMAGE_SCN_MEM_DISCARDABLE | pe.IMAGE_SCN_MEM_READ},
		// whole pages: decommitted
		IMAGE_SECTION_HEADER{VirtualAddress: 0x3000, VirtualSize: 0x2000, Characteristics: pe.IMAGE_SCN_MEM_DISCARDABLE | pe.IMAGE_SCN_MEM_READ},
		IMAGE_SECTION_HEADER{VirtualAddress: 0x5000, VirtualSize: 0x100, Characteristics: pe.IMAGE_SCN_MEM_READ | IMAGE_SCN_MEM_NOT_CACHED},
		// last section
		IMAGE_SECTION_HEADER{VirtualAddress: 0x6000, VirtualSize: 0x10, Characteristics: pe.IMAGE_SCN_MEM_DISCARDABLE},
	)
	require.NoError(t, m.FinalizeSections())

	require.Equal(t, []protectCall{
		{0x11000, 0x100, PageReadOnly},
		{0x12000, 0x100, PageNoAccess},
		{0x15000, 0x100, PageReadOnly | PageNoCache},
	}, env.protects)
	require.Equal(t, []span{{0x13000, 0x2000}, {0x16000, 0x10}}, env.decommits)
	require.Empty(t, env.flushes)
}

func Test_FinalizeSections_RealSize(t *testing.T) {
	env := newFakeEnv(t)
	m := newFinalizeModule(env, 0x1000,
		IMAGE_SECTION_HEADER{VirtualAddress: 0x1000, SizeOfRawData: 0x200, Characteristics: pe.IMAGE_SCN_MEM_READ},
		IMAGE_SECTION_HEADER{VirtualAddress: 0x2000, Characteristics: pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE},
	)
	m.headers.sizeOfUninitializedData = 0x300
	require.NoError(t, m.FinalizeSections())

	require.Equal(t, []protectCall{
		{0x11000, 0x200, PageReadOnly},
		{0x12000, 0x300, PageReadWrite},
	}, env.protects)
}

func Test_Load_Protections(t *testing.T) {
	img := newDataImage()
	env := newFakeEnv(t)
	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	defer m.Free()

	sections := img.b.Sections()
	require.Equal(t, []protectCall{
		{m.Base() + uintptr(sections[0].RVA), uintptr(len(sections[0].Data())), PageExecuteRead},
		{m.Base() + uintptr(sections[1].RVA), uintptr(len(sections[1].Data())), PageReadWrite},
	}, env.protects)
	require.Equal(t, []span{{m.Base() + uintptr(sections[0].RVA), uintptr(len(sections[0].Data()))}}, env.flushes)

	// .reloc is the last section and gets decommitted
	require.Len(t, env.decommits, 1)
	require.Equal(t, m.Base()+uintptr(sections[1].RVA)+pebuild.SectionStride, env.decommits[0].addr)
}

func Test_Load_ProtectionFailed(t *testing.T) {
	img := newDataImage()
	env := newFakeEnv(t)
	env.failProtect = true

	_, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.ErrorIs(t, err, ErrProtectionFailed)
	require.Zero(t, env.outstanding())
}
