package memorymodule

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/lysShub/mlibrary/internal/pebuild"
	"github.com/stretchr/testify/require"
)

func readAddr(mem []byte, rva uint32) uint64 {
	if ptrSize == 8 {
		return binary.LittleEndian.Uint64(mem[rva:])
	}
	return uint64(binary.LittleEndian.Uint32(mem[rva:]))
}

func Test_Load_PreferredBase(t *testing.T) {
	img := newDataImage()
	raw := img.b.Bytes()

	env := newFakeEnv(t)
	env.honorHint = true
	m, err := LoadLibraryEx(raw, env, "ctx")
	require.NoError(t, err)
	defer m.Free()

	require.Equal(t, uintptr(img.b.ImageBase), m.Base())
	require.True(t, m.IsRelocated())
	require.True(t, m.IsDLL())
	require.Equal(t, StateAttached, m.State())

	// zero delta: every section maps to its file bytes
	f, err := pe.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	mem := m.Memory()
	for _, s := range f.Sections {
		n := min(s.VirtualSize, s.Size)
		require.Equal(t, raw[s.Offset:s.Offset+n], mem[s.VirtualAddress:s.VirtualAddress+n], s.Name)
	}
	require.Equal(t, img.b.VA(img.value), readAddr(mem, img.ptr))

	for _, u := range env.userdata {
		require.Equal(t, "ctx", u)
	}
}

func Test_Load_Rebase(t *testing.T) {
	img := newDataImage()
	env := newFakeEnv(t)

	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	defer m.Free()

	require.NotEqual(t, uintptr(img.b.ImageBase), m.Base())
	require.True(t, m.IsRelocated())
	require.Equal(t, uint64(m.Base())+uint64(img.value), readAddr(m.Memory(), img.ptr))

	// the mapped header carries the actual base
	require.Equal(t, uint64(m.Base()), readAddr(m.Memory(), m.headers.imageBaseOffset()))
	require.Equal(t, "memorymodule", string(m.Memory()[img.value:img.value+12]))
}

func Test_Load_HighLowRelocations(t *testing.T) {
	img := newDataImage()
	slot := img.data.Add([]byte{0x00, 0x10, 0x34, 0x12})
	img.b.AddReloc(slot, IMAGE_REL_BASED_HIGH)
	img.b.AddReloc(slot+2, IMAGE_REL_BASED_LOW)
	env := newFakeEnv(t)

	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	defer m.Free()

	delta := uint32(uint64(m.Base()) - img.b.ImageBase)
	mem := m.Memory()
	require.Equal(t, uint16(0x1000)+uint16(delta>>16), binary.LittleEndian.Uint16(mem[slot:]))
	require.Equal(t, uint16(0x1234)+uint16(delta), binary.LittleEndian.Uint16(mem[slot+2:]))
}

func Test_Load_UnknownRelocation(t *testing.T) {
	img := newDataImage()
	img.b.AddReloc(img.value, 7)
	env := newFakeEnv(t)

	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	require.Nil(t, m)
	require.Zero(t, env.outstanding())
}

func Test_Load_NoRelocations(t *testing.T) {
	img := newDataImage()
	img.b.NoRelocations = true
	raw := img.b.Bytes()

	env := newFakeEnv(t)
	_, err := LoadLibraryEx(raw, env, nil)
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	require.Zero(t, env.outstanding())

	// no rebase needed
	env = newFakeEnv(t)
	env.honorHint = true
	m, err := LoadLibraryEx(raw, env, nil)
	require.NoError(t, err)
	require.True(t, m.IsRelocated())
	m.Free()
	require.Zero(t, env.outstanding())
}

func Test_Load_AllocationFailed(t *testing.T) {
	img := newDataImage()
	raw := img.b.Bytes()

	// preferred base taken, anywhere works
	env := newFakeEnv(t)
	env.failAlloc = 1
	m, err := LoadLibraryEx(raw, env, nil)
	require.NoError(t, err)
	m.Free()

	env = newFakeEnv(t)
	env.failAlloc = 2
	_, err = LoadLibraryEx(raw, env, nil)
	require.ErrorIs(t, err, ErrAllocationFailed)
	require.Zero(t, env.outstanding())
}

func Test_Load_ZeroFill(t *testing.T) {
	b := pebuild.NewHost()
	data := b.Section(".data", pebuild.Data)
	v := data.Add([]byte{1, 2, 3, 4})
	data.VirtualSize = 0x800
	bss := b.Section(".bss", pebuild.BSS)
	zero := bss.Reserve(0x100)
	env := newFakeEnv(t)
	env.honorHint = true

	m, err := LoadLibraryEx(b.Bytes(), env, nil)
	require.NoError(t, err)
	defer m.Free()

	mem := m.Memory()
	require.Equal(t, []byte{1, 2, 3, 4}, mem[v:v+4])
	// raw data is file aligned, only VirtualSize bytes are copied
	require.Equal(t, make([]byte, 0x800-4), mem[v+4:data.RVA+0x800])
	require.Equal(t, make([]byte, 0x100), mem[zero:zero+0x100])
}

func Test_Free(t *testing.T) {
	img := newDataImage()
	var calls [][]uintptr
	img.b.EntryPoint = img.code
	env := newFakeEnv(t)
	env.handle(img.code, ret(1, &calls))

	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	require.Equal(t, [][]uintptr{{m.Base(), DLL_PROCESS_ATTACH, 0}}, calls)

	m.Free()
	require.Equal(t, StateFreed, m.State())
	require.Equal(t, [][]uintptr{
		{m.Base(), DLL_PROCESS_ATTACH, 0},
		{m.Base(), DLL_PROCESS_DETACH, 0},
	}, calls)
	require.Zero(t, env.outstanding())

	// second Free is a no-op
	m.Free()
	require.Len(t, calls, 2)

	_, err = m.GetProcAddress(ProcName("x"))
	require.ErrorIs(t, err, ErrFreed)
}

func Test_Load_InitializationDeclined(t *testing.T) {
	img := newDataImage()
	imp := img.b.Section(".idata", pebuild.Data)
	img.b.Imports(imp, []pebuild.Import{
		{DLL: "a.dll", Procs: []pebuild.ImportProc{{Name: "A"}}},
		{DLL: "b.dll", Procs: []pebuild.ImportProc{{Name: "B"}}},
	})
	img.b.EntryPoint = img.code

	var calls [][]uintptr
	env := newFakeEnv(t)
	env.addLib("a.dll", "A")
	env.addLib("b.dll", "B")
	env.handle(img.code, ret(0, &calls))

	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.ErrorIs(t, err, ErrInitializationDeclined)
	require.Nil(t, m)

	// attached once, never detached
	require.Len(t, calls, 1)
	require.Equal(t, uintptr(DLL_PROCESS_ATTACH), calls[0][1])
	require.Zero(t, env.outstanding())
	require.Equal(t, []string{"alloc", "load:a.dll", "load:b.dll", "call:0x1000", "free:b.dll", "free:a.dll", "release"}, env.events)
}

func Test_Load_TLSBeforeEntryPoint(t *testing.T) {
	b := pebuild.NewHost()
	text := b.Section(".text", pebuild.Code)
	tls1 := text.Add([]byte{0xc3})
	tls2 := text.Add([]byte{0xc3})
	entry := text.Add([]byte{0xc3})
	rdata := b.Section(".rdata", pebuild.RData)
	b.TLS(rdata, tls1, tls2)
	b.EntryPoint = entry

	var calls [][]uintptr
	env := newFakeEnv(t)
	env.handle(tls1, ret(0, &calls))
	env.handle(tls2, ret(0, &calls))
	env.handle(entry, ret(1, &calls))

	m, err := LoadLibraryEx(b.Bytes(), env, nil)
	require.NoError(t, err)
	defer m.Free()

	var order []string
	for _, e := range env.events {
		if len(e) > 5 && e[:5] == "call:" {
			order = append(order, e)
		}
	}
	require.Equal(t, []string{"call:0x1000", "call:0x1008", "call:0x1010"}, order)
	for _, c := range calls {
		require.Equal(t, []uintptr{m.Base(), DLL_PROCESS_ATTACH, 0}, c)
	}
}

func Test_CallEntryPoint(t *testing.T) {
	img := newDataImage()
	img.b.DLL = false
	img.b.EntryPoint = img.code
	env := newFakeEnv(t)
	env.handle(img.code, ret(3, nil))

	var exited []int
	defer func(exit func(int)) { exitProcess = exit }(exitProcess)
	exitProcess = func(code int) { exited = append(exited, code) }

	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	defer m.Free()
	require.False(t, m.IsDLL())
	require.NotContains(t, env.events, "call:0x1000")

	err = m.CallEntryPoint()
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	require.Equal(t, 3, exit.Code)
	require.Equal(t, []int{3}, exited)
}

func Test_CallEntryPoint_NotExecutable(t *testing.T) {
	// a DLL
	img := newDataImage()
	img.b.EntryPoint = img.code
	env := newFakeEnv(t)
	env.handle(img.code, ret(1, nil))
	m, err := LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	require.ErrorIs(t, m.CallEntryPoint(), ErrNotExecutable)
	m.Free()

	// an executable without entry point
	img = newDataImage()
	img.b.DLL = false
	m, err = LoadLibraryEx(img.b.Bytes(), env, nil)
	require.NoError(t, err)
	require.ErrorIs(t, m.CallEntryPoint(), ErrNotExecutable)
	m.Free()

	require.ErrorIs(t, m.CallEntryPoint(), ErrNotExecutable)
}
