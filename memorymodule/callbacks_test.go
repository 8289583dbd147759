package memorymodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Proc(t *testing.T) {
	require.Equal(t, "Answer", ProcName("Answer").String())
	require.Equal(t, "#42", ProcOrdinal(42).String())
	require.True(t, ProcOrdinal(0).ByOrdinal())
	require.False(t, ProcName("").ByOrdinal())

	p, err := parseProc("#9")
	require.NoError(t, err)
	require.Equal(t, ProcOrdinal(9), p)

	p, err = parseProc("Target")
	require.NoError(t, err)
	require.Equal(t, ProcName("Target"), p)

	// a lone '#' is a name
	p, err = parseProc("#")
	require.NoError(t, err)
	require.Equal(t, ProcName("#"), p)

	_, err = parseProc("#70000")
	require.ErrorIs(t, err, ErrMalformedImage)
	_, err = parseProc("#x")
	require.ErrorIs(t, err, ErrMalformedImage)
}

func Test_CallbackFuncs(t *testing.T) {
	env := newFakeEnv(t)
	env.addLib("dep.dll", "A")

	var allocs, frees int
	cb := &CallbackFuncs{
		AllocFunc: func(hint, size uintptr, kind AllocType, protect Protect, userdata any) (Region, error) {
			allocs++
			return env.Alloc(hint, size, kind, protect, userdata)
		},
		FreeFunc: func(addr, size uintptr, kind FreeType, userdata any) error {
			frees++
			return env.Free(addr, size, kind, userdata)
		},
		LoadLibraryFunc:    env.LoadLibrary,
		GetProcAddressFunc: env.GetProcAddress,
		FreeLibraryFunc:    env.FreeLibrary,
	}

	lib, err := cb.LoadLibrary("dep.dll", nil)
	require.NoError(t, err)
	addr, err := cb.GetProcAddress(lib, ProcName("A"), nil)
	require.NoError(t, err)
	require.Equal(t, env.proc("dep.dll", "A"), addr)
	cb.FreeLibrary(lib, nil)

	r, err := cb.Alloc(0, 0x1000, MemReserve|MemCommit, PageReadWrite, nil)
	require.NoError(t, err)
	require.NoError(t, cb.Free(r.Addr, 0, MemRelease, nil))
	require.Equal(t, 1, allocs)
	require.Equal(t, 1, frees)
	require.Equal(t, []string{"load:dep.dll", "free:dep.dll", "alloc", "release"}, env.events)

	// CallbackFuncs is not an Executor
	require.Equal(t, DefaultExecutor, executorFor(cb))
	require.Equal(t, Executor(env), executorFor(env))
}

func Test_Protect_Executable(t *testing.T) {
	require.True(t, PageExecuteRead.Executable())
	require.True(t, (PageExecute | PageNoCache).Executable())
	require.False(t, PageReadWrite.Executable())
	require.False(t, PageNoAccess.Executable())
}
