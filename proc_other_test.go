//go:build unix

package mlibrary

import (
	"testing"

	"github.com/lysShub/mlibrary/memorymodule"
	"github.com/stretchr/testify/require"
)

func Test_Proc_Call(t *testing.T) {
	dll, err := NewMLibrary(newTestImage().raw)
	require.NoError(t, err)
	defer dll.Release()

	_, _, err = dll.MustFindProc("Answer").Call()
	require.ErrorIs(t, err, memorymodule.ErrNotSupported)
}
