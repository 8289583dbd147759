package memorymodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_AlignValue(t *testing.T) {
	require.Equal(t, uint32(0x1000), AlignValueDown(uint32(0x1fff), 0x1000))
	require.Equal(t, uint32(0x2000), AlignValueUp(uint32(0x1001), 0x1000))
	require.Equal(t, uint32(0x1000), AlignValueUp(uint32(0x1000), 0x1000))
	require.Equal(t, uint64(0), AlignValueUp(uint64(0), 0x1000))

	var base uintptr = 0x10000
	require.Equal(t, base+0x3000, AlignValueDown(base+0x3ab0, 0x1000))
}

func Test_CheckSize(t *testing.T) {
	require.True(t, CheckSize(uint64(0x40), 0x40))
	require.False(t, CheckSize(uint64(0x3f), 0x40))
}
