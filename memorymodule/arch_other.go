//go:build !amd64 && !arm64 && !386

package memorymodule

// No PE machine matches this architecture, every image is rejected.
const (
	hostMachine = 0xffff
	hostMagic   = IMAGE_NT_OPTIONAL_HDR64_MAGIC
	ptrSize     = 8
)
