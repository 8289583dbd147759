package memorymodule

import "debug/pe"

const (
	hostMachine = pe.IMAGE_FILE_MACHINE_AMD64
	hostMagic   = IMAGE_NT_OPTIONAL_HDR64_MAGIC
	ptrSize     = 8
)
