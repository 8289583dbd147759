package memorymodule

import "debug/pe"

const (
	hostMachine = pe.IMAGE_FILE_MACHINE_I386
	hostMagic   = IMAGE_NT_OPTIONAL_HDR32_MAGIC
	ptrSize     = 4
)
