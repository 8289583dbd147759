package memorymodule

import (
	"errors"
	"strconv"
)

// Load failures. A failed load never leaves memory or dependencies behind.
var (
	ErrMalformedImage         = errors.New("malformed image")
	ErrUnsupportedMachine     = errors.New("unsupported machine")
	ErrUnsupportedRelocation  = errors.New("unsupported relocation")
	ErrAllocationFailed       = errors.New("allocation failed")
	ErrDependencyResolution   = errors.New("dependency resolution failed")
	ErrSymbolResolution       = errors.New("symbol resolution failed")
	ErrInitializationDeclined = errors.New("initialization declined")
	ErrProtectionFailed       = errors.New("protection failed")
)

var (
	ErrProcNotFound     = errors.New("proc not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrNotSupported     = errors.New("not supported on this platform")
	ErrNotExecutable    = errors.New("module has no runnable entry point")
	ErrFreed            = errors.New("module already freed")
)

// ExitError carries the exit code of an executable's entry point.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "process exited with code " + strconv.Itoa(e.Code)
}
