package mlibrary

import "syscall"

// Call executes the procedure with the given arguments. The returned
// error is always non-nil, as with windows.Proc.Call.
//
//go:uintptrescapes
func (p *Proc) Call(a ...uintptr) (r1, r2 uintptr, lastErr error) {
	r1, r2, errno := syscall.SyscallN(p.Addr(), a...)
	return r1, r2, errno
}
