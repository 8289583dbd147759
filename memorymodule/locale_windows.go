//go:build windows

package memorymodule

import "github.com/lxn/win"

// threadLanguage is the language of the calling thread's locale.
func threadLanguage() WORD {
	return LANGIDFROMLCID(uint32(win.GetThreadLocale()))
}
