//go:build !windows

package memorymodule

func threadLanguage() WORD { return DEFAULT_LANGUAGE }
