package memorymodule

import "golang.org/x/exp/constraints"

func AlignValueDown[T constraints.Unsigned](value, alignment T) T {
	return value & ^(alignment - 1)
}

func AlignValueUp[T constraints.Unsigned](value, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

func CheckSize[T constraints.Unsigned](size, expected T) bool {
	return size >= expected
}
