// The libpoireau shared object. Build it with
//
//	go build -buildmode=c-shared -o libpoireau.so ./cmd/libpoireau
//
// and preload it into the target process:
//
//	LD_PRELOAD=./libpoireau.so ./target
//
// The exported symbols take precedence over the C library's allocation
// entry points in the dynamic linker's resolution order; the shim
// discovers the underlying implementations lazily and routes every
// unsampled call straight to them.
package main

/*
#include <stddef.h>
*/
import "C"

import (
	"unsafe"

	"github.com/backtrace-labs/poireau/pkg/shim"
)

//export malloc
func malloc(request C.size_t) unsafe.Pointer {
	return shim.Malloc(uintptr(request))
}

//export calloc
func calloc(num, size C.size_t) unsafe.Pointer {
	return shim.Calloc(uintptr(num), uintptr(size))
}

//export realloc
func realloc(ptr unsafe.Pointer, request C.size_t) unsafe.Pointer {
	return shim.Realloc(ptr, uintptr(request))
}

//export free
func free(ptr unsafe.Pointer) {
	shim.Free(ptr)
}

func main() {}
