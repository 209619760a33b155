package shim

/*
#cgo CFLAGS: -D_GNU_SOURCE
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <malloc.h>
#include <stddef.h>

// The lookup order matters: free and realloc are resolved first, so an
// allocation made while dlsym itself runs is never handed to the real
// malloc before free is wired up.
static void
poireau_resolve_base(void **free_fn, void **realloc_fn, void **malloc_fn,
    void **calloc_fn)
{
	*free_fn = dlsym(RTLD_NEXT, "free");
	*realloc_fn = dlsym(RTLD_NEXT, "realloc");
	*malloc_fn = dlsym(RTLD_NEXT, "malloc");
	*calloc_fn = dlsym(RTLD_NEXT, "calloc");
}

// The started flag lives in C thread-local storage so reentrant calls
// on the bootstrapping thread are recognized even when they arrive as
// fresh cgo callbacks.
static __thread unsigned char poireau_bootstrap_started;

static unsigned char
poireau_bootstrap_started_get(void)
{
	return poireau_bootstrap_started;
}

static void
poireau_bootstrap_started_set(void)
{
	poireau_bootstrap_started = 1;
}

static void *
poireau_call_malloc(void *fn, size_t request)
{
	return ((void *(*)(size_t))fn)(request);
}

static void *
poireau_call_calloc(void *fn, size_t num, size_t size)
{
	return ((void *(*)(size_t, size_t))fn)(num, size);
}

static void *
poireau_call_realloc(void *fn, void *ptr, size_t request)
{
	return ((void *(*)(void *, size_t))fn)(ptr, request);
}

static void
poireau_call_free(void *fn, void *ptr)
{
	((void (*)(void *))fn)(ptr);
}

static size_t
poireau_usable_size(void *ptr)
{
	return malloc_usable_size(ptr);
}
*/
import "C"

import (
	"sync/atomic"
	"unsafe"
)

// The base allocator entry points, discovered lazily through the
// dynamic linker. A zero pointer routes to the dummy implementations
// below until discovery completes.
var (
	baseFree    atomic.Uintptr
	baseRealloc atomic.Uintptr
	baseMalloc  atomic.Uintptr
	baseCalloc  atomic.Uintptr

	bootstrapDone atomic.Uint32
)

// initShim resolves the base allocator and reports whether the four
// pointers are usable.
//
// glibc's dlsym may allocate, but has a fallback path when allocation
// fails; calls arriving while discovery runs are absorbed by the dummy
// implementations. All of the setup is idempotent, so concurrent or
// repeated initialization is fine as long as no thread recurses
// forever: the process-global done flag short-circuits late arrivals,
// and the per-thread started flag stops the bootstrapping thread's own
// reentrant calls.
//
//go:noinline
func initShim() bool {
	if bootstrapDone.Load() != 0 || C.poireau_bootstrap_started_get() != 0 {
		return bootstrapDone.Load() != 0
	}
	C.poireau_bootstrap_started_set()

	var freeFn, reallocFn, mallocFn, callocFn unsafe.Pointer
	C.poireau_resolve_base(&freeFn, &reallocFn, &mallocFn, &callocFn)

	baseFree.Store(uintptr(freeFn))
	baseRealloc.Store(uintptr(reallocFn))
	baseMalloc.Store(uintptr(mallocFn))
	baseCalloc.Store(uintptr(callocFn))

	bootstrapDone.Store(1)
	return true
}

func baseMallocCall(request uintptr) unsafe.Pointer {
	fn := baseMalloc.Load()
	if fn == 0 {
		return dummyMalloc(request)
	}
	return C.poireau_call_malloc(unsafe.Pointer(fn), C.size_t(request))
}

func baseCallocCall(num, size uintptr) unsafe.Pointer {
	fn := baseCalloc.Load()
	if fn == 0 {
		return dummyCalloc(num, size)
	}
	return C.poireau_call_calloc(unsafe.Pointer(fn), C.size_t(num), C.size_t(size))
}

func baseReallocCall(ptr unsafe.Pointer, request uintptr) unsafe.Pointer {
	fn := baseRealloc.Load()
	if fn == 0 {
		return dummyRealloc(ptr, request)
	}
	return C.poireau_call_realloc(unsafe.Pointer(fn), ptr, C.size_t(request))
}

func baseFreeCall(ptr unsafe.Pointer) {
	fn := baseFree.Load()
	if fn == 0 {
		dummyFree(ptr)
		return
	}
	C.poireau_call_free(unsafe.Pointer(fn), ptr)
}

func usableSize(ptr unsafe.Pointer) uintptr {
	return uintptr(C.poireau_usable_size(ptr))
}

// The dummies run while the base pointers are still null. Once
// discovery completes they reenter the public entry points, which now
// route to the real allocator; a reentrant call during discovery gets
// the safe no-op instead (a null allocation, an ignored free).

//go:noinline
func dummyMalloc(request uintptr) unsafe.Pointer {
	if initShim() {
		return Malloc(request)
	}
	return nil
}

//go:noinline
func dummyCalloc(num, size uintptr) unsafe.Pointer {
	if initShim() {
		return Calloc(num, size)
	}
	return nil
}

//go:noinline
func dummyRealloc(ptr unsafe.Pointer, request uintptr) unsafe.Pointer {
	if initShim() {
		return Realloc(ptr, request)
	}
	return nil
}

//go:noinline
func dummyFree(ptr unsafe.Pointer) {
	if initShim() {
		Free(ptr)
	}
}
