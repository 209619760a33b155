// Package shim interposes on the C allocator entry points.
//
// Each entry point asks the sampler whether to observe the request: the
// overwhelmingly common answer is no, and the call falls through to the
// base allocator with one subtraction and one predictable branch of
// overhead. Sampled requests divert to the tracking allocator and fire
// a probe; free and realloc recognize tracked pointers through the
// constant-time membership test before routing.
//
// The entry points are exported both as a Go API over unsafe.Pointer,
// for programs that manage memory manually, and as the C symbols
// malloc, calloc, realloc and free through the c-shared build under
// cmd/libpoireau.
package shim

import (
	"sync"
	"unsafe"

	"github.com/backtrace-labs/poireau/internal/arith"
	"github.com/backtrace-labs/poireau/pkg/probe"
	"github.com/backtrace-labs/poireau/pkg/sample"
	"github.com/backtrace-labs/poireau/pkg/tracked"
)

// statePool is the Go rendition of per-thread sampler state: a state is
// owned exclusively while checked out, and the per-P pool keeps the
// fast path contention-free. The Poisson process is memoryless, so a
// countdown is equally valid in whichever goroutine picks it up next.
var statePool = sync.Pool{New: func() interface{} { return new(sample.State) }}

// Malloc services an allocation request.
func Malloc(request uintptr) unsafe.Pointer {
	state := statePool.Get().(*sample.State)
	if !state.SampleRequest(uint64(request)) {
		statePool.Put(state)
		return baseMallocCall(request)
	}

	ptr := sampledMalloc(state, request)
	statePool.Put(state)
	return ptr
}

//go:noinline
func sampledMalloc(state *sample.State, request uintptr) unsafe.Pointer {
	// A reset that seeded the state re-decides against the fresh
	// countdown: the request is only sampled if it would have been
	// under steady state.
	for state.ResetCountdown() {
		if !state.SampleRequest(uint64(request)) {
			return baseMallocCall(request)
		}
	}

	ptr, id := tracked.Get(request)
	probe.Malloc(id, uintptr(ptr), request)
	return ptr
}

// Calloc services a zeroed array allocation request.
func Calloc(num, size uintptr) unsafe.Pointer {
	request, overflow := arith.Mul(num, size)

	state := statePool.Get().(*sample.State)
	if overflow || state.SampleRequest(uint64(request)) {
		ptr := sampledCalloc(state, num, size)
		statePool.Put(state)
		return ptr
	}
	statePool.Put(state)

	return baseCallocCall(1, request)
}

//go:noinline
func sampledCalloc(state *sample.State, num, size uintptr) unsafe.Pointer {
	request, overflow := arith.Mul(num, size)

	for state.ResetCountdown() {
		if overflow {
			// Overflow reports failure regardless of the countdown.
			break
		}
		if !state.SampleRequest(uint64(request)) {
			return baseCallocCall(1, request)
		}
	}

	if overflow {
		probe.CallocOverflow(num, size)
		return nil
	}

	// Tracked mappings are zero-filled by the kernel.
	ptr, id := tracked.Get(request)
	probe.Calloc(num, size, id, uintptr(ptr), request)
	return ptr
}

// Realloc resizes ptr to request bytes, moving the allocation between
// the base and tracking allocators as the sampler dictates.
func Realloc(ptr unsafe.Pointer, request uintptr) unsafe.Pointer {
	state := statePool.Get().(*sample.State)
	if state.SampleRequest(uint64(request)) {
		ret := sampledRealloc(state, ptr, request)
		statePool.Put(state)
		return ret
	}
	statePool.Put(state)

	if tracked.IsTracked(ptr) {
		return sampledReallocToRegular(ptr, request)
	}

	return baseReallocCall(ptr, request)
}

//go:noinline
func sampledRealloc(state *sample.State, ptr unsafe.Pointer, request uintptr) unsafe.Pointer {
	for state.ResetCountdown() {
		if !state.SampleRequest(uint64(request)) {
			// Re-decided against sampling: route the way the
			// public entry point would have.
			if tracked.IsTracked(ptr) {
				return sampledReallocToRegular(ptr, request)
			}
			return baseReallocCall(ptr, request)
		}
	}

	if ptr == nil {
		return sampledMalloc(state, request)
	}

	if tracked.IsTracked(ptr) {
		return sampledReallocFromTracked(ptr, request)
	}

	// malloc_usable_size should only be used for debugging or
	// introspection: it can return garbage, e.g. when glibc's malloc
	// debugger is enabled. Its value only feeds the probe; the copy
	// itself goes through the fault-safe path.
	oldSize := usableSize(ptr)
	ret, id := tracked.Get(request)
	probe.Realloc(uintptr(ptr), oldSize, id, uintptr(ret), request)
	if ret == nil {
		return nil
	}
	safeCopy(ret, ptr, request)
	baseFreeCall(ptr)
	return ret
}

//go:noinline
func sampledReallocFromTracked(ptr unsafe.Pointer, request uintptr) unsafe.Pointer {
	info := tracked.Stat(ptr)
	ret, newID := tracked.Get(request)
	probe.ReallocFromTracked(info.ID, uintptr(ptr), info.Size, newID, uintptr(ret), request)
	if ret == nil {
		return nil
	}

	copyN(ret, ptr, min(info.Size, request))
	tracked.Put(ptr)
	return ret
}

//go:noinline
func sampledReallocToRegular(ptr unsafe.Pointer, request uintptr) unsafe.Pointer {
	info := tracked.Stat(ptr)
	ret := Malloc(request)
	probe.ReallocToRegular(info.ID, uintptr(ptr), info.Size, uintptr(ret), request)
	if ret == nil {
		return nil
	}

	copyN(ret, ptr, min(info.Size, request))
	tracked.Put(ptr)
	return ret
}

// Free releases ptr to whichever allocator owns it.
func Free(ptr unsafe.Pointer) {
	if tracked.IsTracked(ptr) {
		sampledFree(ptr)
		return
	}

	baseFreeCall(ptr)
}

//go:noinline
func sampledFree(ptr unsafe.Pointer) {
	info := tracked.Stat(ptr)
	probe.Free(info.ID, uintptr(ptr), info.Size)
	tracked.Put(ptr)
}

func copyN(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
