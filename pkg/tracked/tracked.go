// Package tracked serves sampled allocations from fresh anonymous
// mappings and remembers them in an address-indexed table, so that the
// free fast path can recognize its own pointers in constant time.
//
// Allocating a tracked object is a rare event; the design optimizes for
// quickly determining that a pointer is *not* tracked. Every tracked
// allocation is aligned to TrackingAlignment: a misaligned pointer is
// definitely not tracked, and an aligned one is resolved with a single
// table load.
package tracked

import (
	"sync/atomic"
	"unsafe"
)

const (
	// AddressSpaceMax bounds the usable virtual address range. Up
	// this if we ever opt into 5-level page tables.
	AddressSpaceMax = 1 << 47

	// TrackingAlignment is the alignment of every tracked
	// allocation: 1 GiB trades a one-in-four-billion false-positive
	// rate in the is-tracked filter against table size.
	TrackingAlignment = 1 << 30

	tableEntries = AddressSpaceMax / TrackingAlignment
)

// Info describes a live tracked allocation.
type Info struct {
	ID   uint64
	Size uintptr
}

// allocIDCounter issues monotonic allocation ids, starting at 1. Id 0
// means "not a live tracked allocation".
var allocIDCounter atomic.Uint64

// allocTable maps address/TrackingAlignment to the base address of the
// live tracked allocation occupying that slot, or 0. infoTable is the
// parallel {id, size} array. Both are accessed only through per-slot
// atomics; the kernel's serialization of mmap/munmap guarantees that no
// two live allocations ever contend for the same slot.
var (
	allocTable [tableEntries]uintptr
	infoTable  [tableEntries]allocInfo
)

type allocInfo struct {
	id   uint64
	size uint64
}

// IsTracked reports whether ptr is a live tracked allocation.
func IsTracked(ptr unsafe.Pointer) bool {
	bits := uintptr(ptr)

	// Skip even reading the table in the common case.
	if bits%TrackingAlignment != 0 {
		return false
	}
	if ptr == nil || bits >= AddressSpaceMax {
		return false
	}

	return bits == atomic.LoadUintptr(&allocTable[bits/TrackingAlignment])
}

// Get returns a fresh tracked allocation of at least request bytes and
// its allocation id. The region is always zero-filled. A zero id
// signals failure; when the mmap call itself failed, the mmap_failed
// probe has already fired. A request larger than math.MaxInt64 fails
// without firing any probe.
func Get(request uintptr) (unsafe.Pointer, uint64) {
	id := allocIDCounter.Add(1)
	alloc := alignedMmap(id, request, TrackingAlignment)
	if alloc == 0 {
		return nil, 0
	}

	index := alloc / TrackingAlignment
	atomic.StoreUint64(&infoTable[index].id, id)
	atomic.StoreUint64(&infoTable[index].size, uint64(request))
	if prev := atomic.SwapUintptr(&allocTable[index], alloc); prev != 0 {
		panic("poireau: tracked slot already occupied: heap corruption")
	}

	return unsafe.Pointer(alloc), id
}

// Stat returns the id and size of a live tracked allocation. Passing a
// pointer that is not a live tracked allocation is heap corruption (a
// double or invalid free) and panics.
func Stat(ptr unsafe.Pointer) Info {
	bits := uintptr(ptr)
	index := bits / TrackingAlignment

	if atomic.LoadUintptr(&allocTable[index]) != bits {
		panic("poireau: pointer is not a live tracked allocation: double or invalid free")
	}

	return Info{
		ID:   atomic.LoadUint64(&infoTable[index].id),
		Size: uintptr(atomic.LoadUint64(&infoTable[index].size)),
	}
}

// Resize shrinks ptr's mapping by unmapping trailing pages, or attempts
// to grow it in place. The pointer never changes. Resize reports
// whether the allocation now has the requested size; on a failed grow
// the allocation is left untouched.
func Resize(ptr unsafe.Pointer, request uintptr) bool {
	begin := uintptr(ptr)
	index := begin / TrackingAlignment

	info := Stat(ptr)
	if request == info.Size {
		return true
	}

	var resized bool
	if request < info.Size {
		shrinkMapping(begin, info.Size, request)
		resized = true
	} else {
		resized = growMapping(begin, info.Size, request)
	}

	if resized {
		atomic.StoreUint64(&infoTable[index].size, uint64(request))
	}

	return resized
}

// Put releases a live tracked allocation: the id is cleared first, so a
// zero id is the single atomic signal of "no longer live", then the
// table entry, then the mapping. We mmap before publishing to the
// tables and munmap after clearing them, so the kernel's own mutual
// exclusion covers the slot handoff.
func Put(ptr unsafe.Pointer) {
	begin := uintptr(ptr)
	index := begin / TrackingAlignment

	info := Stat(ptr)
	if info.ID == 0 {
		panic("poireau: freeing a dead tracked allocation: double or invalid free")
	}

	atomic.StoreUint64(&infoTable[index].id, 0)
	atomic.StoreUint64(&infoTable[index].size, 0)
	if prev := atomic.SwapUintptr(&allocTable[index], 0); prev != begin {
		panic("poireau: tracked slot changed during free: heap corruption")
	}

	alignedMunmap(begin, info.Size)
}
