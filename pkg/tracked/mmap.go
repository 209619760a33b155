package tracked

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/backtrace-labs/poireau/internal/arith"
	"github.com/backtrace-labs/poireau/pkg/probe"
)

// Allocation ids are multiplied by this constant, modulo the address
// space size, to derive a placement hint for mmap. The hint is
// semantically a no-op; it heuristically keeps consecutive ids from
// reusing the same virtual range, so a stale pointer overwhelmingly
// lands outside any live mapping and faults instead of aliasing.
const (
	mmapLocationMod        = uintptr(1) << 47
	mmapLocationMultiplier = uintptr(17) << 30
)

func mmapHint(id uint64) uintptr {
	return arith.AlignDown(uintptr(id)*mmapLocationMultiplier%mmapLocationMod, arith.PageSize)
}

// mmapRaw wraps the raw mmap syscall: unlike unix.Mmap, it takes a
// placement hint and extra flags, and keeps addresses as uintptr so no
// Go slice ever aliases the mapping.
func mmapRaw(hint, length uintptr, extraFlags int) (uintptr, unix.Errno) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		hint,
		length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|extraFlags),
		^uintptr(0), // fd -1: anonymous
		0)
	return addr, errno
}

func munmapRaw(addr, length uintptr) {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		panic("poireau: munmap failed: heap corruption")
	}
}

// mappedSize is the number of bytes actually mapped for a tracked
// allocation of the given size: whole pages, and at least one, so every
// live table entry has a mapping behind it (a zero-byte request still
// yields a distinct, freeable pointer).
func mappedSize(size uintptr) uintptr {
	if rounded := arith.RoundUpPage(size); rounded != 0 {
		return rounded
	}
	return arith.PageSize
}

// alignedMmap returns a fresh mapping of size bytes (rounded up to
// whole pages), aligned to alignment. It over-allocates by one
// alignment, then unmaps the head and tail slop. Returns 0 on failure:
// a failed mmap fires the mmap_failed probe first, while a size above
// math.MaxInt64 returns 0 without a probe.
func alignedMmap(id uint64, size, alignment uintptr) uintptr {
	roundedSize := mappedSize(size)
	paddedSize := roundedSize + alignment

	if size > math.MaxInt64 {
		return 0
	}

	mapBegin, errno := mmapRaw(mmapHint(id), paddedSize, 0)
	if errno != 0 {
		probe.MmapFailed(size, alignment, paddedSize, int(errno))
		return 0
	}
	mapEnd := mapBegin + paddedSize

	chunkBegin := arith.AlignDown(mapBegin+alignment, alignment)
	if chunkBegin != mapBegin {
		munmapRaw(mapBegin, chunkBegin-mapBegin)
	}

	chunkEnd := chunkBegin + roundedSize
	if chunkEnd != mapEnd {
		munmapRaw(chunkEnd, mapEnd-chunkEnd)
	}

	return chunkBegin
}

func alignedMunmap(begin, size uintptr) {
	if begin%TrackingAlignment != 0 {
		panic("poireau: release of a misaligned tracked pointer")
	}
	munmapRaw(begin, mappedSize(size))
}

func shrinkMapping(begin, current, desired uintptr) {
	end := begin + mappedSize(current)
	desiredEnd := begin + mappedSize(desired)

	if end == desiredEnd {
		return
	}
	munmapRaw(desiredEnd, end-desiredEnd)
}

// growMapping tries to extend the mapping in place with a fixed,
// non-replacing mapping right after the current end page.
//
// MAP_FIXED_NOREPLACE asks the kernel to fail if there isn't enough
// empty space at end: unlike MAP_FIXED, existing mappings are left as
// is. A kernel without the flag may instead hand back a different
// address; that mapping is removed immediately and the grow fails.
// Either way, growMapping only succeeds when the new mapping lands
// exactly at end, and never leaves a stray mapping behind.
func growMapping(begin, current, desired uintptr) bool {
	end := begin + mappedSize(current)
	desiredEnd := begin + mappedSize(desired)

	if end == desiredEnd {
		return true
	}

	ret, errno := mmapRaw(end, desiredEnd-end, unix.MAP_FIXED_NOREPLACE)
	if errno != 0 {
		return false
	}
	if ret != end {
		munmapRaw(ret, desiredEnd-end)
		return false
	}

	return true
}
