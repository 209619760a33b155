package shim

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/backtrace-labs/poireau/internal/arith"
)

// safeCopyChunk copies up to request bytes through process_vm_readv on
// the current process and returns the number of bytes the kernel
// actually copied; a failed read (e.g. an unmapped first page) counts
// as zero.
func safeCopyChunk(pid int, dst, src unsafe.Pointer, request uintptr) uintptr {
	local := []unix.Iovec{{Base: (*byte)(dst)}}
	local[0].SetLen(int(request))
	remote := []unix.Iovec{{Base: (*byte)(src)}}
	remote[0].SetLen(int(request))

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil || n < 0 {
		return 0
	}
	return uintptr(n)
}

// safeCopy copies request bytes from src to dst without trusting src's
// length: the base allocator's record of a block's true size is
// unreliable, so src might stop being readable partway through. The
// kernel-mediated copy reports partial progress instead of faulting;
// the copy stops at the first short chunk and leaves the rest of dst
// untouched (zero-filled, for a fresh tracked mapping).
//
// Strategy: attempt one large copy; consume whatever it managed; then
// copy one source page at a time, first aligning the source to a page
// boundary, stopping on any partial result.
func safeCopy(dst, src unsafe.Pointer, request uintptr) {
	pid := unix.Getpid()

	n := safeCopyChunk(pid, dst, src, request)
	if n == request {
		return
	}

	dst = unsafe.Add(dst, n)
	src = unsafe.Add(src, n)
	request -= n

	initial := arith.PageSize - uintptr(src)%arith.PageSize
	if initial > request {
		initial = request
	}
	if safeCopyChunk(pid, dst, src, initial) != initial {
		return
	}

	copied := initial
	for copied < request {
		copySize := min(uintptr(arith.PageSize), request-copied)
		if safeCopyChunk(pid, unsafe.Add(dst, copied), unsafe.Add(src, copied), copySize) != copySize {
			break
		}
		copied += copySize
	}
}
