package shim

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/backtrace-labs/poireau/pkg/probe"
	"github.com/backtrace-labs/poireau/pkg/sample"
	"github.com/backtrace-labs/poireau/pkg/tracked"
)

// resetSampler pins the sampling period and discards pooled states, so
// every decision in the test starts from a fresh countdown.
func resetSampler(period float64) {
	sample.SetPeriod(period)
	statePool = sync.Pool{New: func() interface{} { return new(sample.State) }}
}

func installRecorder(t *testing.T) *probe.Recorder {
	t.Helper()
	rec := new(probe.Recorder)
	prev := probe.SetSink(rec)
	t.Cleanup(func() { probe.SetSink(prev) })
	return rec
}

// trackedAlloc drives Malloc until the sampler picks a request, and
// frees the unsampled ones. With a one-byte period nearly every
// allocation is picked on the first try.
func trackedAlloc(t *testing.T, request uintptr) unsafe.Pointer {
	t.Helper()
	for i := 0; i < 100; i++ {
		ptr := Malloc(request)
		require.NotNil(t, ptr)
		if tracked.IsTracked(ptr) {
			return ptr
		}
		Free(ptr)
	}
	t.Fatal("no allocation sampled in 100 attempts at period 1")
	return nil
}

func bytesOf(ptr unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

func TestMallocRoundTrip(t *testing.T) {
	resetSampler(1)
	rec := installRecorder(t)

	ptr := trackedAlloc(t, 8)
	id := tracked.Stat(ptr).ID

	mallocs := rec.Events("malloc")
	require.NotEmpty(t, mallocs)
	last := mallocs[len(mallocs)-1]
	require.Equal(t, probe.Event{Name: "malloc", Args: []uint64{id, uint64(uintptr(ptr)), 8}}, last)

	rec.Reset()
	Free(ptr)

	frees := rec.Events("free")
	require.Len(t, frees, 1)
	require.Equal(t, []uint64{id, uint64(uintptr(ptr)), 8}, frees[0].Args)
	require.False(t, tracked.IsTracked(ptr))
}

func TestMallocNotSampledUsesBase(t *testing.T) {
	resetSampler(1e18)
	rec := installRecorder(t)

	for i := 0; i < 1000; i++ {
		ptr := Malloc(64)
		require.NotNil(t, ptr)
		require.False(t, tracked.IsTracked(ptr))

		// The base allocation must be usable as-is.
		buf := bytesOf(ptr, 64)
		buf[0] = 0x42
		buf[63] = 0x24

		Free(ptr)
	}

	require.Empty(t, rec.All(), "no probes may fire when sampling never triggers")
}

func TestMallocZeroBytes(t *testing.T) {
	// A zero-byte request can only trigger the sampler against an
	// already exhausted countdown, and the reset that follows always
	// rearms it, so malloc(0) reaches the base allocator.
	resetSampler(1)
	installRecorder(t)

	ptr := Malloc(0)
	require.False(t, tracked.IsTracked(ptr))
	require.NotPanics(t, func() { Free(ptr) })
}

func TestCallocSampled(t *testing.T) {
	resetSampler(1)
	rec := installRecorder(t)

	var ptr unsafe.Pointer
	for i := 0; i < 100 && ptr == nil; i++ {
		p := Calloc(4, 256)
		require.NotNil(t, p)
		if tracked.IsTracked(p) {
			ptr = p
		} else {
			Free(p)
		}
	}
	require.NotNil(t, ptr, "no calloc sampled in 100 attempts at period 1")

	for i, b := range bytesOf(ptr, 1024) {
		require.Zero(t, b, "byte %d not zeroed", i)
	}

	id := tracked.Stat(ptr).ID
	callocs := rec.Events("calloc")
	require.NotEmpty(t, callocs)
	last := callocs[len(callocs)-1]
	require.Equal(t, []uint64{4, 256, id, uint64(uintptr(ptr)), 1024}, last.Args)

	Free(ptr)
}

func TestCallocOverflow(t *testing.T) {
	resetSampler(1 << 25)
	rec := installRecorder(t)

	ptr := Calloc(^uintptr(0), 2)
	require.Nil(t, ptr)

	overflows := rec.Events("calloc_overflow")
	require.Len(t, overflows, 1)
	require.Equal(t, []uint64{^uint64(0), 2}, overflows[0].Args)
	require.Empty(t, rec.Events("calloc"))
}

func TestReallocNilIsMalloc(t *testing.T) {
	resetSampler(1)
	rec := installRecorder(t)

	var ptr unsafe.Pointer
	for i := 0; i < 100 && ptr == nil; i++ {
		p := Realloc(nil, 512)
		require.NotNil(t, p)
		if tracked.IsTracked(p) {
			ptr = p
		} else {
			Free(p)
		}
	}
	require.NotNil(t, ptr)
	require.NotEmpty(t, rec.Events("malloc"))

	Free(ptr)
}

func TestReallocFromTracked(t *testing.T) {
	resetSampler(1)
	rec := installRecorder(t)

	ptr := trackedAlloc(t, 1024)
	oldID := tracked.Stat(ptr).ID
	buf := bytesOf(ptr, 1024)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	rec.Reset()
	next := Realloc(ptr, 4096)
	require.NotNil(t, next)
	require.True(t, tracked.IsTracked(next))
	require.False(t, tracked.IsTracked(ptr))

	newInfo := tracked.Stat(next)
	require.Equal(t, uintptr(4096), newInfo.Size)
	require.Greater(t, newInfo.ID, oldID)

	moved := bytesOf(next, 1024)
	for i := range moved {
		require.Equal(t, byte(i%251), moved[i], "byte %d lost in realloc", i)
	}

	events := rec.Events("realloc_from_tracked")
	require.Len(t, events, 1)
	require.Equal(t,
		[]uint64{oldID, uint64(uintptr(ptr)), 1024, newInfo.ID, uint64(uintptr(next)), 4096},
		events[0].Args)

	Free(next)
}

func TestReallocToRegular(t *testing.T) {
	resetSampler(1)
	installRecorder(t)

	ptr := trackedAlloc(t, 2048)
	oldID := tracked.Stat(ptr).ID
	buf := bytesOf(ptr, 2048)
	for i := range buf {
		buf[i] = byte(i % 199)
	}

	// Disarm the sampler: the next decision re-runs against a fresh
	// countdown drawn at 10^18 bytes and hands the block back to the
	// base allocator.
	resetSampler(1e18)
	rec := installRecorder(t)

	next := Realloc(ptr, 1024)
	require.NotNil(t, next)
	require.False(t, tracked.IsTracked(next))
	require.False(t, tracked.IsTracked(ptr))

	moved := bytesOf(next, 1024)
	for i := range moved {
		require.Equal(t, byte(i%199), moved[i])
	}

	events := rec.Events("realloc_to_regular")
	require.Len(t, events, 1)
	require.Equal(t,
		[]uint64{oldID, uint64(uintptr(ptr)), 2048, uint64(uintptr(next)), 1024},
		events[0].Args)

	Free(next)
}

func TestReallocFromBaseCopiesSafely(t *testing.T) {
	resetSampler(1e18)
	ptr := Malloc(64)
	require.NotNil(t, ptr)
	require.False(t, tracked.IsTracked(ptr))
	buf := bytesOf(ptr, 64)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	resetSampler(1)
	rec := installRecorder(t)

	next := Realloc(ptr, 256)
	require.NotNil(t, next)
	require.True(t, tracked.IsTracked(next))

	moved := bytesOf(next, 64)
	for i := range moved {
		require.Equal(t, byte(i+1), moved[i])
	}

	events := rec.Events("realloc")
	require.Len(t, events, 1)
	require.Equal(t, uint64(uintptr(ptr)), events[0].Args[0])
	require.Equal(t, tracked.Stat(next).ID, events[0].Args[2])
	require.Equal(t, uint64(uintptr(next)), events[0].Args[3])
	require.Equal(t, uint64(256), events[0].Args[4])

	Free(next)
}

func TestFreeNil(t *testing.T) {
	resetSampler(1e18)
	require.NotPanics(t, func() { Free(nil) })
}

func TestConcurrentMixedTraffic(t *testing.T) {
	resetSampler(1 << 12)
	installRecorder(t)

	var group errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		group.Go(func() error {
			for i := 0; i < 200; i++ {
				size := uintptr(16 + (i+w)%1024)
				ptr := Malloc(size)
				if ptr == nil {
					continue
				}
				bytesOf(ptr, size)[0] = byte(i)

				ptr = Realloc(ptr, size*2)
				if ptr == nil {
					continue
				}
				Free(ptr)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}
