package probe

import "sync"

// Event is one captured probe firing: the probe name and its argument
// tuple, in declaration order. Errno arguments are widened to uint64.
type Event struct {
	Name string
	Args []uint64
}

// Recorder is a Sink that captures events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Sink = (*Recorder)(nil)

func (r *Recorder) record(name string, args ...uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Args: args})
}

// All returns a copy of every captured event, in firing order.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Events returns the captured events with the given probe name.
func (r *Recorder) Events(name string) []Event {
	var matched []Event
	for _, ev := range r.All() {
		if ev.Name == name {
			matched = append(matched, ev)
		}
	}
	return matched
}

// Reset discards every captured event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) Malloc(id uint64, ptr, size uintptr) {
	r.record("malloc", id, uint64(ptr), uint64(size))
}

func (r *Recorder) Calloc(num, size uintptr, id uint64, ptr, roundedSize uintptr) {
	r.record("calloc", uint64(num), uint64(size), id, uint64(ptr), uint64(roundedSize))
}

func (r *Recorder) CallocOverflow(num, size uintptr) {
	r.record("calloc_overflow", uint64(num), uint64(size))
}

func (r *Recorder) Realloc(oldPtr, oldSize uintptr, newID uint64, newPtr, newSize uintptr) {
	r.record("realloc", uint64(oldPtr), uint64(oldSize), newID, uint64(newPtr), uint64(newSize))
}

func (r *Recorder) ReallocFromTracked(oldID uint64, oldPtr, oldSize uintptr, newID uint64, newPtr, newSize uintptr) {
	r.record("realloc_from_tracked", oldID, uint64(oldPtr), uint64(oldSize), newID, uint64(newPtr), uint64(newSize))
}

func (r *Recorder) ReallocToRegular(oldID uint64, oldPtr, oldSize uintptr, newPtr, newSize uintptr) {
	r.record("realloc_to_regular", oldID, uint64(oldPtr), uint64(oldSize), uint64(newPtr), uint64(newSize))
}

func (r *Recorder) Free(id uint64, ptr, size uintptr) {
	r.record("free", id, uint64(ptr), uint64(size))
}

func (r *Recorder) MmapFailed(size, alignment, paddedSize uintptr, errno int) {
	r.record("mmap_failed", uint64(size), uint64(alignment), uint64(paddedSize), uint64(errno))
}
