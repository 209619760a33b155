package probe

import (
	"os"
	"sync/atomic"

	"github.com/mmcshane/salp"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/backtrace-labs/poireau/internal/settings"
)

// Sink receives probe events. The package installs a USDT-backed sink at
// load time; tests swap in a recorder.
type Sink interface {
	Malloc(id uint64, ptr, size uintptr)
	Calloc(num, size uintptr, id uint64, ptr, roundedSize uintptr)
	CallocOverflow(num, size uintptr)
	Realloc(oldPtr, oldSize uintptr, newID uint64, newPtr, newSize uintptr)
	ReallocFromTracked(oldID uint64, oldPtr, oldSize uintptr, newID uint64, newPtr, newSize uintptr)
	ReallocToRegular(oldID uint64, oldPtr, oldSize uintptr, newPtr, newSize uintptr)
	Free(id uint64, ptr, size uintptr)
	MmapFailed(size, alignment, paddedSize uintptr, errno int)
}

var current atomic.Pointer[Sink]

// SetSink installs s as the destination for subsequent probe events and
// returns the sink it replaced.
func SetSink(s Sink) Sink {
	prev := current.Swap(&s)
	return *prev
}

func get() Sink {
	return *current.Load()
}

// Probe emission must be best effort: a missing libstapsdt or an
// unwritable memfd must not take the target process down with it.
func init() {
	var sink Sink
	usdt, err := newUSDTSink()
	if err != nil {
		if os.Getenv(settings.QuietEnvVar) == "" {
			logger := log.New(os.Stderr)
			logger.Warn().
				Err(err).
				Msgf("%s: USDT probes unavailable; sampled events will not be traceable", settings.CmdName)
		}
		sink = nopSink{}
	} else {
		sink = usdt
	}
	current.Store(&sink)
}

// nopSink swallows every event.
type nopSink struct{}

func (nopSink) Malloc(uint64, uintptr, uintptr)                                       {}
func (nopSink) Calloc(uintptr, uintptr, uint64, uintptr, uintptr)                     {}
func (nopSink) CallocOverflow(uintptr, uintptr)                                       {}
func (nopSink) Realloc(uintptr, uintptr, uint64, uintptr, uintptr)                    {}
func (nopSink) ReallocFromTracked(uint64, uintptr, uintptr, uint64, uintptr, uintptr) {}
func (nopSink) ReallocToRegular(uint64, uintptr, uintptr, uintptr, uintptr)           {}
func (nopSink) Free(uint64, uintptr, uintptr)                                         {}
func (nopSink) MmapFailed(uintptr, uintptr, uintptr, int)                             {}

// usdtSink fires one libstapsdt probe per event through salp.
type usdtSink struct {
	provider *salp.Provider

	malloc             *salp.Probe
	calloc             *salp.Probe
	callocOverflow     *salp.Probe
	realloc            *salp.Probe
	reallocFromTracked *salp.Probe
	reallocToRegular   *salp.Probe
	free               *salp.Probe
	mmapFailed         *salp.Probe
}

func newUSDTSink() (*usdtSink, error) {
	provider := salp.NewProvider(settings.ProviderName)

	sink := &usdtSink{
		provider: provider,
		malloc: salp.MustAddProbe(provider, "malloc",
			salp.Uint64, salp.Uint64, salp.Uint64),
		calloc: salp.MustAddProbe(provider, "calloc",
			salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64),
		callocOverflow: salp.MustAddProbe(provider, "calloc_overflow",
			salp.Uint64, salp.Uint64),
		realloc: salp.MustAddProbe(provider, "realloc",
			salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64),
		reallocFromTracked: salp.MustAddProbe(provider, "realloc_from_tracked",
			salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64),
		reallocToRegular: salp.MustAddProbe(provider, "realloc_to_regular",
			salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64, salp.Uint64),
		free: salp.MustAddProbe(provider, "free",
			salp.Uint64, salp.Uint64, salp.Uint64),
		mmapFailed: salp.MustAddProbe(provider, "mmap_failed",
			salp.Uint64, salp.Uint64, salp.Uint64, salp.Int64),
	}

	if err := provider.Load(); err != nil {
		salp.UnloadAndDispose(provider)
		return nil, errors.Wrapf(err, "failed to load USDT provider %s", settings.ProviderName)
	}

	return sink, nil
}

func (s *usdtSink) Malloc(id uint64, ptr, size uintptr) {
	s.malloc.Fire(id, uint64(ptr), uint64(size))
}

func (s *usdtSink) Calloc(num, size uintptr, id uint64, ptr, roundedSize uintptr) {
	s.calloc.Fire(uint64(num), uint64(size), id, uint64(ptr), uint64(roundedSize))
}

func (s *usdtSink) CallocOverflow(num, size uintptr) {
	s.callocOverflow.Fire(uint64(num), uint64(size))
}

func (s *usdtSink) Realloc(oldPtr, oldSize uintptr, newID uint64, newPtr, newSize uintptr) {
	s.realloc.Fire(uint64(oldPtr), uint64(oldSize), newID, uint64(newPtr), uint64(newSize))
}

func (s *usdtSink) ReallocFromTracked(oldID uint64, oldPtr, oldSize uintptr, newID uint64, newPtr, newSize uintptr) {
	s.reallocFromTracked.Fire(oldID, uint64(oldPtr), uint64(oldSize), newID, uint64(newPtr), uint64(newSize))
}

func (s *usdtSink) ReallocToRegular(oldID uint64, oldPtr, oldSize uintptr, newPtr, newSize uintptr) {
	s.reallocToRegular.Fire(oldID, uint64(oldPtr), uint64(oldSize), uint64(newPtr), uint64(newSize))
}

func (s *usdtSink) Free(id uint64, ptr, size uintptr) {
	s.free.Fire(id, uint64(ptr), uint64(size))
}

func (s *usdtSink) MmapFailed(size, alignment, paddedSize uintptr, errno int) {
	s.mmapFailed.Fire(uint64(size), uint64(alignment), uint64(paddedSize), int64(errno))
}
