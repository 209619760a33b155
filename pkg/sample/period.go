package sample

import (
	"math"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/backtrace-labs/poireau/internal/settings"
)

// samplePeriod holds the float64 bit pattern of the process-wide sampling
// period. Written at load time; afterwards only SetPeriod overwrites it.
var samplePeriod atomic.Uint64

// Period returns the mean number of allocated bytes between samples.
func Period() float64 {
	return math.Float64frombits(samplePeriod.Load())
}

// SetPeriod overrides the sampling period for subsequent countdown
// resets. The preload path configures the period exactly once, from the
// environment, before any interception; SetPeriod exists for tests and
// for Go programs embedding the shim directly.
func SetPeriod(period float64) {
	samplePeriod.Store(math.Float64bits(period))
}

// The period is parsed in an init function rather than lazily (when an
// allocation is observed) because the parsing and logging below are not
// async-signal-safe.
func init() {
	period, err := parsePeriod(os.Getenv(settings.SamplePeriodEnvVar))
	if err != nil && os.Getenv(settings.QuietEnvVar) == "" {
		logger := log.New(os.Stderr)
		logger.Warn().
			Err(err).
			Float64("default", settings.DefaultSamplePeriod).
			Msgf("%s: falling back to the default sample period; set %s to silence this warning",
				settings.CmdName, settings.QuietEnvVar)
	}
	SetPeriod(period)
}

// parsePeriod interprets the sample period environment value. An unset
// value selects the default silently; anything unparseable, non-positive,
// infinite, or NaN selects the default and returns the reason.
func parsePeriod(raw string) (float64, error) {
	if raw == "" {
		return settings.DefaultSamplePeriod, nil
	}

	period, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return settings.DefaultSamplePeriod,
			errors.Wrapf(err, "failed to parse %s=%q", settings.SamplePeriodEnvVar, raw)
	}
	if period <= 0 || math.IsInf(period, 0) || math.IsNaN(period) {
		return settings.DefaultSamplePeriod,
			errors.Errorf("invalid %s=%g", settings.SamplePeriodEnvVar, period)
	}

	return period, nil
}
