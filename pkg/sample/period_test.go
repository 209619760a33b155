package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backtrace-labs/poireau/internal/settings"
)

func TestParsePeriodUnset(t *testing.T) {
	period, err := parsePeriod("")
	require.NoError(t, err)
	require.Equal(t, settings.DefaultSamplePeriod, period)
}

func TestParsePeriodValid(t *testing.T) {
	for raw, want := range map[string]float64{
		"1":        1,
		"33554432": 33554432,
		"1e18":     1e18,
		"0.5":      0.5,
	} {
		period, err := parsePeriod(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, period, raw)
	}
}

func TestParsePeriodInvalid(t *testing.T) {
	for _, raw := range []string{
		"abc",
		"12abc",
		"0",
		"-1",
		"inf",
		"-inf",
		"nan",
	} {
		period, err := parsePeriod(raw)
		require.Error(t, err, raw)
		require.Equal(t, settings.DefaultSamplePeriod, period, raw)
	}
}

func TestSetPeriodRoundTrips(t *testing.T) {
	for _, period := range []float64{1, 1024, 1 << 25, 1e18, math.Pi} {
		SetPeriod(period)
		require.Equal(t, period, Period())
	}
}
