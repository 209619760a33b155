package simulate_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backtrace-labs/poireau/pkg/cmd/simulate"
)

func TestSimulateValidation(t *testing.T) {
	valid := simulate.Config{Period: 1024, Workers: 1, Requests: 1, Size: 1}

	for name, mutate := range map[string]func(*simulate.Config){
		"zero period":     func(c *simulate.Config) { c.Period = 0 },
		"negative period": func(c *simulate.Config) { c.Period = -1 },
		"no workers":      func(c *simulate.Config) { c.Workers = 0 },
		"no requests":     func(c *simulate.Config) { c.Requests = 0 },
		"zero size":       func(c *simulate.Config) { c.Size = 0 },
	} {
		cfg := valid
		mutate(&cfg)
		_, err := simulate.Simulate(context.Background(), cfg)
		require.Error(t, err, name)
	}

	for _, sentinel := range []struct {
		mutate func(*simulate.Config)
		want   error
	}{
		{func(c *simulate.Config) { c.Period = 0 }, simulate.ErrInvalidPeriod},
		{func(c *simulate.Config) { c.Workers = 0 }, simulate.ErrNoWorkers},
		{func(c *simulate.Config) { c.Requests = 0 }, simulate.ErrNoRequests},
		{func(c *simulate.Config) { c.Size = 0 }, simulate.ErrZeroSize},
	} {
		cfg := valid
		sentinel.mutate(&cfg)
		_, err := simulate.Simulate(context.Background(), cfg)
		require.ErrorIs(t, err, sentinel.want)
	}
}

func TestSimulateMatchesPoissonExpectation(t *testing.T) {
	cfg := simulate.Config{
		Period:   1 << 15,
		Workers:  4,
		Requests: 250_000,
		Size:     1024,
	}

	result, err := simulate.Simulate(context.Background(), cfg)
	require.NoError(t, err)

	require.Equal(t, cfg.Workers, result.Workers)
	require.Equal(t, float64(4*250_000*1024), result.TotalBytes)

	// ~31250 samples expected, Poisson distributed.
	require.InDelta(t, result.ExpectedSamples, float64(result.Samples),
		6*math.Sqrt(result.ExpectedSamples))

	// Inter-sample gaps are Exponential(period), quantized up to the
	// request granularity.
	require.Greater(t, result.MeanGap, cfg.Period*0.9)
	require.Less(t, result.MeanGap, cfg.Period*1.1)
	require.Greater(t, result.GapP99, result.MeanGap)
}

func TestSimulateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := simulate.Simulate(ctx, simulate.Config{
		Period:   1 << 20,
		Workers:  2,
		Requests: 10_000_000,
		Size:     64,
	})
	require.ErrorIs(t, err, context.Canceled)
}
