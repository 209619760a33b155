// Package simulate implements an offline simulation of the Poisson
// sampler: synthetic allocation streams pushed through real sampler
// states, reported against the configured period. It helps pick a
// sample period for a workload before preloading anything.
package simulate

import (
	"context"
	"math"
	"sync"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/backtrace-labs/poireau/pkg/sample"
)

// Config describes one simulation run.
type Config struct {
	// Period is the mean number of bytes between samples.
	Period float64
	// Workers is the number of concurrent sampler states.
	Workers int
	// Requests is the number of allocation requests per worker.
	Requests uint64
	// Size is the size of each simulated request, in bytes.
	Size uint64
}

// Result aggregates a simulation run.
type Result struct {
	Workers           int     `json:"workers"`
	RequestsPerWorker uint64  `json:"requests_per_worker"`
	BytesPerRequest   uint64  `json:"bytes_per_request"`
	Period            float64 `json:"period_bytes"`
	TotalBytes        float64 `json:"total_bytes"`
	Samples           uint64  `json:"samples"`
	ExpectedSamples   float64 `json:"expected_samples"`
	MeanGap           float64 `json:"mean_gap_bytes"`
	GapStdDev         float64 `json:"gap_stddev_bytes"`
	GapP99            float64 `json:"gap_p99_bytes"`
}

func (c Config) validate() error {
	if c.Period <= 0 || math.IsInf(c.Period, 0) || math.IsNaN(c.Period) {
		return ErrInvalidPeriod
	}
	if c.Workers < 1 {
		return ErrNoWorkers
	}
	if c.Requests < 1 {
		return ErrNoRequests
	}
	if c.Size < 1 {
		return ErrZeroSize
	}

	return nil
}

// sampleOne runs the shim's decision loop on one request: a reset that
// seeded the state re-decides against the fresh countdown.
func sampleOne(state *sample.State, size uint64) bool {
	for {
		if !state.SampleRequest(size) {
			return false
		}
		if !state.ResetCountdown() {
			return true
		}
	}
}

// Simulate pushes Workers independent allocation streams through the
// sampler and aggregates sample counts and inter-sample gaps.
//
// Simulate installs cfg.Period as the process-wide sampling period; the
// previous period is not restored when the run ends.
func Simulate(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sample.SetPeriod(cfg.Period)

	var (
		mu   sync.Mutex
		gaps []float64
	)

	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		group.Go(func() error {
			var (
				state     sample.State
				sinceLast uint64
				local     []float64
			)
			for i := uint64(0); i < cfg.Requests; i++ {
				if i&0xffff == 0 && ctx.Err() != nil {
					return ctx.Err()
				}

				sinceLast += cfg.Size
				if sampleOne(&state, cfg.Size) {
					local = append(local, float64(sinceLast))
					sinceLast = 0
				}
			}

			mu.Lock()
			gaps = append(gaps, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		Workers:           cfg.Workers,
		RequestsPerWorker: cfg.Requests,
		BytesPerRequest:   cfg.Size,
		Period:            cfg.Period,
		TotalBytes:        float64(cfg.Workers) * float64(cfg.Requests) * float64(cfg.Size),
		Samples:           uint64(len(gaps)),
	}
	result.ExpectedSamples = result.TotalBytes / cfg.Period

	if len(gaps) > 0 {
		data := stats.Float64Data(gaps)
		// The helpers only fail on empty input.
		result.MeanGap, _ = stats.Mean(data)
		result.GapStdDev, _ = stats.StandardDeviation(data)
		result.GapP99, _ = stats.Percentile(data, 99)
	}

	return result, nil
}
