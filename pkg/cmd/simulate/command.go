package simulate

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/backtrace-labs/poireau/internal/output"
	"github.com/backtrace-labs/poireau/internal/settings"
	"github.com/backtrace-labs/poireau/pkg/cmd/options"
)

type Options struct {
	period   float64
	workers  int
	requests uint64
	size     uint64
	jsonOut  bool

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate the sampler against a synthetic allocation stream",
		RunE:  o.Run,
	}
	cmd.Flags().Float64Var(&o.period, "period", settings.DefaultSamplePeriod,
		"Mean number of allocated bytes between samples")
	cmd.Flags().IntVar(&o.workers, "workers", 4,
		"Number of concurrent sampler states")
	cmd.Flags().Uint64Var(&o.requests, "requests", 1_000_000,
		"Number of allocation requests per worker")
	cmd.Flags().Uint64Var(&o.size, "size", 1024,
		"Size of each simulated request, in bytes")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false,
		"Emit the result as JSON")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	o.Logger.Info().
		Float64("period", o.period).
		Int("workers", o.workers).
		Uint64("requests", o.requests).
		Uint64("size", o.size).
		Msg("simulating allocation stream")

	result, err := Simulate(o.Ctx, Config{
		Period:   o.period,
		Workers:  o.workers,
		Requests: o.requests,
		Size:     o.size,
	})
	if err != nil {
		return errors.Wrap(err, "simulation failed")
	}

	out := cmd.OutOrStdout()
	if o.jsonOut {
		return errors.Wrap(json.NewEncoder(out).Encode(result), "failed to encode result")
	}

	table := output.NewTable(out, []string{"Metric", "Value"})
	table.Append([]string{"total bytes", fmt.Sprintf("%.0f", result.TotalBytes)})
	table.Append([]string{"samples", fmt.Sprintf("%d", result.Samples)})
	table.Append([]string{"expected samples", fmt.Sprintf("%.1f", result.ExpectedSamples)})
	table.Append([]string{"mean gap (bytes)", fmt.Sprintf("%.1f", result.MeanGap)})
	table.Append([]string{"gap stddev (bytes)", fmt.Sprintf("%.1f", result.GapStdDev)})
	table.Append([]string{"gap p99 (bytes)", fmt.Sprintf("%.1f", result.GapP99)})
	table.Render()

	if result.ExpectedSamples > 0 {
		deviation := math.Abs(float64(result.Samples)-result.ExpectedSamples) /
			math.Max(math.Sqrt(result.ExpectedSamples), 1)
		if deviation > 4 {
			o.Logger.Warn().
				Float64("sigma", deviation).
				Msg("observed sample count deviates from the Poisson expectation")
		}
	}

	return nil
}
