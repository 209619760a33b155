package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/backtrace-labs/poireau/internal/output"
	"github.com/backtrace-labs/poireau/internal/settings"
	"github.com/backtrace-labs/poireau/pkg/cmd/options"
	"github.com/backtrace-labs/poireau/pkg/cmd/probes"
	"github.com/backtrace-labs/poireau/pkg/cmd/simulate"
)

const logLevelInfo = "info"

type Options struct {
	logLevel string

	*options.CommonOptions
}

func NewRootCmd(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   settings.CmdName,
		Short: "poireau is a sampling allocation debugger",
		Long: `poireau samples allocations in a target process with a byte-level Poisson
process and traces the sampled subset with libpoireau USDT probes, to find
leaks and long-lived heap growth in production.

The interposition library itself is built with:

    go build -buildmode=c-shared -o libpoireau.so ./cmd/libpoireau

and preloaded into the target with LD_PRELOAD.`,
		DisableAutoGenTag: true,
		PersistentPreRunE: o.Setup,
	}
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", logLevelInfo,
		"Log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.AddCommand(probes.NewCommand(opts))
	cmd.AddCommand(simulate.NewCommand(opts))

	return cmd
}

func (o *Options) Setup(_ *cobra.Command, _ []string) error {
	logLevel, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	o.CommonOptions.Logger = o.CommonOptions.Logger.Level(logLevel)

	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main() and only needs to happen
// once.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(
		log.ConsoleWriter{Out: os.Stderr, NoColor: !output.IsTerminal(os.Stderr)},
	).With().Timestamp().Logger()

	opts := options.NewCommonOptions(
		options.WithContext(ctx),
		options.WithLogger(logger),
	)

	if err := NewRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}
