// Package probes implements the subcommand that lists the libpoireau
// probe catalog, together with ready-to-paste perf and bpftrace attach
// lines for the out-of-process consumer of choice.
package probes

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/backtrace-labs/poireau/internal/output"
	"github.com/backtrace-labs/poireau/internal/settings"
	"github.com/backtrace-labs/poireau/pkg/cmd/options"
	"github.com/backtrace-labs/poireau/pkg/probe"
)

const (
	formatTable    = "table"
	formatPerf     = "perf"
	formatBpftrace = "bpftrace"

	defaultLibPath = "./libpoireau.so"
)

type Options struct {
	format string
	lib    string

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   "probes",
		Short: "List the libpoireau USDT probes and how to attach to them",
		RunE:  o.Run,
	}
	cmd.Flags().StringVar(&o.format, "format", formatTable,
		"Output format (table, perf, bpftrace)")
	cmd.Flags().StringVar(&o.lib, "lib", defaultLibPath,
		"Path of the preloaded libpoireau shared object")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	switch o.format {
	case formatTable:
		table := output.NewTable(out, []string{"Probe", "Arguments"})
		for _, spec := range probe.Catalog() {
			table.Append([]string{
				settings.ProviderName + ":" + spec.Name,
				strings.Join(spec.Args, ", "),
			})
		}
		table.Render()
	case formatPerf:
		// perf resolves sdt_* events only after the library is in
		// its build-id cache.
		fmt.Fprintf(out, "perf buildid-cache --add %s\n", o.lib)
		fmt.Fprintf(out, "perf probe 'sdt_%s:*'\n", settings.ProviderName)
		fmt.Fprintf(out, "perf trace -T -a -e 'sdt_%s:*' --call-graph=dwarf\n", settings.ProviderName)
		fmt.Fprintf(out, "# cleanup: perf probe --del 'sdt_%s:*'\n", settings.ProviderName)
	case formatBpftrace:
		for _, spec := range probe.Catalog() {
			args := make([]string, len(spec.Args))
			for i, arg := range spec.Args {
				args[i] = fmt.Sprintf("%s=%%d", arg)
			}
			fmt.Fprintf(out, "usdt:%s:%s:%s { printf(\"%s\\n\"%s); }\n",
				o.lib, settings.ProviderName, spec.Name,
				spec.Name+" "+strings.Join(args, " "),
				printfArgs(len(spec.Args)))
		}
	default:
		return errors.Errorf("unknown format %q", o.format)
	}

	return nil
}

func printfArgs(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, ", arg%d", i)
	}
	return b.String()
}
