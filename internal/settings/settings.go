package settings

const CmdName = "poireau"

// ProviderName is the USDT provider namespace: probes are addressed as
// libpoireau:<name> by perf and bpftrace.
const ProviderName = "libpoireau"

const (
	// SamplePeriodEnvVar holds the mean number of allocated bytes
	// between samples, parsed as a double.
	SamplePeriodEnvVar = "POIREAU_SAMPLE_PERIOD_BYTES"

	// QuietEnvVar suppresses load-time warnings when set to any value.
	QuietEnvVar = "POIREAU_QUIET"
)

// DefaultSamplePeriod aims for roughly one sample every 32 MB of
// allocated bytes.
const DefaultSamplePeriod = float64(1 << 25)
