package engine

import "time"

// Default deployment options. Defaulting happens in exactly one place:
// Options.Normalize.
const (
	DefaultParallelism         = 3
	DefaultBatchPause          = 2 * time.Second
	DefaultPhaseTimeout        = 5 * time.Minute
	DefaultHealthRetries       = 3
	DefaultHealthRetryInterval = 5 * time.Second
)

// Options configures a deployment run. The zero value is usable after
// Normalize.
type Options struct {
	// Parallelism is the maximum number of domains deployed concurrently
	// within a batch.
	Parallelism int `json:"parallelism" yaml:"parallelism" validate:"gte=0"`

	// BatchPause is the pause between consecutive batches.
	BatchPause time.Duration `json:"batch_pause" yaml:"batch_pause"`

	// PhaseTimeout bounds the execution of a single pipeline phase.
	PhaseTimeout time.Duration `json:"phase_timeout" yaml:"phase_timeout"`

	// HealthRetries is the number of health probe attempts during
	// verification before the domain is marked unverified.
	HealthRetries int `json:"health_retries" yaml:"health_retries" validate:"gte=0"`

	// HealthRetryInterval is the fixed interval between health probes.
	HealthRetryInterval time.Duration `json:"health_retry_interval" yaml:"health_retry_interval"`

	// DryRun skips side effects; phases report what they would do.
	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// DefaultOptions returns the default deployment options.
func DefaultOptions() Options {
	return Options{
		Parallelism:         DefaultParallelism,
		BatchPause:          DefaultBatchPause,
		PhaseTimeout:        DefaultPhaseTimeout,
		HealthRetries:       DefaultHealthRetries,
		HealthRetryInterval: DefaultHealthRetryInterval,
	}
}

// Normalize replaces unset or out-of-range fields with defaults and returns
// the result. The receiver is not modified.
func (o Options) Normalize() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.BatchPause < 0 {
		o.BatchPause = DefaultBatchPause
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = DefaultPhaseTimeout
	}
	if o.HealthRetries <= 0 {
		o.HealthRetries = DefaultHealthRetries
	}
	if o.HealthRetryInterval <= 0 {
		o.HealthRetryInterval = DefaultHealthRetryInterval
	}
	return o
}
