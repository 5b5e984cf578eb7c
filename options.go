package ao

import (
	"github.com/jsoneaday/ao/internal/metrics"
	"github.com/jsoneaday/ao/internal/source"
)

// Option configures an Evaluator, following the same functional-options
// shape the teacher used for its own evaluator construction.
type Option func(*evaluatorConfig)

type evaluatorConfig struct {
	retryPolicy source.RetryPolicy
	metrics     *metrics.Metrics
}

func defaultConfig() evaluatorConfig {
	return evaluatorConfig{
		retryPolicy: source.DefaultRetryPolicy,
	}
}

// WithCacheWriteRetryPolicy overrides the backoff ReadState applies to a
// TransientIO cache-write failure before promoting it to a ConfigurationError.
func WithCacheWriteRetryPolicy(p source.RetryPolicy) Option {
	return func(c *evaluatorConfig) { c.retryPolicy = p }
}

// WithMetrics attaches Prometheus instrumentation. Omit this option to run
// without metrics; every collector call is nil-safe.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *evaluatorConfig) { c.metrics = m }
}
