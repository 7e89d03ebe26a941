package router

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `New`
type Option func(*config)

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

// WithMetricSink sets the go-metrics sink. Defaults to the global one.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) {
		c.metricSink = sink
	}
}

// WithMetricLabels adds static labels to all metrics produced by the router.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}
