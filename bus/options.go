package bus

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/router"
	"github.com/momentics/hioload-bus/socket"
)

type config struct {
	logHandler slog.Handler
	socketOpts []socket.Option
	routerOpts []router.Option
}

// Option to pass to `New`
type Option func(*config)

// WithLog specifies which `slog.Handler` the registry and router log to.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
		c.socketOpts = append(c.socketOpts, socket.WithLog(handler))
		c.routerOpts = append(c.routerOpts, router.WithLog(handler))
	}
}

// WithMetricSink sets the go-metrics sink of the registry and router.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) {
		c.socketOpts = append(c.socketOpts, socket.WithMetricSink(sink))
		c.routerOpts = append(c.routerOpts, router.WithMetricSink(sink))
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Bus.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.socketOpts = append(c.socketOpts, socket.WithMetricLabels(labels))
		c.routerOpts = append(c.routerOpts, router.WithMetricLabels(labels))
	}
}

// WithMaxConn bounds outbound connections, see socket.WithMaxConn.
func WithMaxConn(n int) Option {
	return WithSocketOptions(socket.WithMaxConn(n))
}

// WithPrototype sets the framing of new nodes. Defaults to api.ProtoRpc.
func WithPrototype(p api.Prototype) Option {
	return WithSocketOptions(socket.WithPrototype(p))
}

// WithClock replaces the registry clock.
func WithClock(clk clock.Clock) Option {
	return WithSocketOptions(socket.WithClock(clk))
}

// WithSocketOptions passes raw options to the socket registry.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(c *config) {
		c.socketOpts = append(c.socketOpts, opts...)
	}
}
