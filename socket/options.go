package socket

import (
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/api"
)

const (
	DefaultMaxConn        = 4096
	DefaultMaxEvents      = 1024
	DefaultRecvBufferSize = 64 * 1024
	// DefaultCloseLinger is how long, in ms, a closing stream may sit on
	// undelivered output without progress when no idle timeout is set.
	DefaultCloseLinger = 30_000
)

type config struct {
	maxConn        int
	maxEvents      int
	recvBufferSize int
	closeLinger    uint64
	proto          api.Prototype
	logHandler     slog.Handler
	metricSink     metrics.MetricSink
	metricLabels   []metrics.Label
	clock          clock.Clock
}

func defaultConfig() config {
	return config{
		maxConn:        DefaultMaxConn,
		maxEvents:      DefaultMaxEvents,
		recvBufferSize: DefaultRecvBufferSize,
		closeLinger:    DefaultCloseLinger,
		proto:          api.ProtoPb,
	}
}

// Option to pass to `NewSocketMgr`
type Option func(*config) error

// WithMaxConn bounds how many objects may be registered before Connect
// starts failing with api.ErrMgrFull. Inbound sockets are not counted against it.
func WithMaxConn(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max conn %d", api.ErrInvalidArgument, n)
		}
		c.maxConn = n
		return nil
	}
}

// WithMaxEvents sets how many readiness notifications one Wait can process.
func WithMaxEvents(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max events %d", api.ErrInvalidArgument, n)
		}
		c.maxEvents = n
		return nil
	}
}

// WithRecvBufferSize sets the size of the chunk read per syscall.
func WithRecvBufferSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: recv buffer %d", api.ErrInvalidArgument, n)
		}
		c.recvBufferSize = n
		return nil
	}
}

// WithCloseLinger bounds, in ms, how long a closed stream keeps trying to
// drain queued output without making progress. Streams with an idle timeout
// use that instead.
func WithCloseLinger(ms uint64) Option {
	return func(c *config) error {
		if ms == 0 {
			return fmt.Errorf("%w: close linger 0", api.ErrInvalidArgument)
		}
		c.closeLinger = ms
		return nil
	}
}

// WithPrototype sets the framing of new listeners and outbound streams.
func WithPrototype(p api.Prototype) Option {
	return func(c *config) error {
		if p < api.ProtoPb || p >= api.ProtoMax {
			return fmt.Errorf("%w: prototype %d", api.ErrInvalidArgument, p)
		}
		c.proto = p
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink sets the go-metrics sink. Defaults to the global one.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		c.metricSink = sink
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the registry.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}
