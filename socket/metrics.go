package socket

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricSocketListenCount       = []string{"bus", "socket", "listen", "count"}
	MetricSocketAcceptCount       = []string{"bus", "socket", "accept", "count"}
	MetricSocketAcceptErrorCount  = []string{"bus", "socket", "accept", "error", "count"}
	MetricSocketConnectCount      = []string{"bus", "socket", "connect", "count"}
	MetricSocketConnectErrorCount = []string{"bus", "socket", "connect", "error", "count"}
	MetricSocketErrorCount        = []string{"bus", "socket", "error", "count"}
	MetricSocketEvictCount        = []string{"bus", "socket", "evict", "count"}
	MetricSocketInBytes           = []string{"bus", "socket", "in", "bytes"}
	MetricSocketOutBytes          = []string{"bus", "socket", "out", "bytes"}
	MetricSocketPendingBytes      = []string{"bus", "socket", "pending", "bytes"}
	MetricSocketDropCount         = []string{"bus", "socket", "close", "drop", "count"}
)

const MLabelError = "error"

// telemetry bundles the sink with the static labels of one registry.
type telemetry struct {
	sink   metrics.MetricSink
	labels []metrics.Label
}

func (t *telemetry) incr(key []string, val float32, extra ...metrics.Label) {
	labels := t.labels
	if len(extra) > 0 {
		labels = append(append(make([]metrics.Label, 0, len(t.labels)+len(extra)), t.labels...), extra...)
	}
	t.sink.IncrCounterWithLabels(key, val, labels)
}

func (t *telemetry) sample(key []string, val float32) {
	t.sink.AddSampleWithLabels(key, val, t.labels)
}
