// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// In-memory go-metrics sink shared by the registry and the router.

package control

import (
	"sort"
	"time"

	"github.com/hashicorp/go-metrics"
)

// MetricsConfig sizes the in-memory sink.
type MetricsConfig struct {
	Interval time.Duration     `yaml:"interval,omitempty"`
	Retain   time.Duration     `yaml:"retain,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

const (
	DefaultMetricsInterval = 10 * time.Second
	DefaultMetricsRetain   = time.Minute
)

func (m *MetricsConfig) applyDefaults() {
	if m.Interval <= 0 {
		m.Interval = DefaultMetricsInterval
	}
	if m.Retain < m.Interval {
		m.Retain = DefaultMetricsRetain
		if m.Retain < m.Interval {
			m.Retain = m.Interval
		}
	}
}

// NewMetricsSink builds the in-memory sink described by cfg.
func NewMetricsSink(cfg MetricsConfig) *metrics.InmemSink {
	cfg.applyDefaults()
	return metrics.NewInmemSink(cfg.Interval, cfg.Retain)
}

// StaticLabels converts the label map into go-metrics labels, sorted by name
// so every metric carries them in the same order.
func StaticLabels(cfg MetricsConfig) []metrics.Label {
	labels := make([]metrics.Label, 0, len(cfg.Labels))
	for k, v := range cfg.Labels {
		labels = append(labels, metrics.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

// CounterTotals sums every counter of the retained intervals by name.
func CounterTotals(sink *metrics.InmemSink) map[string]float64 {
	out := make(map[string]float64)
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, c := range interval.Counters {
			out[c.Name] += c.Sum
		}
		interval.RUnlock()
	}
	return out
}
