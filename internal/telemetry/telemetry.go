package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType tells the exporter how to aggregate a point.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
	TypeTimer     MetricType = "timer"
)

// bufferLimit triggers an early flush once this many points are pending.
const bufferLimit = 100

// Metric is one buffered data point.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers fleet metrics and flushes them to the log or an OTLP
// endpoint. Counter totals survive flushes so the status API can report
// fleet-lifetime numbers.
type Collector struct {
	enabled  bool
	exporter *OTLPExporter
	interval time.Duration

	mu      sync.RWMutex
	pending []Metric
	totals  map[string]float64

	wake chan struct{}
	stop context.CancelFunc
}

// NewCollector creates a collector. A disabled collector drops every point;
// interval <= 0 flushes every 30s.
func NewCollector(enabled bool, otlpEndpoint string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Collector{
		enabled:  enabled,
		interval: interval,
		totals:   map[string]float64{},
		wake:     make(chan struct{}, 1),
		stop:     func() {},
	}
	if otlpEndpoint != "" {
		c.exporter = NewOTLPExporter(otlpEndpoint)
	}
	if enabled {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		go c.loop(ctx)
	}
	return c
}

func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(TypeCounter, name, value, "", labels)
}

func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(TypeGauge, name, value, "", labels)
}

func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.record(TypeHistogram, name, value, "", labels)
}

// Timer records d in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.record(TypeTimer, name, float64(d.Milliseconds()), "ms", labels)
}

func (c *Collector) record(typ MetricType, name string, value float64, unit string, labels map[string]string) {
	if !c.enabled {
		return
	}
	m := Metric{Name: name, Type: typ, Value: value, Labels: labels, Timestamp: time.Now(), Unit: unit}

	c.mu.Lock()
	c.pending = append(c.pending, m)
	if typ == TypeCounter {
		c.totals[name] += value
	}
	full := len(c.pending) >= bufferLimit
	c.mu.Unlock()

	if full {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns a copy of the points not yet flushed.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Metric(nil), c.pending...)
}

// Totals returns the running sum of every counter since start.
func (c *Collector) Totals() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.totals))
	for k, v := range c.totals {
		out[k] = v
	}
	return out
}

// FlushMetrics drains the buffer into the exporter, or into debug log lines
// when no endpoint is configured.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if c.exporter != nil {
		return c.exporter.Export(batch)
	}
	for _, m := range batch {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
		if err := c.FlushMetrics(); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
	}
}

// Shutdown stops the flush loop and exports whatever is still buffered.
func (c *Collector) Shutdown() error {
	c.stop()
	return c.FlushMetrics()
}

var global struct {
	sync.Mutex
	c *Collector
}

// InitGlobal replaces the process-wide collector used by the *Global helpers.
func InitGlobal(enabled bool, otlpEndpoint string, interval time.Duration) *Collector {
	c := NewCollector(enabled, otlpEndpoint, interval)
	global.Lock()
	global.c = c
	global.Unlock()
	return c
}

// GetGlobal returns the process-wide collector, a disabled one until
// InitGlobal runs.
func GetGlobal() *Collector {
	global.Lock()
	defer global.Unlock()
	if global.c == nil {
		global.c = NewCollector(false, "", 0)
	}
	return global.c
}

func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown flushes the process-wide collector, if one was created.
func Shutdown() error {
	global.Lock()
	c := global.c
	global.Unlock()
	if c == nil {
		return nil
	}
	return c.Shutdown()
}
