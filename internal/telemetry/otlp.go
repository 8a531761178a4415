package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ServiceVersion is reported as service.version on exported metrics.
var ServiceVersion = "dev"

// OTLPExporter sends metrics to an OTLP/HTTP JSON endpoint.
type OTLPExporter struct {
	endpoint string
	client   *http.Client
}

// NewOTLPExporter creates a new OTLP exporter
func NewOTLPExporter(endpoint string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name  string     `json:"name"`
	Unit  string     `json:"unit,omitempty"`
	Sum   *otlpSum   `json:"sum,omitempty"`
	Gauge *otlpGauge `json:"gauge,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export sends metrics to OTLP endpoint
func (e *OTLPExporter) Export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	data, err := json.Marshal(buildPayload(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Msg("Exported metrics via OTLP")
	return nil
}

// buildPayload groups data points by metric name. Counters become delta sums
// (each buffered point is one increment); everything else is a gauge.
func buildPayload(metrics []Metric) otlpMetricsPayload {
	byName := map[string]*otlpMetric{}
	var order []string

	for _, m := range metrics {
		om, ok := byName[m.Name]
		if !ok {
			om = &otlpMetric{Name: m.Name, Unit: m.Unit}
			if m.Type == TypeCounter {
				om.Sum = &otlpSum{AggregationTemporality: 1, IsMonotonic: true}
			} else {
				om.Gauge = &otlpGauge{}
			}
			byName[m.Name] = om
			order = append(order, m.Name)
		}
		dp := otlpNumberDataPoint{
			Attributes:   attributes(m.Labels),
			TimeUnixNano: m.Timestamp.UnixNano(),
			AsDouble:     m.Value,
		}
		if om.Sum != nil {
			om.Sum.DataPoints = append(om.Sum.DataPoints, dp)
		} else {
			om.Gauge.DataPoints = append(om.Gauge.DataPoints, dp)
		}
	}

	out := make([]otlpMetric, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}

	return otlpMetricsPayload{ResourceMetrics: []otlpResourceMetrics{{
		Resource: otlpResource{Attributes: []otlpAttribute{
			{Key: "service.name", Value: otlpValue{StringValue: "mfleet"}},
			{Key: "service.version", Value: otlpValue{StringValue: ServiceVersion}},
		}},
		ScopeMetrics: []otlpScopeMetrics{{
			Scope:   otlpScope{Name: "mfleet-telemetry", Version: ServiceVersion},
			Metrics: out,
		}},
	}}}
}

func attributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return attrs
}
