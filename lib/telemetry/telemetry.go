// Package telemetry exposes the counters and gauges of one sync context in
// Prometheus text format (VictoriaMetrics/metrics).
//
// Metric names carry the context id as label so several contexts served by
// one process can share a /metrics endpoint.
package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Telemetry is the metric set of one context.
type Telemetry struct {
	set   *metrics.Set
	tabID string
}

// New creates an empty metric set for a context.
func New(tabID string) *Telemetry {
	return &Telemetry{set: metrics.NewSet(), tabID: tabID}
}

func (t *Telemetry) name(metric string, labels ...string) string {
	s := fmt.Sprintf(`%s{tab=%q`, metric, t.tabID)
	for i := 0; i+1 < len(labels); i += 2 {
		s += fmt.Sprintf(`,%s=%q`, labels[i], labels[i+1])
	}
	return s + "}"
}

// Flush counts a sync queue flush of target.
func (t *Telemetry) Flush(target string, coalesced int, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.set.GetOrCreateCounter(t.name("dsync_flushes_total", "target", target, "result", result)).Inc()
	t.set.GetOrCreateCounter(t.name("dsync_coalesced_total", "target", target)).Add(coalesced)
	t.set.GetOrCreateHistogram(t.name("dsync_flush_duration_seconds", "target", target)).Update(took.Seconds())
}

// Conflict counts a resolved conflict by rule.
func (t *Telemetry) Conflict(rule string) {
	t.set.GetOrCreateCounter(t.name("dsync_conflicts_total", "rule", rule)).Inc()
}

// Transition counts a replication mode change.
func (t *Telemetry) Transition(to string) {
	t.set.GetOrCreateCounter(t.name("dsync_mode_transitions_total", "to", to)).Inc()
}

// BreakerTrip counts a breaker opening.
func (t *Telemetry) BreakerTrip(target string) {
	t.set.GetOrCreateCounter(t.name("dsync_breaker_trips_total", "target", target)).Inc()
}

// Synced counts documents pushed or pulled.
func (t *Telemetry) Synced(direction string, n int) {
	t.set.GetOrCreateCounter(t.name("dsync_documents_synced_total", "direction", direction)).Add(n)
}

// Gauge registers a gauge evaluated on every scrape. Registering the same
// name twice keeps the first callback.
func (t *Telemetry) Gauge(metric string, f func() float64, labels ...string) {
	t.set.GetOrCreateGauge(t.name(metric, labels...), f)
}

// Counter returns the current value of a counter (0 if it does not exist).
func (t *Telemetry) Counter(metric string, labels ...string) uint64 {
	return t.set.GetOrCreateCounter(t.name(metric, labels...)).Get()
}

// WritePrometheus writes all metrics of the context in Prometheus text format.
func (t *Telemetry) WritePrometheus(w io.Writer) {
	t.set.WritePrometheus(w)
}
