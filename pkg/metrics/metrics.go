/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics holds the Prometheus instruments of the daemon. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const namespace = "fleetwatch"

type Metrics struct {
	Attempts          *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	RowsInserted      *prometheus.CounterVec
	CommitRetries     prometheus.Counter
	InFlight          prometheus.Gauge
	SkippedInFlight   prometheus.Counter
	MachinesOffline   prometheus.Gauge
	EffectiveInterval *prometheus.GaugeVec
	CycleDuration     prometheus.Histogram
	HealthSeverity    *prometheus.GaugeVec
	AlertTransitions  *prometheus.CounterVec
	StoreDegraded     prometheus.Gauge
	RetentionDeleted  *prometheus.CounterVec
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_attempts_total",
			Help:      "Collection attempts by source, outcome status and error kind",
		}, []string{"source", "status", "error_kind"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collect_duration_seconds",
			Help:      "Wall time of one collection attempt including commit",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"source"}),
		RowsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows newly inserted per source",
		}, []string{"source"}),
		CommitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Store commits retried after a failure",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collect_in_flight",
			Help:      "Collection attempts currently running",
		}),
		SkippedInFlight: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_skipped_in_flight_total",
			Help:      "Due pairs skipped because a previous attempt was still running",
		}),
		MachinesOffline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines_offline",
			Help:      "Machines currently marked offline",
		}),
		EffectiveInterval: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "effective_interval_seconds",
			Help:      "Current adaptive interval per machine and source",
		}, []string{"machine_id", "source"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_cycle_duration_seconds",
			Help:      "Duration of one scheduler cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		HealthSeverity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_severity",
			Help:      "Overall health severity rank per machine (0=healthy .. 4=critical)",
		}, []string{"machine_id"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert state transitions by type and resulting state",
		}, []string{"type", "state"}),
		StoreDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_degraded",
			Help:      "1 while the store reports consecutive write failures",
		}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_rows_total",
			Help:      "Rows removed by the retention janitor per table",
		}, []string{"table"}),
	}
}

func (m *Metrics) ObserveAttempt(o *models.IngestionOutcome) {
	if m == nil || o == nil {
		return
	}

	m.Attempts.WithLabelValues(o.Source, string(o.Status), string(o.ErrorKind)).Inc()
	m.AttemptDuration.WithLabelValues(o.Source).Observe(o.Duration.Seconds())

	if o.Inserted > 0 {
		m.RowsInserted.WithLabelValues(o.Source).Add(float64(o.Inserted))
	}
}

func (m *Metrics) CommitRetried() {
	if m == nil {
		return
	}

	m.CommitRetries.Inc()
}

func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}

	m.InFlight.Inc()
}

func (m *Metrics) AttemptFinished() {
	if m == nil {
		return
	}

	m.InFlight.Dec()
}

func (m *Metrics) SkippedBusy() {
	if m == nil {
		return
	}

	m.SkippedInFlight.Inc()
}

func (m *Metrics) SetOffline(n int) {
	if m == nil {
		return
	}

	m.MachinesOffline.Set(float64(n))
}

func (m *Metrics) SetInterval(machineID, source string, d time.Duration) {
	if m == nil {
		return
	}

	m.EffectiveInterval.WithLabelValues(machineID, source).Set(d.Seconds())
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}

	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetHealth(machineID string, sev models.Severity) {
	if m == nil {
		return
	}

	m.HealthSeverity.WithLabelValues(machineID).Set(float64(sev.Rank()))
}

func (m *Metrics) AlertTransition(alertType string, state models.AlertState) {
	if m == nil {
		return
	}

	m.AlertTransitions.WithLabelValues(alertType, string(state)).Inc()
}

func (m *Metrics) SetStoreDegraded(degraded bool) {
	if m == nil {
		return
	}

	v := 0.0
	if degraded {
		v = 1
	}

	m.StoreDegraded.Set(v)
}

func (m *Metrics) RetentionPurged(deleted map[string]int64) {
	if m == nil {
		return
	}

	for table, n := range deleted {
		m.RetentionDeleted.WithLabelValues(table).Add(float64(n))
	}
}
