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

package health

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/metrics"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	st, err := store.OpenSQLite(context.Background(),
		store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "fleet.db"), PoolSize: 2}, false, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func halfFree(context.Context, string) (*disk.UsageStat, error) {
	return &disk.UsageStat{Path: "/var/lib", Total: 100, Free: 50}, nil
}

func newEvaluator(t *testing.T, st Store, opts ...Option) *Evaluator {
	t.Helper()

	opts = append([]Option{WithClock(func() time.Time { return t0.Add(time.Minute) }), WithDiskUsage(halfFree)}, opts...)

	e, err := NewEvaluator(&Config{}, st, logger.NewTestLogger(), opts...)
	require.NoError(t, err)

	return e
}

func commitRows(t *testing.T, st *store.SQLStore, rows ...models.NormalizedRow) {
	t.Helper()

	_, err := st.Commit(context.Background(), &store.Batch{Rows: rows})
	require.NoError(t, err)
}

func sysRow(at time.Time, cols map[string]interface{}) models.NormalizedRow {
	return models.NormalizedRow{
		Table:         store.TableSysSamples,
		MachineID:     "m1",
		Source:        "sysmoni",
		SourceVersion: 1,
		SchemaVersion: 1,
		CollectedAt:   at,
		Columns:       cols,
	}
}

func diskRow(at time.Time, mount string, pct float64) models.NormalizedRow {
	return models.NormalizedRow{
		Table:         store.TableDiskSamples,
		MachineID:     "m1",
		Source:        "disk_df",
		SourceVersion: 1,
		SchemaVersion: 1,
		CollectedAt:   at,
		Discriminator: mount,
		Columns:       map[string]interface{}{"mount": mount, "used_percent": pct},
	}
}

func logRow(at time.Time, i int, level string) models.NormalizedRow {
	return models.NormalizedRow{
		Table:         store.TableLogEvents,
		MachineID:     "m1",
		Source:        "journal",
		SourceVersion: 1,
		SchemaVersion: 1,
		CollectedAt:   at,
		Discriminator: fmt.Sprintf("c%d", i),
		Columns:       map[string]interface{}{"level": level, "message": "x"},
	}
}

func byID(snap *models.HealthSnapshot) map[string]models.HealthFactor {
	out := make(map[string]models.HealthFactor, len(snap.Factors))
	for _, f := range snap.Factors {
		out[f.FactorID] = f
	}

	return out
}

func TestCombineWorstWins(t *testing.T) {
	tests := []struct {
		name      string
		factors   []models.HealthFactor
		severity  models.Severity
		worst     string
		wantScore float64
	}{
		{
			name:     "no factors is unknown",
			severity: models.SeverityUnknown,
		},
		{
			name: "critical beats a lower score",
			factors: []models.HealthFactor{
				{FactorID: "a", Severity: models.SeverityWarning, Score: 0.01},
				{FactorID: "b", Severity: models.SeverityCritical, Score: 0.4},
			},
			severity:  models.SeverityCritical,
			worst:     "b",
			wantScore: 0.4,
		},
		{
			name: "unknown outranks info",
			factors: []models.HealthFactor{
				{FactorID: "a", Severity: models.SeverityInfo, Score: 0.2},
				{FactorID: "b", Severity: models.SeverityUnknown},
				{FactorID: "c", Severity: models.SeverityHealthy, Score: 1},
			},
			severity: models.SeverityUnknown,
			worst:    "b",
		},
		{
			name: "equal severity falls to the lowest score",
			factors: []models.HealthFactor{
				{FactorID: "a", Severity: models.SeverityWarning, Score: 0.3},
				{FactorID: "b", Severity: models.SeverityWarning, Score: 0.1},
			},
			severity:  models.SeverityWarning,
			worst:     "b",
			wantScore: 0.1,
		},
		{
			name: "full tie falls to factor id",
			factors: []models.HealthFactor{
				{FactorID: "zeta", Severity: models.SeverityWarning, Score: 0.5},
				{FactorID: "alpha", Severity: models.SeverityWarning, Score: 0.5},
			},
			severity:  models.SeverityWarning,
			worst:     "alpha",
			wantScore: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Combine("m1", t0, tt.factors)
			assert.Equal(t, tt.severity, snap.Severity)
			assert.Equal(t, tt.worst, snap.WorstFactor)
			assert.InDelta(t, tt.wantScore, snap.Score, 1e-9)
			assert.Len(t, snap.Factors, len(tt.factors))
		})
	}
}

func TestNoDataIsUnknownNotHealthy(t *testing.T) {
	st := newTestStore(t)
	e := newEvaluator(t, st)

	snap, err := e.Evaluate(context.Background(), "m1")
	require.NoError(t, err)

	factors := byID(snap)
	require.Len(t, factors, 6)

	for _, id := range []string{FactorCPU, FactorMemory, FactorDisk, FactorErrors, FactorFreshness} {
		assert.Equal(t, models.SeverityUnknown, factors[id].Severity, id)
	}

	assert.Equal(t, models.SeverityHealthy, factors[FactorStorage].Severity)
	assert.Equal(t, models.SeverityUnknown, snap.Severity)
	assert.Equal(t, FactorFreshness, snap.WorstFactor)
}

func TestResourceFactors(t *testing.T) {
	st := newTestStore(t)

	commitRows(t, st,
		// older than stale_after, ignored
		sysRow(t0.Add(-time.Hour), map[string]interface{}{"cpu_percent": 99.0}),
		sysRow(t0, map[string]interface{}{
			"cpu_percent":         97.0,
			"mem_total_bytes":     int64(1000),
			"mem_used_bytes":      int64(990),
			"mem_available_bytes": int64(100),
		}),
		// newer load-only sample from another source
		models.NormalizedRow{
			Table: store.TableSysSamples, MachineID: "m1", Source: "uptime",
			CollectedAt: t0.Add(30 * time.Second), Columns: map[string]interface{}{"load1": 0.5},
		},
		diskRow(t0, "/", 50),
		diskRow(t0, "/data", 90),
	)

	snap, err := newEvaluator(t, st).Evaluate(context.Background(), "m1")
	require.NoError(t, err)

	factors := byID(snap)

	cpu := factors[FactorCPU]
	assert.Equal(t, models.SeverityCritical, cpu.Severity)
	assert.InDelta(t, 0.03, cpu.Score, 1e-9)
	require.Len(t, cpu.Evidence, 1)
	assert.Equal(t, models.EvidenceRef{Table: store.TableSysSamples, Source: "sysmoni", CollectedAt: t0}, cpu.Evidence[0])

	mem := factors[FactorMemory]
	assert.Equal(t, models.SeverityWarning, mem.Severity)
	assert.Contains(t, mem.Summary, "90.0% used")

	du := factors[FactorDisk]
	assert.Equal(t, models.SeverityWarning, du.Severity)
	assert.Contains(t, du.Summary, "/data 90.0% used across 2 mounts")
	assert.Equal(t, "/data", du.Evidence[0].Discriminator)

	assert.Equal(t, models.SeverityCritical, snap.Severity)
	assert.Equal(t, FactorCPU, snap.WorstFactor)
}

func TestErrorSpike(t *testing.T) {
	st := newTestStore(t)

	var rows []models.NormalizedRow
	for i := 0; i < 12; i++ {
		rows = append(rows, logRow(t0.Add(-time.Duration(i)*time.Second), i, "error"))
	}

	rows = append(rows, logRow(t0, 100, "info"), logRow(t0.Add(-time.Hour), 101, "critical"))
	commitRows(t, st, rows...)

	snap, err := newEvaluator(t, st).Evaluate(context.Background(), "m1")
	require.NoError(t, err)

	spike := byID(snap)[FactorErrors]
	assert.Equal(t, models.SeverityWarning, spike.Severity)
	assert.Contains(t, spike.Summary, "12 error events of 13")
	assert.Len(t, spike.Evidence, evidenceLimit)
	assert.InDelta(t, 1-12.0/50, spike.Score, 1e-9)
}

func TestErrorSpikeQuietButFresh(t *testing.T) {
	st := newTestStore(t)

	// outside the 15m error window but inside stale_after
	commitRows(t, st, logRow(t0.Add(-8*time.Minute), 1, "info"))

	cfg := &Config{ErrorWindow: models.Duration(5 * time.Minute)}
	e, err := NewEvaluator(cfg, st, logger.NewTestLogger(),
		WithClock(func() time.Time { return t0 }), WithDiskUsage(halfFree))
	require.NoError(t, err)

	snap, err := e.Evaluate(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHealthy, byID(snap)[FactorErrors].Severity)
}

func TestFreshnessStandingWarnings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	record := func(source string, status models.OutcomeStatus, kind models.ErrorKind, at time.Time) {
		require.NoError(t, st.RecordOutcome(ctx, &models.IngestionOutcome{
			MachineID:  "m1",
			Source:     source,
			Status:     status,
			ErrorKind:  kind,
			StartedAt:  at,
			FinishedAt: at,
		}))
	}

	record("sysmoni", models.OutcomeSuccess, "", t0)
	record("journal", models.OutcomeSuccess, "", t0)
	record("journal", models.OutcomeFailure, models.ErrorKindTimeout, t0.Add(10*time.Second))
	record("agent_sessions", models.OutcomeFailure, models.ErrorKindToolMissing, t0)

	snap, err := newEvaluator(t, st).Evaluate(ctx, "m1")
	require.NoError(t, err)

	fresh := byID(snap)[FactorFreshness]
	assert.Equal(t, models.SeverityWarning, fresh.Severity)
	assert.Equal(t, "1 of 3 collectors stale: agent_sessions (tool_missing)", fresh.Summary)
	assert.InDelta(t, 2.0/3, fresh.Score, 1e-9)
	assert.Len(t, fresh.Evidence, 2)

	stale, err := NewEvaluator(&Config{}, st, logger.NewTestLogger(),
		WithClock(func() time.Time { return t0.Add(time.Hour) }), WithFactors(freshnessFactor{}))
	require.NoError(t, err)

	snap, err = stale.Evaluate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, snap.Severity)
}

type degradedStore struct {
	*store.SQLStore
}

func (degradedStore) Status() store.Status {
	return store.Status{Backend: store.BackendSQLite, Degraded: true, ConsecutiveErrors: 3, LastError: "database is locked"}
}

func TestStorageFactor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	snap, err := newEvaluator(t, degradedStore{st}, WithFactors(storageFactor{warnFree: 10, critFree: 5, usage: halfFree})).
		Evaluate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, snap.Severity)
	assert.Contains(t, snap.Factors[0].Summary, "database is locked")

	full := func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: "/var/lib", Total: 1000, Free: 80}, nil
	}

	snap, err = newEvaluator(t, st, WithDiskUsage(full)).Evaluate(ctx, "m1")
	require.NoError(t, err)

	storage := byID(snap)[FactorStorage]
	assert.Equal(t, models.SeverityWarning, storage.Severity)
	assert.InDelta(t, 0.08, storage.Score, 1e-9)

	broken := func(context.Context, string) (*disk.UsageStat, error) { return nil, errors.New("statfs failed") }

	snap, err = newEvaluator(t, st, WithDiskUsage(broken)).Evaluate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityInfo, byID(snap)[FactorStorage].Severity)
}

type recordingSink struct {
	flagged map[string]time.Time
}

func (r *recordingSink) FlagAnomalous(machineID string, until time.Time) {
	r.flagged[machineID] = until
}

type brokenFactor struct{}

func (brokenFactor) ID() string { return "broken" }

func (brokenFactor) Evaluate(context.Context, *Input) (models.HealthFactor, error) {
	return models.HealthFactor{}, errors.New("no such table")
}

func TestEvaluateSavesAndFlagsAnomalies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sink := &recordingSink{flagged: make(map[string]time.Time)}
	m := metrics.New(prometheus.NewRegistry())

	commitRows(t, st, sysRow(t0, map[string]interface{}{"cpu_percent": 96.0}))

	e := newEvaluator(t, st, WithAnomalySink(sink), WithMetrics(m))
	snaps := e.EvaluateAll(ctx, []string{"m1", "m2"})
	require.Len(t, snaps, 2)

	assert.Equal(t, t0.Add(time.Minute+15*time.Minute), sink.flagged["m1"])
	assert.NotContains(t, sink.flagged, "m2")

	assert.Equal(t, float64(models.SeverityCritical.Rank()), testutil.ToFloat64(m.HealthSeverity.WithLabelValues("m1")))
	assert.Equal(t, float64(models.SeverityUnknown.Rank()), testutil.ToFloat64(m.HealthSeverity.WithLabelValues("m2")))

	latest, err := st.LatestHealth(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, latest.Severity)
	assert.Equal(t, FactorCPU, latest.WorstFactor)
	assert.Len(t, latest.Factors, 6)

	failing := newEvaluator(t, st, WithFactors(brokenFactor{}, cpuFactor{warn: 80, crit: 95}))

	snap, err := failing.Evaluate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityUnknown, byID(snap)["broken"].Severity)
	assert.Contains(t, byID(snap)["broken"].Summary, "no such table")
	assert.Equal(t, models.SeverityCritical, snap.Severity)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, (&Config{}).Validate())

	err := (&Config{Thresholds: Thresholds{CPUWarn: 99}}).Validate()
	require.ErrorIs(t, err, errInvalidThreshold)

	err = (&Config{Factors: []string{"queue_depth"}}).Validate()
	require.ErrorIs(t, err, errUnknownFactor)

	err = (&Config{StaleAfter: models.Duration(-time.Second)}).Validate()
	require.ErrorIs(t, err, errInvalidDuration)

	factors := NewFactors(&Config{Factors: []string{FactorStorage, FactorCPU}}, nil)
	require.Len(t, factors, 2)
	assert.Equal(t, FactorCPU, factors[0].ID())
}
