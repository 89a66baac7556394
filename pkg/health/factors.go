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
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

// Factor identifiers.
const (
	FactorCPU       = "cpu_pressure"
	FactorMemory    = "memory_pressure"
	FactorDisk      = "disk_usage"
	FactorErrors    = "error_spike"
	FactorFreshness = "collector_freshness"
	FactorStorage   = "storage"
)

var builtinFactors = map[string]struct{}{
	FactorCPU: {}, FactorMemory: {}, FactorDisk: {}, FactorErrors: {}, FactorFreshness: {}, FactorStorage: {},
}

const (
	// rows scanned backwards for a sample carrying the wanted column
	sampleScanLimit = 50
	errorScanLimit  = 100000
	evidenceLimit   = 5
)

// DiskUsageFunc reports usage of the filesystem holding path.
type DiskUsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

func factor(in *Input, id string, sev models.Severity, score float64, summary string, evidence ...models.EvidenceRef) models.HealthFactor {
	return models.HealthFactor{
		MachineID:   in.MachineID,
		FactorID:    id,
		EvaluatedAt: in.Now,
		Severity:    sev,
		Score:       clamp01(score),
		Summary:     summary,
		Evidence:    evidence,
	}
}

func unknown(in *Input, id, summary string) models.HealthFactor {
	return factor(in, id, models.SeverityUnknown, 0, summary)
}

// grade maps a value where higher is worse onto a severity.
func grade(v, warn, crit float64) models.Severity {
	switch {
	case v >= crit:
		return models.SeverityCritical
	case v >= warn:
		return models.SeverityWarning
	default:
		return models.SeverityHealthy
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func evidenceOf(row *models.NormalizedRow) models.EvidenceRef {
	return models.EvidenceRef{
		Table:         row.Table,
		Source:        row.Source,
		CollectedAt:   row.CollectedAt,
		Discriminator: row.Discriminator,
	}
}

func num(row *models.NormalizedRow, col string) (float64, bool) {
	switch v := row.Columns[col].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// newestWith returns the newest fresh sys_samples row that satisfies ok.
func newestWith(ctx context.Context, in *Input, ok func(*models.NormalizedRow) bool) (*models.NormalizedRow, error) {
	rows, err := in.Store.QueryRows(ctx, store.RowQuery{
		Table:      store.TableSysSamples,
		MachineID:  in.MachineID,
		From:       in.since(),
		Limit:      sampleScanLimit,
		Descending: true,
	})
	if err != nil {
		return nil, err
	}

	for i := range rows {
		if ok(&rows[i]) {
			return &rows[i], nil
		}
	}

	return nil, nil
}

type cpuFactor struct{ warn, crit float64 }

func (cpuFactor) ID() string { return FactorCPU }

func (f cpuFactor) Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error) {
	row, err := newestWith(ctx, in, func(r *models.NormalizedRow) bool {
		_, ok := num(r, "cpu_percent")
		return ok
	})
	if err != nil {
		return models.HealthFactor{}, err
	}

	if row == nil {
		return unknown(in, FactorCPU, fmt.Sprintf("no cpu sample in the last %s", in.StaleAfter)), nil
	}

	pct, _ := num(row, "cpu_percent")

	return factor(in, FactorCPU, grade(pct, f.warn, f.crit), 1-pct/100,
		fmt.Sprintf("cpu %.1f%% (warn %.0f%%, crit %.0f%%)", pct, f.warn, f.crit), evidenceOf(row)), nil
}

type memoryFactor struct{ warn, crit float64 }

func (memoryFactor) ID() string { return FactorMemory }

// memoryUsed prefers total-available over used, which counts page cache on
// some sources.
func memoryUsed(r *models.NormalizedRow) (used, total float64, ok bool) {
	total, ok = num(r, "mem_total_bytes")
	if !ok || total <= 0 {
		return 0, 0, false
	}

	if avail, ok := num(r, "mem_available_bytes"); ok {
		return total - avail, total, true
	}

	used, ok = num(r, "mem_used_bytes")

	return used, total, ok
}

func (f memoryFactor) Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error) {
	row, err := newestWith(ctx, in, func(r *models.NormalizedRow) bool {
		_, _, ok := memoryUsed(r)
		return ok
	})
	if err != nil {
		return models.HealthFactor{}, err
	}

	if row == nil {
		return unknown(in, FactorMemory, fmt.Sprintf("no memory sample in the last %s", in.StaleAfter)), nil
	}

	used, total, _ := memoryUsed(row)
	pct := 100 * used / total

	return factor(in, FactorMemory, grade(pct, f.warn, f.crit), 1-pct/100,
		fmt.Sprintf("memory %.1f%% used (warn %.0f%%, crit %.0f%%)", pct, f.warn, f.crit), evidenceOf(row)), nil
}

type diskFactor struct{ warn, crit float64 }

func (diskFactor) ID() string { return FactorDisk }

func usedPercent(r *models.NormalizedRow) (float64, bool) {
	if pct, ok := num(r, "used_percent"); ok {
		return pct, true
	}

	total, ok := num(r, "total_bytes")
	if !ok || total <= 0 {
		return 0, false
	}

	used, ok := num(r, "used_bytes")

	return 100 * used / total, ok
}

// Evaluate grades the fullest mount of the newest df sample.
func (f diskFactor) Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error) {
	rows, err := in.Store.LatestRows(ctx, store.RowQuery{
		Table:     store.TableDiskSamples,
		MachineID: in.MachineID,
		From:      in.since(),
	})
	if err != nil {
		return models.HealthFactor{}, err
	}

	var (
		worst    *models.NormalizedRow
		worstPct float64
	)

	for i := range rows {
		pct, ok := usedPercent(&rows[i])
		if ok && (worst == nil || pct > worstPct) {
			worst, worstPct = &rows[i], pct
		}
	}

	if worst == nil {
		return unknown(in, FactorDisk, fmt.Sprintf("no disk sample in the last %s", in.StaleAfter)), nil
	}

	mount, _ := worst.Columns["mount"].(string)

	return factor(in, FactorDisk, grade(worstPct, f.warn, f.crit), 1-worstPct/100,
		fmt.Sprintf("%s %.1f%% used across %d mounts (warn %.0f%%, crit %.0f%%)", mount, worstPct, len(rows), f.warn, f.crit),
		evidenceOf(worst)), nil
}

type errorFactor struct {
	warn, crit float64
	window     time.Duration
}

func (errorFactor) ID() string { return FactorErrors }

func isErrorLevel(r *models.NormalizedRow) bool {
	level, _ := r.Columns["level"].(string)

	switch strings.ToLower(level) {
	case "error", "err", "critical", "crit", "fatal", "alert", "emerg":
		return true
	default:
		return false
	}
}

// Evaluate counts error and critical log events in the error window. A
// machine with no log events at all in the stale window is unknown.
func (f errorFactor) Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error) {
	rows, err := in.Store.QueryRows(ctx, store.RowQuery{
		Table:      store.TableLogEvents,
		MachineID:  in.MachineID,
		From:       in.Now.Add(-f.window),
		Limit:      errorScanLimit,
		Descending: true,
	})
	if err != nil {
		return models.HealthFactor{}, err
	}

	if len(rows) == 0 {
		latest, err := in.Store.LatestRows(ctx, store.RowQuery{
			Table:     store.TableLogEvents,
			MachineID: in.MachineID,
			From:      in.since(),
		})
		if err != nil {
			return models.HealthFactor{}, err
		}

		if len(latest) == 0 {
			return unknown(in, FactorErrors, fmt.Sprintf("no log events in the last %s", in.StaleAfter)), nil
		}
	}

	var (
		count    int
		evidence []models.EvidenceRef
	)

	for i := range rows {
		if !isErrorLevel(&rows[i]) {
			continue
		}

		count++

		if len(evidence) < evidenceLimit {
			evidence = append(evidence, evidenceOf(&rows[i]))
		}
	}

	return factor(in, FactorErrors, grade(float64(count), f.warn, f.crit), 1-float64(count)/f.crit,
		fmt.Sprintf("%d error events of %d in the last %s", count, len(rows), f.window), evidence...), nil
}

type freshnessFactor struct{}

func (freshnessFactor) ID() string { return FactorFreshness }

// Evaluate grades the share of pairs with a recent successful attempt. Pairs
// with a standing failure that are still fresh only raise info.
func (freshnessFactor) Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error) {
	pairs, err := in.Store.Freshness(ctx, in.MachineID)
	if err != nil {
		return models.HealthFactor{}, err
	}

	if len(pairs) == 0 {
		return unknown(in, FactorFreshness, "no collection attempts recorded"), nil
	}

	var (
		stale, failing []string
		evidence       []models.EvidenceRef
	)

	for _, p := range pairs {
		fresh := p.LastSuccessAt != nil && in.Now.Sub(*p.LastSuccessAt) <= in.StaleAfter

		switch {
		case !fresh:
			label := p.Source
			if p.LastErrorKind != "" {
				label += " (" + string(p.LastErrorKind) + ")"
			}

			stale = append(stale, label)
		case p.ConsecutiveFailures > 0:
			failing = append(failing, p.Source)
		default:
			continue
		}

		evidence = append(evidence, models.EvidenceRef{
			Table:       "ingestion_outcomes",
			Source:      p.Source,
			CollectedAt: p.LastAttemptAt,
		})
	}

	sort.Strings(stale)
	sort.Strings(failing)

	score := float64(len(pairs)-len(stale)) / float64(len(pairs))

	switch {
	case len(stale) == len(pairs):
		return factor(in, FactorFreshness, models.SeverityCritical, score,
			"all collectors stale: "+strings.Join(stale, ", "), evidence...), nil
	case len(stale) > 0:
		return factor(in, FactorFreshness, models.SeverityWarning, score,
			fmt.Sprintf("%d of %d collectors stale: %s", len(stale), len(pairs), strings.Join(stale, ", ")), evidence...), nil
	case len(failing) > 0:
		return factor(in, FactorFreshness, models.SeverityInfo, score,
			"recent failures: "+strings.Join(failing, ", "), evidence...), nil
	default:
		return factor(in, FactorFreshness, models.SeverityHealthy, score,
			fmt.Sprintf("%d collectors fresh", len(pairs))), nil
	}
}

type storageFactor struct {
	warnFree, critFree float64
	usage              DiskUsageFunc
}

func (storageFactor) ID() string { return FactorStorage }

// Evaluate reports the store itself: degraded writes are critical, and for a
// local database the free space of its volume is graded.
func (f storageFactor) Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error) {
	st := in.Store.Status()

	if st.Degraded {
		return factor(in, FactorStorage, models.SeverityCritical, 0,
			fmt.Sprintf("store degraded after %d errors: %s", st.ConsecutiveErrors, st.LastError)), nil
	}

	if st.Backend != store.BackendSQLite || f.usage == nil || st.Location == "" {
		return factor(in, FactorStorage, models.SeverityHealthy, 1, st.Backend+" store healthy"), nil
	}

	usage, err := f.usage(ctx, filepath.Dir(st.Location))
	if err != nil || usage.Total == 0 {
		return factor(in, FactorStorage, models.SeverityInfo, 1, "store healthy, free space unknown"), nil
	}

	free := 100 * float64(usage.Free) / float64(usage.Total)

	sev := models.SeverityHealthy

	switch {
	case free <= f.critFree:
		sev = models.SeverityCritical
	case free <= f.warnFree:
		sev = models.SeverityWarning
	}

	return factor(in, FactorStorage, sev, free/100,
		fmt.Sprintf("store volume %s %.1f%% free", usage.Path, free)), nil
}

// NewFactors builds the configured factors in evaluation order.
func NewFactors(cfg *Config, usage DiskUsageFunc) []Factor {
	t := cfg.thresholds()

	all := []Factor{
		cpuFactor{warn: t.CPUWarn, crit: t.CPUCrit},
		memoryFactor{warn: t.MemoryWarn, crit: t.MemoryCrit},
		diskFactor{warn: t.DiskWarn, crit: t.DiskCrit},
		errorFactor{warn: t.ErrorsWarn, crit: t.ErrorsCrit, window: cfg.errorWindow()},
		freshnessFactor{},
		storageFactor{warnFree: t.StoreFreeWarnPct, critFree: t.StoreFreeCritPct, usage: usage},
	}

	if len(cfg.Factors) == 0 {
		return all
	}

	enabled := make(map[string]bool, len(cfg.Factors))
	for _, id := range cfg.Factors {
		enabled[id] = true
	}

	out := all[:0]

	for _, f := range all {
		if enabled[f.ID()] {
			out = append(out, f)
		}
	}

	return out
}
