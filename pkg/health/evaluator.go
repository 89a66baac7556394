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
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/metrics"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// Evaluator runs every factor for a machine, persists the snapshot and
// feeds anomalies back to the scheduler.
type Evaluator struct {
	cfg     *Config
	store   Store
	factors []Factor
	usage   DiskUsageFunc
	sink    AnomalySink
	metrics *metrics.Metrics
	logger  logger.Logger
	now     func() time.Time
}

type Option func(*Evaluator)

func WithAnomalySink(sink AnomalySink) Option {
	return func(e *Evaluator) { e.sink = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithDiskUsage replaces the gopsutil lookup behind the storage factor.
func WithDiskUsage(fn DiskUsageFunc) Option {
	return func(e *Evaluator) { e.usage = fn }
}

// WithFactors replaces the built-in factors.
func WithFactors(factors ...Factor) Option {
	return func(e *Evaluator) { e.factors = factors }
}

func NewEvaluator(cfg *Config, st Store, log logger.Logger, opts ...Option) (*Evaluator, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Evaluator{
		cfg:    cfg,
		store:  st,
		usage:  disk.UsageWithContext,
		logger: log,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.factors == nil {
		e.factors = NewFactors(cfg, e.usage)
	}

	return e, nil
}

// Interval is how often the daemon should evaluate.
func (e *Evaluator) Interval() time.Duration {
	return e.cfg.interval()
}

// Evaluate scores one machine. A factor that fails to read the store is
// reported as unknown rather than failing the whole evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, machineID string) (*models.HealthSnapshot, error) {
	if machineID == "" {
		return nil, errMachineRequired
	}

	in := &Input{
		MachineID:  machineID,
		Now:        e.now().UTC().Truncate(time.Microsecond),
		StaleAfter: e.cfg.staleAfter(),
		Store:      e.store,
	}

	results := make([]models.HealthFactor, 0, len(e.factors))

	for _, f := range e.factors {
		hf, err := f.Evaluate(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			e.logger.Warn().Err(err).Str("machine_id", machineID).Str("factor", f.ID()).
				Msg("Factor evaluation failed")

			hf = unknown(in, f.ID(), "evaluation failed: "+err.Error())
		}

		results = append(results, hf)
	}

	snap := Combine(machineID, in.Now, results)

	if err := e.store.SaveHealth(ctx, snap); err != nil {
		return snap, err
	}

	e.metrics.SetHealth(machineID, snap.Severity)

	if e.sink != nil && snap.Severity.AtLeast(models.SeverityWarning) {
		e.sink.FlagAnomalous(machineID, in.Now.Add(e.cfg.anomalyHold()))
	}

	e.logger.Debug().Str("machine_id", machineID).Str("severity", string(snap.Severity)).
		Float64("score", snap.Score).Str("worst_factor", snap.WorstFactor).
		Msg("Health evaluated")

	return snap, nil
}

// EvaluateAll scores each machine in turn. Machines whose snapshot could not
// be saved are skipped and logged.
func (e *Evaluator) EvaluateAll(ctx context.Context, machineIDs []string) []*models.HealthSnapshot {
	out := make([]*models.HealthSnapshot, 0, len(machineIDs))

	for _, id := range machineIDs {
		snap, err := e.Evaluate(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}

			e.logger.Error().Err(err).Str("machine_id", id).Msg("Failed to save health snapshot")

			continue
		}

		out = append(out, snap)
	}

	return out
}
