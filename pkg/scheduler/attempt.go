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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/carverauto/fleetwatch/pkg/collector"
	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

// attempt runs one pair end to end: tool check, cursor read, collection,
// commit, then state update. It never returns an error; failures become
// outcomes.
func (s *Scheduler) attempt(ctx context.Context, ms *machineState, ps *pairState) {
	s.mu.Lock()
	machine := ms.machine
	offline := ms.liveness == models.LivenessOffline
	needToolCheck := ps.desc.Tool != "" && !ps.toolChecked
	desc := ps.desc
	coll := ps.collector
	s.mu.Unlock()

	if offline {
		return
	}

	s.metrics.AttemptStarted()
	defer s.metrics.AttemptFinished()

	started := s.clock.Now()

	var (
		res *collector.Result
		err error
	)

	if needToolCheck {
		err = s.checkTool(ctx, machine, desc)
	}

	if err == nil {
		res, err = s.collect(ctx, machine, desc, coll, started)
	}

	if ctx.Err() != nil {
		// shutting down; nothing from this attempt is committed
		return
	}

	finished := s.clock.Now()
	outcome := buildOutcome(machine.ID, desc.Name, res, err, started, finished)

	batch := &store.Batch{Outcome: outcome}
	if err == nil {
		batch.Rows = res.Rows
		batch.Cursor = res.Cursor
	}

	_, cerr := s.commit(ctx, batch)

	switch {
	case cerr == nil:
		s.noteStoreResult(nil)
	case ctx.Err() != nil:
		return
	case store.IsInvalidInput(cerr):
		// the collector emitted rows the catalog rejects; keep the cursor and
		// record the attempt as a collector failure
		outcome.Status = models.OutcomeFailure
		outcome.ErrorKind = models.ErrorKindCollector
		outcome.Error = cerr.Error()
		outcome.Inserted = 0

		s.noteStoreResult(s.recordOutcome(ctx, outcome))
	default:
		s.noteStoreResult(cerr)
		s.logger.Error().Err(cerr).Str("machine_id", machine.ID).Str("source", desc.Name).
			Msg("Commit failed after retries; cursor not advanced")
		s.finish(ctx, ms, ps, started, finished, nil)

		return
	}

	s.metrics.ObserveAttempt(outcome)
	s.logAttempt(outcome)
	s.finish(ctx, ms, ps, started, finished, outcome)
}

func (s *Scheduler) checkTool(ctx context.Context, machine models.Machine, desc models.CollectorDescriptor) error {
	ok, err := executor.CheckTool(ctx, s.exec, machine.Target, desc.Tool, executor.Limits{Timeout: s.cfg.collectTimeout})
	if err != nil {
		return &collector.Error{Kind: collector.KindOf(err), Collector: desc.Name, Err: err}
	}

	if !ok {
		return &collector.Error{
			Kind:      models.ErrorKindToolMissing,
			Collector: desc.Name,
			Err:       fmt.Errorf("%w: %s", errToolMissingOnTarget, desc.Tool),
		}
	}

	s.mu.Lock()
	for _, p := range s.machines[machine.ID].pairsUsing(desc.Tool) {
		p.toolChecked = true
	}
	s.mu.Unlock()

	return nil
}

func (ms *machineState) pairsUsing(tool string) []*pairState {
	if ms == nil {
		return nil
	}

	var out []*pairState

	for _, ps := range ms.pairs {
		if ps.desc.Tool == tool {
			out = append(out, ps)
		}
	}

	return out
}

// collect works on the descriptor and collector taken when the attempt
// started; a reload swaps them on the pair without touching this run.
func (s *Scheduler) collect(ctx context.Context, machine models.Machine, desc models.CollectorDescriptor, c collector.Collector, started time.Time) (*collector.Result, error) {
	cc := &collector.CollectContext{
		Machine:     machine,
		Executor:    s.exec,
		WindowStart: started.Add(-s.cfg.bootstrap),
		CollectedAt: started.UTC().Truncate(time.Microsecond),
		Limits: collector.Limits{
			Timeout:        s.cfg.collectTimeout,
			MaxOutputBytes: s.cfg.maxOutputBytes,
			MaxRows:        s.cfg.maxRows,
		},
	}

	if key := collector.CursorKey(desc.Kind); key != "" {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.commitTimeout)
		value, found, err := s.store.GetCursor(rctx, machine.ID, desc.Name, key)
		cancel()

		if err != nil {
			return nil, &collector.Error{Kind: models.ErrorKindStore, Collector: desc.Name, Err: fmt.Errorf("read cursor: %w", err)}
		}

		cc.Cursor, cc.CursorFound = value, found
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.collectTimeout+collectGrace)
	defer cancel()

	return collector.Run(cctx, c, cc)
}

// buildOutcome classifies an attempt. Warnings or truncation make a
// successful collection partial.
func buildOutcome(machineID, source string, res *collector.Result, err error, started, finished time.Time) *models.IngestionOutcome {
	o := &models.IngestionOutcome{
		MachineID:  machineID,
		Source:     source,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}

	if err != nil {
		o.Status = models.OutcomeFailure
		o.Error = err.Error()
		o.ErrorKind = collector.KindOf(err)

		return o
	}

	o.RowCount = len(res.Rows)
	o.Warnings = res.Warnings
	o.Bytes = res.BytesRead
	o.Status = models.OutcomeSuccess

	if res.Partial || len(res.Warnings) > 0 {
		o.Status = models.OutcomePartial
	}

	return o
}

func (s *Scheduler) recordOutcome(ctx context.Context, o *models.IngestionOutcome) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.commitTimeout)
	defer cancel()

	return s.store.RecordOutcome(wctx, o)
}

func (s *Scheduler) logAttempt(o *models.IngestionOutcome) {
	switch o.Status {
	case models.OutcomeFailure:
		s.logger.Warn().Str("machine_id", o.MachineID).Str("source", o.Source).
			Str("error_kind", string(o.ErrorKind)).Str("error", o.Error).
			Msg("Collection failed")
	case models.OutcomePartial:
		s.logger.Info().Str("machine_id", o.MachineID).Str("source", o.Source).
			Int("rows", o.RowCount).Int("inserted", o.Inserted).Strs("warnings", o.Warnings).
			Msg("Collection partial")
	default:
		s.logger.Debug().Str("machine_id", o.MachineID).Str("source", o.Source).
			Int("rows", o.RowCount).Int("inserted", o.Inserted).Dur("duration", o.Duration).
			Msg("Collection succeeded")
	}
}

// finish updates pair and machine state after an attempt. A nil outcome
// means the store lost the attempt; only the attempt time moves.
func (s *Scheduler) finish(ctx context.Context, ms *machineState, ps *pairState, started, finished time.Time, o *models.IngestionOutcome) {
	var (
		decision       *models.IntervalDecision
		livenessChange bool
		liveness       models.Liveness
		unreachable    int
		offline        int
	)

	s.mu.Lock()

	ps.attempted = true
	ps.lastAttempt = started

	if o != nil {
		if o.Status == models.OutcomeFailure {
			ps.failures++
		} else {
			ps.failures = 0
		}

		decision = s.refreshInterval(ms, ps, finished)

		switch o.ErrorKind {
		case models.ErrorKindUnreachable:
			ms.unreachable++
			if ms.unreachable >= s.cfg.offlineAfter && ms.liveness != models.LivenessOffline {
				ms.liveness = models.LivenessOffline
				ms.lastProbe = finished
				livenessChange = true
			}
		case models.ErrorKindStore, models.ErrorKindCanceled:
		default:
			ms.unreachable = 0
			if ms.liveness != models.LivenessOnline {
				ms.liveness = models.LivenessOnline
				livenessChange = true
			}
		}
	}

	liveness, unreachable = ms.liveness, ms.unreachable
	offline = s.offlineCount()
	s.mu.Unlock()

	if decision != nil {
		s.recordDecisions(ctx, []*models.IntervalDecision{decision})
	}

	if !livenessChange {
		return
	}

	s.metrics.SetOffline(offline)

	var seen *time.Time
	if liveness == models.LivenessOnline {
		seen = &finished
	}

	if liveness == models.LivenessOffline {
		s.logger.Warn().Str("machine_id", ps.key.machineID).Int("unreachable", unreachable).
			Msg("Machine marked offline; suspending collectors")
	}

	s.updateLiveness(ctx, ps.key.machineID, liveness, unreachable, seen)
}

// probe runs the cheap liveness command against an offline machine. Success
// brings it back online with backoff cleared and every pair due.
func (s *Scheduler) probe(ctx context.Context, ms *machineState) {
	s.mu.Lock()
	machine := ms.machine
	s.mu.Unlock()

	_, err := s.exec.Execute(ctx, machine.Target, s.cfg.livenessCommand, executor.Limits{Timeout: defaultLivenessTimeout})
	now := s.clock.Now()

	if ctx.Err() != nil {
		return
	}

	var decisions []*models.IntervalDecision

	s.mu.Lock()
	ms.lastProbe = now

	if err != nil {
		s.mu.Unlock()
		s.logger.Debug().Err(err).Str("machine_id", machine.ID).Msg("Liveness probe failed")

		return
	}

	ms.liveness = models.LivenessOnline
	ms.unreachable = 0

	for _, ps := range ms.pairs {
		ps.failures = 0
		ps.attempted = false

		if d := s.refreshInterval(ms, ps, now); d != nil {
			d.Reason = "liveness restored"
			decisions = append(decisions, d)
		}
	}

	offline := s.offlineCount()
	s.mu.Unlock()

	s.logger.Info().Str("machine_id", machine.ID).Msg("Machine back online; resuming collectors")
	s.metrics.SetOffline(offline)
	s.recordDecisions(ctx, decisions)
	s.updateLiveness(ctx, machine.ID, models.LivenessOnline, 0, &now)
}
