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
	"fmt"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// backoffInterval doubles base per consecutive failure, capped at
// min(maxBackoffFactor*base, maxInterval) but never below base.
func (c *settings) backoffInterval(base time.Duration, failures int) time.Duration {
	ceiling := base * time.Duration(c.maxBackoffFactor)
	if ceiling > c.maxInterval {
		ceiling = c.maxInterval
	}

	if ceiling < base {
		ceiling = base
	}

	eff := base
	for i := 0; i < failures && eff < ceiling; i++ {
		eff *= 2
	}

	if eff > ceiling {
		eff = ceiling
	}

	return eff
}

// anomalyInterval halves base with a floor, never exceeding base.
func (c *settings) anomalyInterval(base time.Duration) time.Duration {
	eff := base / 2
	if eff < c.anomalyFloor {
		eff = c.anomalyFloor
	}

	if eff > base {
		eff = base
	}

	return eff
}

// intervalFor decides the effective interval of a pair. Backoff wins over
// the anomaly speed-up.
func (s *Scheduler) intervalFor(ms *machineState, ps *pairState, now time.Time) (time.Duration, string) {
	base := ps.desc.Interval

	switch {
	case ps.failures > 0:
		return s.cfg.backoffInterval(base, ps.failures), fmt.Sprintf("backoff after %d consecutive failures", ps.failures)
	case ps.desc.HighValue && now.Before(ms.anomalousUntil):
		return s.cfg.anomalyInterval(base), "machine flagged anomalous"
	default:
		return base, "base interval"
	}
}

// refreshInterval recomputes the pair's interval and returns the decision to
// persist when it changed. Caller holds s.mu.
func (s *Scheduler) refreshInterval(ms *machineState, ps *pairState, now time.Time) *models.IntervalDecision {
	eff, reason := s.intervalFor(ms, ps, now)
	if eff == ps.effective {
		return nil
	}

	d := &models.IntervalDecision{
		MachineID:   ps.key.machineID,
		Source:      ps.key.source,
		OldInterval: ps.effective,
		NewInterval: eff,
		Reason:      reason,
		DecidedAt:   now,
	}

	ps.effective = eff
	s.metrics.SetInterval(ps.key.machineID, ps.key.source, eff)

	return d
}

func (ps *pairState) due(now time.Time) bool {
	return !ps.attempted || now.Sub(ps.lastAttempt) >= ps.effective
}
