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
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/fleetwatch/pkg/store"
)

// commit writes the batch, retrying transient store errors with exponential
// backoff. Invalid rows are not retried.
func (s *Scheduler) commit(ctx context.Context, batch *store.Batch) (*store.CommitResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.commitBackoff
	bo.MaxInterval = s.cfg.commitMaxElapsed / 4
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	operation := func() (*store.CommitResult, error) {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.commitTimeout)
		defer cancel()

		res, err := s.store.Commit(cctx, batch)
		if err == nil {
			return res, nil
		}

		if store.IsInvalidInput(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		s.metrics.CommitRetried()
		s.logger.Warn().Err(err).Dur("retry_in", wait).
			Str("machine_id", batch.Outcome.MachineID).
			Str("source", batch.Outcome.Source).
			Msg("Commit failed, retrying")
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(s.cfg.commitMaxElapsed),
		backoff.WithNotify(notify))
}
