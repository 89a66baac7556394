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

//go:generate mockgen -destination=mock_scheduler.go -package=scheduler github.com/carverauto/fleetwatch/pkg/scheduler Clock,Ticker

import (
	"context"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Store is the part of the store the scheduler writes through.
type Store interface {
	GetCursor(ctx context.Context, machineID, source, key string) (string, bool, error)
	Commit(ctx context.Context, batch *store.Batch) (*store.CommitResult, error)
	RecordOutcome(ctx context.Context, outcome *models.IngestionOutcome) error
	RecordIntervalDecision(ctx context.Context, decision *models.IntervalDecision) error
	UpdateLiveness(ctx context.Context, machineID string, liveness models.Liveness, failures int, lastSeen *time.Time) error
}

// Lease extends the single-flight guard across processes.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

var _ Store = (store.Store)(nil)
