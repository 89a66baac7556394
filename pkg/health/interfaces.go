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

// Package health turns stored facts into explainable per-machine health.
// Each factor is a pure rule over the newest rows; the overall result is the
// worst factor.
package health

import (
	"context"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

// Store is the part of the store health evaluation reads and writes.
type Store interface {
	LatestRows(ctx context.Context, q store.RowQuery) ([]models.NormalizedRow, error)
	QueryRows(ctx context.Context, q store.RowQuery) ([]models.NormalizedRow, error)
	Freshness(ctx context.Context, machineID string) ([]store.PairFreshness, error)
	SaveHealth(ctx context.Context, snapshot *models.HealthSnapshot) error
	Status() store.Status
}

var _ Store = (store.Store)(nil)

// AnomalySink receives machines whose health is warning or worse.
type AnomalySink interface {
	FlagAnomalous(machineID string, until time.Time)
}

// Factor is one health dimension.
type Factor interface {
	ID() string
	Evaluate(ctx context.Context, in *Input) (models.HealthFactor, error)
}

// Input is what a factor may consult for one machine.
type Input struct {
	MachineID  string
	Now        time.Time
	StaleAfter time.Duration
	Store      Store
}

// since is the oldest collected_at still considered fresh.
func (in *Input) since() time.Time {
	return in.Now.Add(-in.StaleAfter)
}
