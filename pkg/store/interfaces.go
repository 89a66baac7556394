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

package store

import (
	"context"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// Store is the durable home of every fact, cursor, outcome, health result and
// alert the daemon produces. Every write method is a single transaction.
type Store interface {
	// GetCursor returns the cursor value for the pair, or ok=false when the
	// pair has never committed one.
	GetCursor(ctx context.Context, machineID, source, key string) (value string, ok bool, err error)

	// Commit writes rows, the advanced cursor and the outcome in one
	// transaction. Rows whose natural key already exists are skipped.
	Commit(ctx context.Context, batch *Batch) (*CommitResult, error)

	RecordOutcome(ctx context.Context, outcome *models.IngestionOutcome) error
	RecordIntervalDecision(ctx context.Context, decision *models.IntervalDecision) error
	ListIntervalDecisions(ctx context.Context, machineID, source string, limit int) ([]models.IntervalDecision, error)

	SyncMachine(ctx context.Context, machine *models.Machine) error
	UpdateLiveness(ctx context.Context, machineID string, liveness models.Liveness, failures int, lastSeen *time.Time) error
	GetMachine(ctx context.Context, machineID string) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)

	// RegisterCollector records a collector's versions and returns the change
	// when they differ from the previously registered ones.
	RegisterCollector(ctx context.Context, desc models.CollectorDescriptor, now time.Time) (*models.CollectorVersionChange, error)

	SaveHealth(ctx context.Context, snapshot *models.HealthSnapshot) error
	LatestHealth(ctx context.Context, machineID string) (*models.HealthSnapshot, error)
	FactorHistory(ctx context.Context, machineID, factorID string, limit int) ([]models.HealthFactor, error)

	// ActiveAlert returns the non-closed alert for the pair or nil.
	ActiveAlert(ctx context.Context, machineID, alertType string) (*models.Alert, error)
	// ApplyAlertTransition upserts the alert and appends its event atomically.
	ApplyAlertTransition(ctx context.Context, alert *models.Alert, event *models.AlertEvent) error
	// TouchAlert advances last_seen_at of an active alert without an event.
	TouchAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	ListAlertEvents(ctx context.Context, alertID string) ([]models.AlertEvent, error)

	QueryRows(ctx context.Context, q RowQuery) ([]models.NormalizedRow, error)
	// LatestRows returns every row sharing the newest collected_at at or
	// after q.From for the machine (and source, when set).
	LatestRows(ctx context.Context, q RowQuery) ([]models.NormalizedRow, error)
	ListOutcomes(ctx context.Context, q OutcomeQuery) ([]models.IngestionOutcome, error)
	Freshness(ctx context.Context, machineID string) ([]PairFreshness, error)

	ApplyRetention(ctx context.Context, policy RetentionPolicy, now time.Time) (*RetentionResult, error)

	Ping(ctx context.Context) error
	Status() Status
	Close() error
}

// Batch is the unit of a collection commit.
type Batch struct {
	Rows    []models.NormalizedRow
	Cursor  *models.Cursor
	Outcome *models.IngestionOutcome
}

// CommitResult reports how many rows were new.
type CommitResult struct {
	Inserted   int
	Duplicates int
}

// RowQuery selects fact rows. Zero From/To are open bounds; To is exclusive.
type RowQuery struct {
	Table      string
	MachineID  string
	Source     string
	From       time.Time
	To         time.Time
	Limit      int
	Descending bool
}

type OutcomeQuery struct {
	MachineID string
	Source    string
	Since     time.Time
	Status    models.OutcomeStatus
	Limit     int
}

type AlertFilter struct {
	MachineID string
	Type      string
	States    []models.AlertState
	Limit     int
}

// PairFreshness summarizes the latest ingestion state of a (machine, source)
// pair.
type PairFreshness struct {
	MachineID           string
	Source              string
	LastStatus          models.OutcomeStatus
	LastErrorKind       models.ErrorKind
	LastError           string
	LastAttemptAt       time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
}

// RetentionPolicy bounds how long append-only history is kept. A zero
// duration keeps everything for that class.
type RetentionPolicy struct {
	Facts     time.Duration
	Outcomes  time.Duration
	Health    time.Duration
	Decisions time.Duration
}

type RetentionResult struct {
	Deleted map[string]int64
}

// Status is the self-reported condition of the store.
type Status struct {
	Backend           string
	Location          string
	Degraded          bool
	LastError         string
	LastErrorAt       time.Time
	ConsecutiveErrors int
}
