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

// Package query is the read-only view over committed store data used by
// presentation layers.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

const (
	defaultStaleAfter = 10 * time.Minute
	// standingFailures is how many consecutive failures turn a transient
	// source error into a standing warning.
	standingFailures = 3
)

var (
	ErrMachineRequired = errors.New("machine_id is required")
	ErrTableRequired   = errors.New("table is required")
	ErrInvalidRange    = errors.New("range end is before start")
)

// Store is the subset of store.Store the query API reads.
type Store interface {
	LatestHealth(ctx context.Context, machineID string) (*models.HealthSnapshot, error)
	FactorHistory(ctx context.Context, machineID, factorID string, limit int) ([]models.HealthFactor, error)
	QueryRows(ctx context.Context, q store.RowQuery) ([]models.NormalizedRow, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]models.Alert, error)
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	ListAlertEvents(ctx context.Context, alertID string) ([]models.AlertEvent, error)
	ListOutcomes(ctx context.Context, q store.OutcomeQuery) ([]models.IngestionOutcome, error)
	ListIntervalDecisions(ctx context.Context, machineID, source string, limit int) ([]models.IntervalDecision, error)
	Freshness(ctx context.Context, machineID string) ([]store.PairFreshness, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
}

var _ Store = (store.Store)(nil)

// MachineHealth is the latest snapshot of a machine with its age.
type MachineHealth struct {
	models.HealthSnapshot
	Age   time.Duration `json:"age"`
	Stale bool          `json:"stale"`
}

// AlertHistory is an alert with its full transition log.
type AlertHistory struct {
	Alert  models.Alert        `json:"alert"`
	Events []models.AlertEvent `json:"events"`
}

// PairReport is the freshness of one (machine, source) pair.
type PairReport struct {
	MachineID           string               `json:"machine_id"`
	Source              string               `json:"source"`
	LastStatus          models.OutcomeStatus `json:"last_status"`
	LastAttemptAt       time.Time            `json:"last_attempt_at"`
	LastSuccessAt       *time.Time           `json:"last_success_at,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	Stale               bool                 `json:"stale"`
	StandingWarning     string               `json:"standing_warning,omitempty"`
}

// MachineSummary is one line of the fleet overview.
type MachineSummary struct {
	Machine    models.Machine  `json:"machine"`
	Severity   models.Severity `json:"severity"`
	Score      float64         `json:"score"`
	Stale      bool            `json:"stale"`
	OpenAlerts int             `json:"open_alerts"`
}

// RowsRequest selects fact rows for one machine. Zero From/To are open.
type RowsRequest struct {
	Table     string
	MachineID string
	Source    string
	From      time.Time
	To        time.Time
	Limit     int
}

type Option func(*Service)

// WithClock overrides the time source used for ages and staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service answers read-only questions about the fleet.
type Service struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     logger.Logger
}

// NewService creates a Service. staleAfter <= 0 selects the default.
func NewService(st Store, staleAfter time.Duration, log logger.Logger, opts ...Option) *Service {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &Service{
		store:      st,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     log,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// LatestHealth returns the newest snapshot of a machine. A snapshot older
// than the stale window is returned with Stale set.
func (s *Service) LatestHealth(ctx context.Context, machineID string) (*MachineHealth, error) {
	if machineID == "" {
		return nil, ErrMachineRequired
	}

	snap, err := s.store.LatestHealth(ctx, machineID)
	if err != nil {
		return nil, err
	}

	age := s.now().Sub(snap.EvaluatedAt)
	if age < 0 {
		age = 0
	}

	return &MachineHealth{
		HealthSnapshot: *snap,
		Age:            age,
		Stale:          age > s.staleAfter,
	}, nil
}

func (s *Service) FactorHistory(ctx context.Context, machineID, factorID string, limit int) ([]models.HealthFactor, error) {
	if machineID == "" {
		return nil, ErrMachineRequired
	}

	return s.store.FactorHistory(ctx, machineID, factorID, limit)
}

// Rows returns fact rows of one table in ascending collected_at order.
func (s *Service) Rows(ctx context.Context, req RowsRequest) ([]models.NormalizedRow, error) {
	if req.MachineID == "" {
		return nil, ErrMachineRequired
	}

	if req.Table == "" {
		return nil, ErrTableRequired
	}

	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, fmt.Errorf("%w: %s < %s", ErrInvalidRange, req.To.Format(time.RFC3339), req.From.Format(time.RFC3339))
	}

	return s.store.QueryRows(ctx, store.RowQuery{
		Table:     req.Table,
		MachineID: req.MachineID,
		Source:    req.Source,
		From:      req.From,
		To:        req.To,
		Limit:     req.Limit,
	})
}

// OpenAlerts lists open and acknowledged alerts. An empty machineID covers
// the whole fleet.
func (s *Service) OpenAlerts(ctx context.Context, machineID string) ([]models.Alert, error) {
	return s.store.ListAlerts(ctx, store.AlertFilter{
		MachineID: machineID,
		States:    []models.AlertState{models.AlertOpen, models.AlertAcknowledged},
	})
}

func (s *Service) Alerts(ctx context.Context, filter store.AlertFilter) ([]models.Alert, error) {
	return s.store.ListAlerts(ctx, filter)
}

// AlertHistory returns an alert and every transition it went through.
func (s *Service) AlertHistory(ctx context.Context, alertID string) (*AlertHistory, error) {
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListAlertEvents(ctx, alertID)
	if err != nil {
		return nil, err
	}

	return &AlertHistory{Alert: *a, Events: events}, nil
}

func (s *Service) Outcomes(ctx context.Context, q store.OutcomeQuery) ([]models.IngestionOutcome, error) {
	return s.store.ListOutcomes(ctx, q)
}

func (s *Service) IntervalDecisions(ctx context.Context, machineID, source string, limit int) ([]models.IntervalDecision, error) {
	return s.store.ListIntervalDecisions(ctx, machineID, source, limit)
}

// Freshness reports every pair of a machine, or of the fleet when machineID
// is empty, with its staleness and standing warning.
func (s *Service) Freshness(ctx context.Context, machineID string) ([]PairReport, error) {
	pairs, err := s.store.Freshness(ctx, machineID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]PairReport, 0, len(pairs))

	for i := range pairs {
		p := &pairs[i]

		out = append(out, PairReport{
			MachineID:           p.MachineID,
			Source:              p.Source,
			LastStatus:          p.LastStatus,
			LastAttemptAt:       p.LastAttemptAt,
			LastSuccessAt:       p.LastSuccessAt,
			ConsecutiveFailures: p.ConsecutiveFailures,
			Stale:               p.LastSuccessAt == nil || now.Sub(*p.LastSuccessAt) > s.staleAfter,
			StandingWarning:     standingWarning(p),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MachineID != out[j].MachineID {
			return out[i].MachineID < out[j].MachineID
		}

		return out[i].Source < out[j].Source
	})

	return out, nil
}

// standingWarning describes a source error that persists across attempts.
// A missing tool is standing from the first failure.
func standingWarning(p *store.PairFreshness) string {
	if p.LastStatus != models.OutcomeFailure || p.ConsecutiveFailures == 0 {
		return ""
	}

	if p.LastErrorKind == models.ErrorKindToolMissing {
		return fmt.Sprintf("tool missing: %s", p.LastError)
	}

	if p.ConsecutiveFailures < standingFailures {
		return ""
	}

	return fmt.Sprintf("%d consecutive failures (%s): %s", p.ConsecutiveFailures, p.LastErrorKind, p.LastError)
}

// Fleet summarizes every machine with its latest health and open alert
// count. Machines never evaluated report unknown.
func (s *Service) Fleet(ctx context.Context) ([]MachineSummary, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	open, err := s.OpenAlerts(ctx, "")
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(machines))
	for i := range open {
		counts[open[i].MachineID]++
	}

	out := make([]MachineSummary, 0, len(machines))

	for i := range machines {
		sum := MachineSummary{
			Machine:    machines[i],
			Severity:   models.SeverityUnknown,
			Stale:      true,
			OpenAlerts: counts[machines[i].ID],
		}

		h, err := s.LatestHealth(ctx, machines[i].ID)

		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			sum.Severity = h.Severity
			sum.Score = h.Score
			sum.Stale = h.Stale
		}

		out = append(out, sum)
	}

	return out, nil
}
