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

// Package alert derives deduplicated alerts from health snapshots and keeps
// their lifecycle: open, acknowledged, closed. Every transition is persisted
// as an event before it is published.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/metrics"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

const (
	publishTimeout = 5 * time.Second
	engineActor    = "fleetwatch"
)

// Store is the part of the store the engine needs.
type Store interface {
	ActiveAlert(ctx context.Context, machineID, alertType string) (*models.Alert, error)
	ApplyAlertTransition(ctx context.Context, alert *models.Alert, event *models.AlertEvent) error
	TouchAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]models.Alert, error)
}

var _ Store = (store.Store)(nil)

// Publisher forwards transitions to an external stream.
type Publisher interface {
	PublishAlert(ctx context.Context, alert *models.Alert, event *models.AlertEvent) error
}

type Engine struct {
	store     Store
	rules     []Rule
	broker    *Broker
	publisher Publisher
	metrics   *metrics.Metrics
	logger    logger.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithBroker(b *Broker) Option {
	return func(e *Engine) { e.broker = b }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates rules; nil rules means DefaultRules.
func NewEngine(st Store, rules []Rule, log logger.Logger, opts ...Option) (*Engine, error) {
	if rules == nil {
		rules = DefaultRules()
	}

	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	e := &Engine{
		store:  st,
		rules:  rules,
		logger: log,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.broker == nil {
		e.broker = NewBroker()
	}

	return e, nil
}

func (e *Engine) Broker() *Broker {
	return e.broker
}

// Subscribe is shorthand for Broker().Subscribe.
func (e *Engine) Subscribe(buffer int) (<-chan Transition, func()) {
	return e.broker.Subscribe(buffer)
}

// Process applies every rule to the snapshot. It opens an alert for a new
// condition, refreshes last_seen_at while the condition persists and closes
// the alert once it clears. Rules whose factor is missing or unknown leave
// the alert as it is. Errors of individual rules are joined.
func (e *Engine) Process(ctx context.Context, snap *models.HealthSnapshot) ([]Transition, error) {
	factors := make(map[string]*models.HealthFactor, len(snap.Factors))
	for i := range snap.Factors {
		factors[snap.Factors[i].FactorID] = &snap.Factors[i]
	}

	var (
		out  []Transition
		errs []error
	)

	for i := range e.rules {
		r := &e.rules[i]

		f, ok := factors[r.Factor]
		if !ok {
			continue
		}

		firing, known := r.match(f)
		if !known {
			continue
		}

		tr, err := e.apply(ctx, snap, r, f, firing)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", snap.MachineID, r.Type, err))
			continue
		}

		if tr != nil {
			out = append(out, *tr)
		}
	}

	return out, errors.Join(errs...)
}

// apply decides once more on fresh state when another writer moved the alert
// between the read and the write, such as an acknowledgement racing a close.
func (e *Engine) apply(ctx context.Context, snap *models.HealthSnapshot, r *Rule, f *models.HealthFactor, firing bool) (*Transition, error) {
	tr, err := e.applyOnce(ctx, snap, r, f, firing)
	if errors.Is(err, store.ErrAlertStateChanged) {
		e.logger.Debug().Err(err).Str("machine_id", snap.MachineID).Str("type", r.Type).Msg("Alert changed concurrently, retrying")

		tr, err = e.applyOnce(ctx, snap, r, f, firing)
	}

	return tr, err
}

func (e *Engine) applyOnce(ctx context.Context, snap *models.HealthSnapshot, r *Rule, f *models.HealthFactor, firing bool) (*Transition, error) {
	active, err := e.store.ActiveAlert(ctx, snap.MachineID, r.Type)
	if err != nil {
		return nil, err
	}

	at := snap.EvaluatedAt

	switch {
	case firing && active == nil:
		cooling, err := e.coolingDown(ctx, snap.MachineID, r, at)
		if err != nil || cooling {
			return nil, err
		}

		a := &models.Alert{
			ID:               uuid.New().String(),
			MachineID:        snap.MachineID,
			Type:             r.Type,
			Severity:         r.severityFor(f),
			State:            models.AlertOpen,
			Title:            r.Title,
			Message:          f.Summary,
			FirstSeenAt:      at,
			LastSeenAt:       at,
			Evidence:         f.Evidence,
			SuggestedActions: r.Actions,
		}

		return e.transition(ctx, a, "", engineActor, "condition detected: "+f.Summary)

	case firing:
		if at.After(active.LastSeenAt) {
			active.LastSeenAt = at
		}

		active.Severity = r.severityFor(f)
		active.Message = f.Summary
		active.Evidence = f.Evidence

		return nil, e.store.TouchAlert(ctx, active)

	case active != nil:
		from := active.State
		closedAt := at

		if closedAt.Before(active.LastSeenAt) {
			closedAt = active.LastSeenAt
		}

		active.State = models.AlertClosed
		active.ClosedAt = &closedAt

		return e.transition(ctx, active, from, engineActor, "condition cleared: "+f.Summary)
	}

	return nil, nil
}

// coolingDown reports whether the last alert of the rule's type on the
// machine closed less than the rule's cooldown before at.
func (e *Engine) coolingDown(ctx context.Context, machineID string, r *Rule, at time.Time) (bool, error) {
	if r.Cooldown <= 0 {
		return false, nil
	}

	closed, err := e.store.ListAlerts(ctx, store.AlertFilter{
		MachineID: machineID,
		Type:      r.Type,
		States:    []models.AlertState{models.AlertClosed},
		Limit:     1,
	})
	if err != nil {
		return false, err
	}

	if len(closed) == 0 || closed[0].ClosedAt == nil {
		return false, nil
	}

	if at.Sub(*closed[0].ClosedAt) >= time.Duration(r.Cooldown) {
		return false, nil
	}

	e.logger.Debug().Str("machine_id", machineID).Str("type", r.Type).
		Time("closed_at", *closed[0].ClosedAt).Msg("Alert in cooldown, not reopened")

	return true, nil
}

// Acknowledge moves an open alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	if a.State != models.AlertOpen {
		return nil, fmt.Errorf("%w: %s is %s, only open alerts can be acknowledged", ErrInvalidTransition, alertID, a.State)
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	a.State = models.AlertAcknowledged
	a.AcknowledgedAt = &now

	if _, err := e.transition(ctx, a, models.AlertOpen, actor, "acknowledged"); err != nil {
		if errors.Is(err, store.ErrAlertStateChanged) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}

		return nil, err
	}

	return a, nil
}

// transition persists the change, then fans it out. A publish failure is
// logged; the persisted event stays the source of truth.
func (e *Engine) transition(ctx context.Context, a *models.Alert, from models.AlertState, actor, reason string) (*Transition, error) {
	at := a.LastSeenAt

	switch a.State {
	case models.AlertClosed:
		at = *a.ClosedAt
	case models.AlertAcknowledged:
		at = *a.AcknowledgedAt
	}

	ev := &models.AlertEvent{
		AlertID:   a.ID,
		MachineID: a.MachineID,
		AlertType: a.Type,
		From:      from,
		To:        a.State,
		Severity:  a.Severity,
		At:        at,
		Actor:     actor,
		Reason:    reason,
	}

	if err := e.store.ApplyAlertTransition(ctx, a, ev); err != nil {
		if errors.Is(err, store.ErrDuplicateActiveAlert) {
			// another writer opened the same alert first
			e.logger.Debug().Str("machine_id", a.MachineID).Str("type", a.Type).Msg("Alert already active")
			return nil, nil
		}

		return nil, err
	}

	tr := Transition{Alert: *a, Event: *ev}

	e.metrics.AlertTransition(a.Type, a.State)
	e.broker.publish(tr)

	e.logger.Info().Str("alert_id", a.ID).Str("machine_id", a.MachineID).Str("type", a.Type).
		Str("from", string(from)).Str("to", string(a.State)).Str("severity", string(a.Severity)).
		Msg("Alert transition")

	if e.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := e.publisher.PublishAlert(pctx, &tr.Alert, &tr.Event); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Failed to publish alert transition")
		}
	}

	return &tr, nil
}
