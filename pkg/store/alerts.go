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
	"errors"
	"fmt"
	"strings"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// ErrDuplicateActiveAlert is returned when a transition would leave two
// non-closed alerts of one type on one machine.
var ErrDuplicateActiveAlert = fmt.Errorf("%w: another alert of this type is active", ErrInvalidAlert)

// ErrAlertStateChanged is returned when the stored alert is no longer in the
// state the transition starts from.
var ErrAlertStateChanged = fmt.Errorf("%w: alert state changed", ErrInvalidAlert)

func (s *SQLStore) SaveHealth(ctx context.Context, snap *models.HealthSnapshot) error {
	if snap == nil || snap.MachineID == "" {
		return fmt.Errorf("%w: health snapshot identity is incomplete", ErrInvalidRow)
	}

	factors, err := encodeJSON(snap.Factors, "[]")
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}

	return s.writeTx(ctx, func(q querier) error {
		for i := range snap.Factors {
			f := &snap.Factors[i]

			evidence, err := encodeJSON(f.Evidence, "[]")
			if err != nil {
				return err
			}

			if _, err := q.exec(ctx, `INSERT INTO health_factors
				(machine_id, factor_id, evaluated_at, severity, score, summary, evidence)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (machine_id, factor_id, evaluated_at) DO NOTHING`,
				snap.MachineID, f.FactorID, s.eng.bindTime(f.EvaluatedAt), string(f.Severity),
				f.Score, f.Summary, evidence); err != nil {
				return fmt.Errorf("insert factor %s: %w", f.FactorID, err)
			}
		}

		_, err := q.exec(ctx, `INSERT INTO health_snapshots
			(machine_id, evaluated_at, severity, score, worst_factor, factors)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (machine_id, evaluated_at) DO NOTHING`,
			snap.MachineID, s.eng.bindTime(snap.EvaluatedAt), string(snap.Severity), snap.Score,
			snap.WorstFactor, factors)

		return err
	})
}

func (s *SQLStore) LatestHealth(ctx context.Context, machineID string) (*models.HealthSnapshot, error) {
	var found *models.HealthSnapshot

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, `SELECT machine_id, evaluated_at, severity, score, worst_factor, CAST(factors AS TEXT)
			FROM health_snapshots WHERE machine_id = ?
			ORDER BY evaluated_at DESC, id DESC LIMIT 1`,
			[]interface{}{machineID},
			func(vals []interface{}) error {
				snap := &models.HealthSnapshot{
					MachineID:   asString(vals[0]),
					EvaluatedAt: asTime(vals[1]),
					Severity:    models.Severity(asString(vals[2])),
					Score:       asFloat(vals[3]),
					WorstFactor: asString(vals[4]),
				}

				if err := decodeJSON(vals[5], &snap.Factors); err != nil {
					return fmt.Errorf("decode factors: %w", err)
				}

				found = snap

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("latest health: %w", err)
	}

	if found == nil {
		return nil, fmt.Errorf("health of %q: %w", machineID, ErrNotFound)
	}

	return found, nil
}

func (s *SQLStore) FactorHistory(ctx context.Context, machineID, factorID string, limit int) ([]models.HealthFactor, error) {
	var out []models.HealthFactor

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, `SELECT machine_id, factor_id, evaluated_at, severity, score, summary, CAST(evidence AS TEXT)
			FROM health_factors WHERE machine_id = ? AND factor_id = ?
			ORDER BY evaluated_at DESC, id DESC LIMIT ?`,
			[]interface{}{machineID, factorID, int64(clampLimit(limit))},
			func(vals []interface{}) error {
				f := models.HealthFactor{
					MachineID:   asString(vals[0]),
					FactorID:    asString(vals[1]),
					EvaluatedAt: asTime(vals[2]),
					Severity:    models.Severity(asString(vals[3])),
					Score:       asFloat(vals[4]),
					Summary:     asString(vals[5]),
				}

				if err := decodeJSON(vals[6], &f.Evidence); err != nil {
					return err
				}

				out = append(out, f)

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("factor history: %w", err)
	}

	return out, nil
}

const alertColumns = `alert_id, machine_id, alert_type, severity, state, title, message, first_seen_at,
	last_seen_at, acknowledged_at, closed_at, CAST(evidence AS TEXT), CAST(suggested_actions AS TEXT)`

func decodeAlert(vals []interface{}) (models.Alert, error) {
	a := models.Alert{
		ID:             asString(vals[0]),
		MachineID:      asString(vals[1]),
		Type:           asString(vals[2]),
		Severity:       models.Severity(asString(vals[3])),
		State:          models.AlertState(asString(vals[4])),
		Title:          asString(vals[5]),
		Message:        asString(vals[6]),
		FirstSeenAt:    asTime(vals[7]),
		LastSeenAt:     asTime(vals[8]),
		AcknowledgedAt: asTimePtr(vals[9]),
		ClosedAt:       asTimePtr(vals[10]),
	}

	if err := decodeJSON(vals[11], &a.Evidence); err != nil {
		return a, fmt.Errorf("decode evidence of %s: %w", a.ID, err)
	}

	if err := decodeJSON(vals[12], &a.SuggestedActions); err != nil {
		return a, fmt.Errorf("decode actions of %s: %w", a.ID, err)
	}

	return a, nil
}

func (s *SQLStore) readAlerts(ctx context.Context, query string, args []interface{}) ([]models.Alert, error) {
	var out []models.Alert

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, query, args, func(vals []interface{}) error {
			a, err := decodeAlert(vals)
			if err != nil {
				return err
			}

			out = append(out, a)

			return nil
		})
	})

	return out, err
}

func (s *SQLStore) ActiveAlert(ctx context.Context, machineID, alertType string) (*models.Alert, error) {
	alerts, err := s.readAlerts(ctx, "SELECT "+alertColumns+` FROM alerts
		WHERE machine_id = ? AND alert_type = ? AND state <> 'closed' LIMIT 1`,
		[]interface{}{machineID, alertType})
	if err != nil {
		return nil, fmt.Errorf("active alert: %w", err)
	}

	if len(alerts) == 0 {
		return nil, nil
	}

	return &alerts[0], nil
}

func (s *SQLStore) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	alerts, err := s.readAlerts(ctx, "SELECT "+alertColumns+" FROM alerts WHERE alert_id = ?",
		[]interface{}{alertID})
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}

	if len(alerts) == 0 {
		return nil, fmt.Errorf("alert %q: %w", alertID, ErrNotFound)
	}

	return &alerts[0], nil
}

func (s *SQLStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	var (
		where []string
		args  []interface{}
	)

	if f.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, f.MachineID)
	}

	if f.Type != "" {
		where = append(where, "alert_type = ?")
		args = append(args, f.Type)
	}

	if len(f.States) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.States)), ", ")
		where = append(where, "state IN ("+marks+")")

		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY last_seen_at DESC, alert_id LIMIT ?"
	args = append(args, int64(clampLimit(f.Limit)))

	alerts, err := s.readAlerts(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	return alerts, nil
}

func (s *SQLStore) ListAlertEvents(ctx context.Context, alertID string) ([]models.AlertEvent, error) {
	var out []models.AlertEvent

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, `SELECT id, alert_id, machine_id, alert_type, from_state, to_state, severity, at, actor, reason
			FROM alert_events WHERE alert_id = ? ORDER BY id`,
			[]interface{}{alertID},
			func(vals []interface{}) error {
				out = append(out, models.AlertEvent{
					ID:        asInt64(vals[0]),
					AlertID:   asString(vals[1]),
					MachineID: asString(vals[2]),
					AlertType: asString(vals[3]),
					From:      models.AlertState(asString(vals[4])),
					To:        models.AlertState(asString(vals[5])),
					Severity:  models.Severity(asString(vals[6])),
					At:        asTime(vals[7]),
					Actor:     asString(vals[8]),
					Reason:    asString(vals[9]),
				})

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}

	return out, nil
}

// ApplyAlertTransition writes the new alert state and its event in one
// transaction. first_seen_at, machine_id and alert_type never change after
// the alert is created.
func (s *SQLStore) ApplyAlertTransition(ctx context.Context, a *models.Alert, ev *models.AlertEvent) error {
	if a == nil || ev == nil || a.ID == "" || a.MachineID == "" || a.Type == "" {
		return fmt.Errorf("%w: alert identity is incomplete", ErrInvalidAlert)
	}

	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAlert, err)
	}

	if ev.AlertID != a.ID || ev.To != a.State {
		return fmt.Errorf("%w: event does not describe the alert transition", ErrInvalidAlert)
	}

	evidence, err := encodeJSON(a.Evidence, "[]")
	if err != nil {
		return err
	}

	actions, err := encodeJSON(a.SuggestedActions, "[]")
	if err != nil {
		return err
	}

	err = s.writeTx(ctx, func(q querier) error {
		if a.State != models.AlertClosed {
			var other string

			if err := q.query(ctx, `SELECT alert_id FROM alerts
				WHERE machine_id = ? AND alert_type = ? AND state <> 'closed' AND alert_id <> ?`,
				[]interface{}{a.MachineID, a.Type, a.ID},
				func(vals []interface{}) error {
					other = asString(vals[0])
					return nil
				}); err != nil {
				return err
			}

			if other != "" {
				return fmt.Errorf("%w: %s", ErrDuplicateActiveAlert, other)
			}
		}

		if err := s.writeAlertState(ctx, q, a, ev.From, evidence, actions); err != nil {
			return err
		}

		_, err := q.exec(ctx, `INSERT INTO alert_events
			(alert_id, machine_id, alert_type, from_state, to_state, severity, at, actor, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.AlertID, a.MachineID, a.Type, string(ev.From), string(ev.To), string(ev.Severity),
			s.eng.bindTime(ev.At), ev.Actor, ev.Reason)
		if err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}

		return nil
	})
	if err != nil && !errors.Is(err, ErrInvalidAlert) {
		return fmt.Errorf("apply alert transition %s: %w", a.ID, err)
	}

	return err
}

// writeAlertState inserts a new alert when from is empty, otherwise it moves
// the stored alert out of from. The state check is part of the write, so a
// concurrent transition makes this one fail instead of overwriting it.
func (s *SQLStore) writeAlertState(ctx context.Context, q querier, a *models.Alert, from models.AlertState, evidence, actions string) error {
	if from == "" {
		n, err := q.exec(ctx, `INSERT INTO alerts
			(alert_id, machine_id, alert_type, severity, state, title, message, first_seen_at,
			 last_seen_at, acknowledged_at, closed_at, evidence, suggested_actions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (alert_id) DO NOTHING`,
			a.ID, a.MachineID, a.Type, string(a.Severity), string(a.State), a.Title, a.Message,
			s.eng.bindTime(a.FirstSeenAt), s.eng.bindTime(a.LastSeenAt),
			s.bindTimePtr(a.AcknowledgedAt), s.bindTimePtr(a.ClosedAt), evidence, actions)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}

		if n == 0 {
			return fmt.Errorf("%w: %s already exists", ErrAlertStateChanged, a.ID)
		}

		return nil
	}

	n, err := q.exec(ctx, `UPDATE alerts SET severity = ?, state = ?, title = ?, message = ?,
			last_seen_at = ?, acknowledged_at = ?, closed_at = ?, evidence = ?, suggested_actions = ?
		WHERE alert_id = ? AND state = ?`,
		string(a.Severity), string(a.State), a.Title, a.Message, s.eng.bindTime(a.LastSeenAt),
		s.bindTimePtr(a.AcknowledgedAt), s.bindTimePtr(a.ClosedAt), evidence, actions, a.ID, string(from))
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}

	if n > 0 {
		return nil
	}

	var current string

	if err := q.query(ctx, `SELECT state FROM alerts WHERE alert_id = ?`, []interface{}{a.ID},
		func(vals []interface{}) error {
			current = asString(vals[0])
			return nil
		}); err != nil {
		return err
	}

	if current == "" {
		return fmt.Errorf("alert %q: %w", a.ID, ErrNotFound)
	}

	return fmt.Errorf("%w: %s is %s, not %s", ErrAlertStateChanged, a.ID, current, from)
}

// TouchAlert refreshes an active alert while its condition persists. It is
// not a transition, so no event is appended.
func (s *SQLStore) TouchAlert(ctx context.Context, a *models.Alert) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: alert identity is incomplete", ErrInvalidAlert)
	}

	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAlert, err)
	}

	evidence, err := encodeJSON(a.Evidence, "[]")
	if err != nil {
		return err
	}

	var n int64

	err = s.writeTx(ctx, func(q querier) error {
		var err error

		n, err = q.exec(ctx, `UPDATE alerts SET last_seen_at = ?, severity = ?, message = ?, evidence = ?
			WHERE alert_id = ? AND state <> 'closed'`,
			s.eng.bindTime(a.LastSeenAt), string(a.Severity), a.Message, evidence, a.ID)

		return err
	})
	if err != nil {
		return fmt.Errorf("touch alert %s: %w", a.ID, err)
	}

	if n == 0 {
		return fmt.Errorf("active alert %q: %w", a.ID, ErrNotFound)
	}

	return nil
}
