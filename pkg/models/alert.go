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

package models

import (
	"errors"
	"time"
)

var (
	ErrAlertSeenOrder    = errors.New("alert first_seen_at is after last_seen_at")
	ErrAlertClosedAtMiss = errors.New("closed alert has no closed_at")
)

// AlertState is the lifecycle position of an alert.
type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertClosed       AlertState = "closed"
)

// Alert is a deduplicated abnormal condition on one machine.
type Alert struct {
	ID               string        `json:"alert_id"`
	MachineID        string        `json:"machine_id"`
	Type             string        `json:"type"`
	Severity         Severity      `json:"severity"`
	State            AlertState    `json:"state"`
	Title            string        `json:"title"`
	Message          string        `json:"message"`
	FirstSeenAt      time.Time     `json:"first_seen_at"`
	LastSeenAt       time.Time     `json:"last_seen_at"`
	AcknowledgedAt   *time.Time    `json:"acknowledged_at,omitempty"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
	Evidence         []EvidenceRef `json:"evidence,omitempty"`
	SuggestedActions []string      `json:"suggested_actions,omitempty"`
}

// Validate checks the timestamp invariants of an alert.
func (a *Alert) Validate() error {
	if a.FirstSeenAt.After(a.LastSeenAt) {
		return ErrAlertSeenOrder
	}

	if a.State == AlertClosed && a.ClosedAt == nil {
		return ErrAlertClosedAtMiss
	}

	return nil
}

// AlertEvent is one append-only state transition. From is empty on creation.
type AlertEvent struct {
	ID        int64      `json:"id,omitempty"`
	AlertID   string     `json:"alert_id"`
	MachineID string     `json:"machine_id"`
	AlertType string     `json:"alert_type"`
	From      AlertState `json:"from_state,omitempty"`
	To        AlertState `json:"to_state"`
	Severity  Severity   `json:"severity"`
	At        time.Time  `json:"at"`
	Actor     string     `json:"actor,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
