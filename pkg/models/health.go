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
	"fmt"
	"time"
)

var ErrUnknownSeverity = errors.New("unknown severity")

// Severity orders health and alert states. Unknown sits above info so that
// missing data never reads as healthy.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityHealthy:  0,
	SeverityInfo:     1,
	SeverityUnknown:  2,
	SeverityWarning:  3,
	SeverityCritical: 4,
}

// Rank returns the position of s in the severity order, or -1.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}

	return -1
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}

	return sev, nil
}

// EvidenceRef points at the stored facts behind a factor or alert.
type EvidenceRef struct {
	Table         string    `json:"table"`
	Source        string    `json:"source"`
	CollectedAt   time.Time `json:"collected_at"`
	Discriminator string    `json:"discriminator,omitempty"`
}

// HealthFactor is one evaluated health dimension for a machine.
type HealthFactor struct {
	MachineID   string        `json:"machine_id"`
	FactorID    string        `json:"factor_id"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Severity    Severity      `json:"severity"`
	Score       float64       `json:"score"`
	Summary     string        `json:"summary"`
	Evidence    []EvidenceRef `json:"evidence,omitempty"`
}

// HealthSnapshot is the combined result of one evaluation of a machine.
type HealthSnapshot struct {
	MachineID   string         `json:"machine_id"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Severity    Severity       `json:"severity"`
	Score       float64        `json:"score"`
	WorstFactor string         `json:"worst_factor,omitempty"`
	Factors     []HealthFactor `json:"factors"`
}
