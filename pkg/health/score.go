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

package health

import (
	"sort"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// worse reports whether a outranks b: higher severity, then lower score,
// then factor id.
func worse(a, b *models.HealthFactor) bool {
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return ra > rb
	}

	if a.Score != b.Score {
		return a.Score < b.Score
	}

	return a.FactorID < b.FactorID
}

// Combine folds factors into one snapshot. The overall severity and score are
// those of the worst factor, so every result traces back to one rule. No
// factors at all is unknown.
func Combine(machineID string, at time.Time, factors []models.HealthFactor) *models.HealthSnapshot {
	snap := &models.HealthSnapshot{
		MachineID:   machineID,
		EvaluatedAt: at,
		Severity:    models.SeverityUnknown,
		Factors:     append([]models.HealthFactor(nil), factors...),
	}

	sort.Slice(snap.Factors, func(i, j int) bool { return snap.Factors[i].FactorID < snap.Factors[j].FactorID })

	var worst *models.HealthFactor

	for i := range snap.Factors {
		if worst == nil || worse(&snap.Factors[i], worst) {
			worst = &snap.Factors[i]
		}
	}

	if worst != nil {
		snap.Severity = worst.Severity
		snap.Score = worst.Score
		snap.WorstFactor = worst.FactorID
	}

	return snap
}
