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

package alert

import (
	"fmt"
	"math"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// Op is a threshold comparison.
type Op string

const (
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpEq  Op = "eq"
)

// Check compares actual against threshold.
func (o Op) Check(actual, threshold float64) bool {
	switch o {
	case OpGt:
		return actual > threshold
	case OpGte:
		return actual >= threshold
	case OpLt:
		return actual < threshold
	case OpLte:
		return actual <= threshold
	case OpEq:
		return math.Abs(actual-threshold) < 1e-9
	default:
		return false
	}
}

func (o Op) valid() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte, OpEq:
		return true
	default:
		return false
	}
}

// Metric selects what a rule compares.
type Metric string

const (
	MetricScore    Metric = "score"
	MetricSeverity Metric = "severity"
)

// Alert types raised by the default rules.
const (
	TypeDiskLow         = "disk_low"
	TypeMemoryPressure  = "memory_pressure"
	TypeCPUPressure     = "cpu_pressure"
	TypeErrorSpike      = "error_spike"
	TypeCollectorStale  = "collector_stale"
	TypeStorageDegraded = "storage_degraded"
)

// Rule raises an alert of Type while a health factor meets a threshold.
// Severity rules compare severity ranks, so "gte warning" also matches
// critical. AlertSeverity overrides the severity taken from the factor.
// Cooldown keeps a closed alert from reopening until it has elapsed.
type Rule struct {
	Type          string          `json:"type" yaml:"type"`
	Factor        string          `json:"factor" yaml:"factor"`
	Metric        Metric          `json:"metric" yaml:"metric"`
	Op            Op              `json:"op" yaml:"op"`
	Value         float64         `json:"value,omitempty" yaml:"value,omitempty"`
	Severity      models.Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
	AlertSeverity models.Severity `json:"alert_severity,omitempty" yaml:"alert_severity,omitempty"`
	Title         string          `json:"title,omitempty" yaml:"title,omitempty"`
	Actions       []string        `json:"suggested_actions,omitempty" yaml:"suggested_actions,omitempty"`
	Cooldown      models.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

func (r *Rule) Validate() error {
	switch {
	case r.Type == "":
		return errRuleTypeRequired
	case r.Factor == "":
		return fmt.Errorf("%w: %s", errRuleFactor, r.Type)
	case !r.Op.valid():
		return fmt.Errorf("%w: %q in rule %s", errUnknownOp, r.Op, r.Type)
	case r.Cooldown < 0:
		return fmt.Errorf("%w: %s", errNegativeCooldown, r.Type)
	}

	switch r.Metric {
	case MetricScore:
	case MetricSeverity:
		if _, err := models.ParseSeverity(string(r.Severity)); err != nil {
			return fmt.Errorf("rule %s: %w", r.Type, err)
		}
	default:
		return fmt.Errorf("%w: %q in rule %s", errUnknownMetric, r.Metric, r.Type)
	}

	if r.AlertSeverity != "" {
		if _, err := models.ParseSeverity(string(r.AlertSeverity)); err != nil {
			return fmt.Errorf("rule %s: %w", r.Type, err)
		}
	}

	return nil
}

// ValidateRules checks each rule and that no two rules share a type.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))

	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return err
		}

		if _, dup := seen[rules[i].Type]; dup {
			return fmt.Errorf("%w: %s", errDuplicateRule, rules[i].Type)
		}

		seen[rules[i].Type] = struct{}{}
	}

	return nil
}

// match reports whether the rule fires for f. known is false for an unknown
// factor, which neither opens nor closes an alert.
func (r *Rule) match(f *models.HealthFactor) (firing, known bool) {
	if f.Severity == models.SeverityUnknown {
		return false, false
	}

	if r.Metric == MetricSeverity {
		return r.Op.Check(float64(f.Severity.Rank()), float64(r.Severity.Rank())), true
	}

	return r.Op.Check(f.Score, r.Value), true
}

func (r *Rule) severityFor(f *models.HealthFactor) models.Severity {
	switch {
	case r.AlertSeverity != "":
		return r.AlertSeverity
	case f.Severity.AtLeast(models.SeverityWarning):
		return f.Severity
	default:
		return models.SeverityWarning
	}
}

const defaultCooldown = models.Duration(5 * time.Minute)

func severityRule(typ, factor, title string, actions ...string) Rule {
	return Rule{
		Type:     typ,
		Factor:   factor,
		Metric:   MetricSeverity,
		Op:       OpGte,
		Severity: models.SeverityWarning,
		Title:    title,
		Actions:  actions,
		Cooldown: defaultCooldown,
	}
}

// DefaultRules raise one alert type per built-in health factor once it
// reaches warning. A closed alert stays closed for five minutes.
func DefaultRules() []Rule {
	return []Rule{
		severityRule(TypeDiskLow, "disk_usage", "Disk space low",
			"Remove old logs or build artifacts on the fullest mount", "Grow the volume"),
		severityRule(TypeMemoryPressure, "memory_pressure", "Memory pressure",
			"Check the largest resident processes", "Add swap or memory"),
		severityRule(TypeCPUPressure, "cpu_pressure", "CPU pressure",
			"Check runaway processes", "Reduce concurrent agent sessions"),
		severityRule(TypeErrorSpike, "error_spike", "Error spike in logs",
			"Inspect the recent error log events"),
		severityRule(TypeCollectorStale, "collector_freshness", "Collectors stale",
			"Verify the machine is reachable", "Install missing tools reported by the collector"),
		severityRule(TypeStorageDegraded, "storage", "Storage degraded",
			"Check free space and locks on the store volume"),
	}
}
