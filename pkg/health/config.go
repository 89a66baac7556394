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
	"fmt"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	defaultInterval    = 30 * time.Second
	defaultStaleAfter  = 10 * time.Minute
	defaultAnomalyHold = 15 * time.Minute
	defaultErrorWindow = 15 * time.Minute
)

// Thresholds are the warning/critical cut-offs of the built-in factors.
// Percentages are 0..100, error counts are per error window.
type Thresholds struct {
	CPUWarn          float64 `json:"cpu_warn" yaml:"cpu_warn"`
	CPUCrit          float64 `json:"cpu_crit" yaml:"cpu_crit"`
	MemoryWarn       float64 `json:"memory_warn" yaml:"memory_warn"`
	MemoryCrit       float64 `json:"memory_crit" yaml:"memory_crit"`
	DiskWarn         float64 `json:"disk_warn" yaml:"disk_warn"`
	DiskCrit         float64 `json:"disk_crit" yaml:"disk_crit"`
	ErrorsWarn       float64 `json:"errors_warn" yaml:"errors_warn"`
	ErrorsCrit       float64 `json:"errors_crit" yaml:"errors_crit"`
	StoreFreeWarnPct float64 `json:"store_free_warn_pct" yaml:"store_free_warn_pct"`
	StoreFreeCritPct float64 `json:"store_free_crit_pct" yaml:"store_free_crit_pct"`
}

// DefaultThresholds returns the thresholds used for every zero field.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn:          80,
		CPUCrit:          95,
		MemoryWarn:       85,
		MemoryCrit:       95,
		DiskWarn:         85,
		DiskCrit:         95,
		ErrorsWarn:       10,
		ErrorsCrit:       50,
		StoreFreeWarnPct: 10,
		StoreFreeCritPct: 5,
	}
}

type Config struct {
	Interval    models.Duration `json:"interval" yaml:"interval"`
	StaleAfter  models.Duration `json:"stale_after" yaml:"stale_after"`
	AnomalyHold models.Duration `json:"anomaly_hold" yaml:"anomaly_hold"`
	ErrorWindow models.Duration `json:"error_window" yaml:"error_window"`
	// Factors limits evaluation to the named factors; empty means all.
	Factors    []string   `json:"factors,omitempty" yaml:"factors,omitempty"`
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
}

func (c *Config) Validate() error {
	if c.Interval < 0 || c.StaleAfter < 0 || c.AnomalyHold < 0 || c.ErrorWindow < 0 {
		return errInvalidDuration
	}

	for _, id := range c.Factors {
		if _, ok := builtinFactors[id]; !ok {
			return fmt.Errorf("%w: %q", errUnknownFactor, id)
		}
	}

	t := c.thresholds()

	for _, b := range []struct {
		name       string
		warn, crit float64
	}{
		{"cpu", t.CPUWarn, t.CPUCrit},
		{"memory", t.MemoryWarn, t.MemoryCrit},
		{"disk", t.DiskWarn, t.DiskCrit},
		{"errors", t.ErrorsWarn, t.ErrorsCrit},
	} {
		if b.warn > b.crit {
			return fmt.Errorf("%w: %s", errInvalidThreshold, b.name)
		}
	}

	// free space thresholds run the other way
	if t.StoreFreeWarnPct < t.StoreFreeCritPct {
		return fmt.Errorf("%w: store_free", errInvalidThreshold)
	}

	return nil
}

func (c *Config) interval() time.Duration {
	return orDefault(c.Interval, defaultInterval)
}

func (c *Config) staleAfter() time.Duration {
	return orDefault(c.StaleAfter, defaultStaleAfter)
}

func (c *Config) anomalyHold() time.Duration {
	return orDefault(c.AnomalyHold, defaultAnomalyHold)
}

func (c *Config) errorWindow() time.Duration {
	return orDefault(c.ErrorWindow, defaultErrorWindow)
}

func (c *Config) thresholds() Thresholds {
	t, def := c.Thresholds, DefaultThresholds()

	for _, f := range []struct{ v, d *float64 }{
		{&t.CPUWarn, &def.CPUWarn}, {&t.CPUCrit, &def.CPUCrit},
		{&t.MemoryWarn, &def.MemoryWarn}, {&t.MemoryCrit, &def.MemoryCrit},
		{&t.DiskWarn, &def.DiskWarn}, {&t.DiskCrit, &def.DiskCrit},
		{&t.ErrorsWarn, &def.ErrorsWarn}, {&t.ErrorsCrit, &def.ErrorsCrit},
		{&t.StoreFreeWarnPct, &def.StoreFreeWarnPct}, {&t.StoreFreeCritPct, &def.StoreFreeCritPct},
	} {
		if *f.v == 0 {
			*f.v = *f.d
		}
	}

	return t
}

func orDefault(v models.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return time.Duration(v)
}
