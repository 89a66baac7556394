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

package scheduler

import (
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	defaultTick              = time.Second
	defaultMachineSlots      = 4
	defaultPerMachineSlots   = 2
	defaultCommitTimeout     = 5 * time.Second
	defaultCommitMaxElapsed  = 30 * time.Second
	defaultCommitBackoff     = 100 * time.Millisecond
	defaultStoreFailureLimit = 3
	defaultOfflineAfter      = 3
	defaultLivenessInterval  = 5 * time.Minute
	defaultLivenessCommand   = "true"
	defaultLivenessTimeout   = 10 * time.Second
	defaultMaxBackoffFactor  = 8
	defaultMaxInterval       = time.Hour
	defaultAnomalyFloor      = 5 * time.Second
	defaultLeaseTTL          = 10 * time.Minute
	defaultCollectTimeout    = 30 * time.Second
	collectGrace             = 5 * time.Second
)

// Config bounds and tunes the scheduler. Zero values take defaults.
type Config struct {
	// Tick is how often due pairs are selected.
	Tick models.Duration `json:"tick" yaml:"tick"`
	// MachineSlots (K) bounds how many machines are worked on at once.
	MachineSlots int `json:"machine_slots" yaml:"machine_slots"`
	// PerMachineSlots (M) bounds concurrent collectors on one machine.
	PerMachineSlots int `json:"per_machine_slots" yaml:"per_machine_slots"`

	CollectTimeout models.Duration `json:"collect_timeout" yaml:"collect_timeout"`
	MaxOutputBytes int64           `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxRows        int             `json:"max_rows" yaml:"max_rows"`
	// Bootstrap is how far back incremental windows start on first run.
	Bootstrap models.Duration `json:"bootstrap_window" yaml:"bootstrap_window"`

	CommitTimeout     models.Duration `json:"commit_timeout" yaml:"commit_timeout"`
	CommitMaxElapsed  models.Duration `json:"commit_max_elapsed" yaml:"commit_max_elapsed"`
	CommitBackoff     models.Duration `json:"commit_backoff" yaml:"commit_backoff"`
	StoreFailureLimit int             `json:"store_failure_limit" yaml:"store_failure_limit"`

	OfflineAfter     int             `json:"offline_after" yaml:"offline_after"`
	LivenessInterval models.Duration `json:"liveness_interval" yaml:"liveness_interval"`
	LivenessCommand  string          `json:"liveness_command" yaml:"liveness_command"`

	MaxBackoffFactor int             `json:"max_backoff_factor" yaml:"max_backoff_factor"`
	MaxInterval      models.Duration `json:"max_interval" yaml:"max_interval"`
	AnomalyFloor     models.Duration `json:"anomaly_floor" yaml:"anomaly_floor"`

	LeaseTTL models.Duration `json:"lease_ttl" yaml:"lease_ttl"`
}

// Validate rejects bounds that would stall the scheduler.
func (c *Config) Validate() error {
	if c.MachineSlots < 0 || c.PerMachineSlots < 0 {
		return errInvalidConcurrency
	}

	if c.Tick < 0 || c.CollectTimeout < 0 || c.LivenessInterval < 0 {
		return errInvalidInterval
	}

	if c.StoreFailureLimit < 0 {
		return errInvalidFailureLimit
	}

	if c.OfflineAfter < 0 {
		return errInvalidOfflineAfter
	}

	return nil
}

func orDefault(v models.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v.Std()
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}

// settings is Config with defaults resolved.
type settings struct {
	tick              time.Duration
	machineSlots      int
	perMachineSlots   int
	collectTimeout    time.Duration
	maxOutputBytes    int64
	maxRows           int
	bootstrap         time.Duration
	commitTimeout     time.Duration
	commitMaxElapsed  time.Duration
	commitBackoff     time.Duration
	storeFailureLimit int
	offlineAfter      int
	livenessInterval  time.Duration
	livenessCommand   string
	maxBackoffFactor  int
	maxInterval       time.Duration
	anomalyFloor      time.Duration
	leaseTTL          time.Duration
}

func (c *Config) resolve() settings {
	s := settings{
		tick:              orDefault(c.Tick, defaultTick),
		machineSlots:      orDefaultInt(c.MachineSlots, defaultMachineSlots),
		perMachineSlots:   orDefaultInt(c.PerMachineSlots, defaultPerMachineSlots),
		collectTimeout:    orDefault(c.CollectTimeout, defaultCollectTimeout),
		maxOutputBytes:    c.MaxOutputBytes,
		maxRows:           c.MaxRows,
		bootstrap:         orDefault(c.Bootstrap, time.Hour),
		commitTimeout:     orDefault(c.CommitTimeout, defaultCommitTimeout),
		commitMaxElapsed:  orDefault(c.CommitMaxElapsed, defaultCommitMaxElapsed),
		commitBackoff:     orDefault(c.CommitBackoff, defaultCommitBackoff),
		storeFailureLimit: orDefaultInt(c.StoreFailureLimit, defaultStoreFailureLimit),
		offlineAfter:      orDefaultInt(c.OfflineAfter, defaultOfflineAfter),
		livenessInterval:  orDefault(c.LivenessInterval, defaultLivenessInterval),
		livenessCommand:   c.LivenessCommand,
		maxBackoffFactor:  orDefaultInt(c.MaxBackoffFactor, defaultMaxBackoffFactor),
		maxInterval:       orDefault(c.MaxInterval, defaultMaxInterval),
		anomalyFloor:      orDefault(c.AnomalyFloor, defaultAnomalyFloor),
		leaseTTL:          orDefault(c.LeaseTTL, defaultLeaseTTL),
	}

	if s.livenessCommand == "" {
		s.livenessCommand = defaultLivenessCommand
	}

	return s
}
