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

package daemon

import (
	"fmt"
	"time"

	"github.com/carverauto/fleetwatch/pkg/alert"
	"github.com/carverauto/fleetwatch/pkg/collector"
	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/health"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/natsutil"
	"github.com/carverauto/fleetwatch/pkg/scheduler"
	"github.com/carverauto/fleetwatch/pkg/store"
)

const (
	defaultServiceName       = "fleetwatch"
	defaultRetentionInterval = time.Hour
	defaultSubscriberBuffer  = 64
)

// MachineConfig is one inventory entry.
type MachineConfig struct {
	ID      string        `json:"machine_id" yaml:"machine_id"`
	Target  models.Target `json:"target" yaml:"target"`
	Tags    []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// Collectors names the collectors run against the machine; empty means
	// every configured collector.
	Collectors []string `json:"collectors,omitempty" yaml:"collectors,omitempty"`
	// Intervals overrides collector intervals for this machine only.
	Intervals map[string]models.Duration `json:"intervals,omitempty" yaml:"intervals,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (m *MachineConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// CollectorConfig instantiates a built-in collector under a source name.
type CollectorConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Type      string            `json:"type,omitempty" yaml:"type,omitempty"`
	Interval  models.Duration   `json:"interval,omitempty" yaml:"interval,omitempty"`
	HighValue bool              `json:"high_value,omitempty" yaml:"high_value,omitempty"`
	Options   map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

func (c *CollectorConfig) spec(interval models.Duration) collector.Spec {
	if interval <= 0 {
		interval = c.Interval
	}

	return collector.Spec{
		Name:      c.Name,
		Type:      c.Type,
		Interval:  interval.Std(),
		HighValue: c.HighValue,
		Options:   collector.Options(c.Options),
	}
}

// RetentionConfig bounds history per class. Zero keeps everything.
type RetentionConfig struct {
	Facts     models.Duration `json:"facts" yaml:"facts"`
	Outcomes  models.Duration `json:"outcomes" yaml:"outcomes"`
	Health    models.Duration `json:"health" yaml:"health"`
	Decisions models.Duration `json:"decisions" yaml:"decisions"`
	// Interval is how often the janitor runs.
	Interval models.Duration `json:"interval" yaml:"interval"`
}

func (r *RetentionConfig) policy() store.RetentionPolicy {
	return store.RetentionPolicy{
		Facts:     r.Facts.Std(),
		Outcomes:  r.Outcomes.Std(),
		Health:    r.Health.Std(),
		Decisions: r.Decisions.Std(),
	}
}

func (r *RetentionConfig) enabled() bool {
	return r.Facts > 0 || r.Outcomes > 0 || r.Health > 0 || r.Decisions > 0
}

// AlertingConfig holds the alert rules and optional outward stream.
type AlertingConfig struct {
	// Rules replace the default rule set when non-empty.
	Rules            []alert.Rule     `json:"rules,omitempty" yaml:"rules,omitempty"`
	NATS             *natsutil.Config `json:"nats,omitempty" yaml:"nats,omitempty"`
	SubscriberBuffer int              `json:"subscriber_buffer,omitempty" yaml:"subscriber_buffer,omitempty"`
}

// RedisConfig enables the cross-replica single-flight lease.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// Config is the validated daemon configuration.
type Config struct {
	ServiceName string             `json:"service_name" yaml:"service_name"`
	ListenAddr  string             `json:"listen_addr" yaml:"listen_addr"`
	Logging     *logger.Config     `json:"logging,omitempty" yaml:"logging,omitempty"`
	Store       store.Config       `json:"store" yaml:"store"`
	Shell       string             `json:"shell,omitempty" yaml:"shell,omitempty"`
	SSH         executor.SSHConfig `json:"ssh" yaml:"ssh"`
	Scheduler   scheduler.Config   `json:"scheduler" yaml:"scheduler"`
	Health      health.Config      `json:"health" yaml:"health"`
	Alerting    AlertingConfig     `json:"alerting" yaml:"alerting"`
	Retention   RetentionConfig    `json:"retention" yaml:"retention"`
	Redis       *RedisConfig       `json:"redis,omitempty" yaml:"redis,omitempty"`
	Collectors  []CollectorConfig  `json:"collectors" yaml:"collectors"`
	Machines    []MachineConfig    `json:"machines" yaml:"machines"`
}

// Validate implements config.Validator. It fills defaults and fails on the
// first inconsistency.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}

	if c.Retention.Interval == 0 {
		c.Retention.Interval = models.Duration(defaultRetentionInterval)
	}

	if c.Alerting.SubscriberBuffer <= 0 {
		c.Alerting.SubscriberBuffer = defaultSubscriberBuffer
	}

	switch c.Store.Backend {
	case "", store.BackendSQLite, store.BackendPostgres:
	default:
		return fmt.Errorf("%w: %q", errUnknownBackend, c.Store.Backend)
	}

	if c.Scheduler.MachineSlots < 0 || c.Scheduler.PerMachineSlots < 0 {
		return errInvalidConcurrency
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	if len(c.Alerting.Rules) > 0 {
		if err := alert.ValidateRules(c.Alerting.Rules); err != nil {
			return fmt.Errorf("alerting: %w", err)
		}
	}

	r := c.Retention
	if r.Facts < 0 || r.Outcomes < 0 || r.Health < 0 || r.Decisions < 0 || r.Interval < 0 {
		return errInvalidRetention
	}

	collectors, err := c.validateCollectors()
	if err != nil {
		return err
	}

	return c.validateMachines(collectors)
}

func (c *Config) validateCollectors() (map[string]*CollectorConfig, error) {
	byName := make(map[string]*CollectorConfig, len(c.Collectors))

	for i := range c.Collectors {
		cc := &c.Collectors[i]

		if cc.Name == "" {
			cc.Name = cc.Type
		}

		if _, dup := byName[cc.Name]; dup {
			return nil, fmt.Errorf("%w: %q", errDuplicateCollector, cc.Name)
		}

		if cc.Interval < 0 {
			return nil, fmt.Errorf("%w: collector %q", errInvalidInterval, cc.Name)
		}

		if _, err := collector.Build(cc.spec(0)); err != nil {
			return nil, fmt.Errorf("collector %q: %w", cc.Name, err)
		}

		byName[cc.Name] = cc
	}

	return byName, nil
}

func (c *Config) validateMachines(collectors map[string]*CollectorConfig) error {
	seen := make(map[string]struct{}, len(c.Machines))

	for i := range c.Machines {
		m := &c.Machines[i]

		if m.ID == "" {
			return fmt.Errorf("%w: machines[%d]", errMachineIDRequired, i)
		}

		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: %q", errDuplicateMachine, m.ID)
		}

		seen[m.ID] = struct{}{}

		if !m.Target.IsLocal() && m.Target.Host == "" {
			return fmt.Errorf("%w: %q", errRemoteHostRequired, m.ID)
		}

		for _, name := range m.Collectors {
			if _, ok := collectors[name]; !ok {
				return fmt.Errorf("%w: %q on machine %q", errUnknownCollector, name, m.ID)
			}
		}

		for name, iv := range m.Intervals {
			if _, ok := collectors[name]; !ok {
				return fmt.Errorf("%w: interval override %q on machine %q", errUnknownCollector, name, m.ID)
			}

			if iv <= 0 {
				return fmt.Errorf("%w: %s/%s", errInvalidInterval, m.ID, name)
			}
		}
	}

	return nil
}

func (c *Config) hasRemote() bool {
	for i := range c.Machines {
		if !c.Machines[i].Target.IsLocal() {
			return true
		}
	}

	return false
}

// collectorsFor lists the collector configs assigned to a machine in
// configuration order.
func (c *Config) collectorsFor(m *MachineConfig) []*CollectorConfig {
	out := make([]*CollectorConfig, 0, len(c.Collectors))

	if len(m.Collectors) == 0 {
		for i := range c.Collectors {
			out = append(out, &c.Collectors[i])
		}

		return out
	}

	want := make(map[string]struct{}, len(m.Collectors))
	for _, name := range m.Collectors {
		want[name] = struct{}{}
	}

	for i := range c.Collectors {
		if _, ok := want[c.Collectors[i].Name]; ok {
			out = append(out, &c.Collectors[i])
		}
	}

	return out
}
