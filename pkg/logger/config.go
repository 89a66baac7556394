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

package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	errUnknownOutput = errors.New("unknown log output")
	errInvalidBool   = errors.New("invalid boolean")
	errInvalidHeader = errors.New("header must be key=value")
)

// Config selects the console level and stream, plus optional OTLP export.
type Config struct {
	Level      string     `json:"level" yaml:"level"`
	Debug      bool       `json:"debug" yaml:"debug"`
	Output     string     `json:"output" yaml:"output"`
	TimeFormat string     `json:"time_format" yaml:"time_format"`
	OTel       OTelConfig `json:"otel" yaml:"otel"`
}

// DefaultConfig logs at info to stdout. Environment overrides are applied;
// malformed values are skipped.
func DefaultConfig() *Config {
	c := &Config{
		Level:  "info",
		Output: "stdout",
		OTel: OTelConfig{
			ServiceName:  defaultScope,
			BatchTimeout: Duration(defaultBatchTimeout),
		},
	}

	_ = c.ApplyEnv(os.LookupEnv)

	return c
}

type envOverride struct {
	key   string
	apply func(c *Config, v string) error
}

// FLEETWATCH_* tune the console logger; OTEL_* follow the exporter's own
// variable names.
var envOverrides = []envOverride{
	{"FLEETWATCH_LOG_LEVEL", func(c *Config, v string) error { c.Level = v; return nil }},
	{"FLEETWATCH_LOG_OUTPUT", func(c *Config, v string) error { c.Output = v; return nil }},
	{"FLEETWATCH_LOG_TIME_FORMAT", func(c *Config, v string) error { c.TimeFormat = v; return nil }},
	{"FLEETWATCH_DEBUG", func(c *Config, v string) error { return setBool(&c.Debug, v) }},
	{"OTEL_LOGS_ENABLED", func(c *Config, v string) error { return setBool(&c.OTel.Enabled, v) }},
	{"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", func(c *Config, v string) error { c.OTel.Endpoint = v; return nil }},
	{"OTEL_EXPORTER_OTLP_LOGS_INSECURE", func(c *Config, v string) error { return setBool(&c.OTel.Insecure, v) }},
	{"OTEL_SERVICE_NAME", func(c *Config, v string) error { c.OTel.ServiceName = v; return nil }},
	{"OTEL_EXPORTER_OTLP_LOGS_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}

		c.OTel.BatchTimeout = Duration(d)

		return nil
	}},
	{"OTEL_EXPORTER_OTLP_LOGS_HEADERS", func(c *Config, v string) error {
		headers, err := parseHeaders(v)
		if err != nil {
			return err
		}

		c.OTel.Headers = headers

		return nil
	}},
}

// ApplyEnv overlays the variables lookup finds. A malformed value leaves its
// field as it was and is reported in the joined error.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if v = strings.TrimSpace(v); !ok || v == "" {
			continue
		}

		if err := o.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.key, err))
		}
	}

	return errors.Join(errs...)
}

func setBool(dst *bool, v string) error {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%w: %q", errInvalidBool, v)
	}

	return nil
}

// parseHeaders reads the comma separated key=value list used by the OTLP
// exporter variables.
func parseHeaders(v string) (map[string]string, error) {
	headers := make(map[string]string)

	for _, pair := range strings.Split(v, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidHeader, pair)
		}

		headers[key] = strings.TrimSpace(value)
	}

	return headers, nil
}

// Validate rejects a level or output the logger cannot honor.
func (c *Config) Validate() error {
	if _, err := c.ParseLevel(); err != nil {
		return err
	}

	switch c.Output {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("%w: %q", errUnknownOutput, c.Output)
	}

	if c.OTel.Enabled && c.OTel.Endpoint == "" {
		return ErrOTelEndpointRequired
	}

	return nil
}

// Writer resolves the configured output stream.
func (c *Config) Writer() io.Writer {
	if c.Output == "stderr" {
		return os.Stderr
	}

	return os.Stdout
}

// ParseLevel returns the level implied by Debug and Level.
func (c *Config) ParseLevel() (zerolog.Level, error) {
	if c.Debug {
		return zerolog.DebugLevel, nil
	}

	if c.Level == "" {
		return zerolog.InfoLevel, nil
	}

	return zerolog.ParseLevel(c.Level)
}
