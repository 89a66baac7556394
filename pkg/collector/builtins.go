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

package collector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// Options are the per-collector settings from configuration.
type Options map[string]string

func (o Options) get(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}

	return def
}

// Spec names a collector instance: Type selects the built-in, Name is the
// source name rows are stored under.
type Spec struct {
	Name      string
	Type      string
	Interval  time.Duration
	HighValue bool
	Options   Options
}

// Factory builds a collector instance from its spec.
type Factory func(spec Spec) (Collector, error)

var builtins = map[string]struct {
	interval time.Duration
	factory  Factory
}{
	"sysmoni":        {time.Minute, newSysmoni},
	"metrics_json":   {time.Minute, newMetricsJSON},
	"disk_df":        {5 * time.Minute, newDiskDF},
	"meminfo":        {time.Minute, newMeminfo},
	"uptime":         {time.Minute, newUptime},
	"journal":        {2 * time.Minute, newJournal},
	"syslog_tail":    {time.Minute, newSyslogTail},
	"agent_sessions": {5 * time.Minute, newAgentSessions},
}

// BuiltinTypes lists the collector types Build accepts.
func BuiltinTypes() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Build instantiates a built-in collector.
func Build(spec Spec) (Collector, error) {
	if spec.Type == "" {
		spec.Type = spec.Name
	}

	b, ok := builtins[spec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollector, spec.Type)
	}

	if spec.Name == "" {
		spec.Name = spec.Type
	}

	if spec.Interval <= 0 {
		spec.Interval = b.interval
	}

	return b.factory(spec)
}

func descriptor(spec Spec, parser, schema int, tool string) models.CollectorDescriptor {
	return models.CollectorDescriptor{
		Name:          spec.Name,
		Interval:      spec.Interval,
		ParserVersion: parser,
		SchemaVersion: schema,
		HighValue:     spec.HighValue,
		Tool:          tool,
	}
}

func newSysmoni(spec Spec) (Collector, error) {
	return &Snapshot{
		Desc:    descriptor(spec, 1, 1, "sysmoni"),
		Command: spec.Options.get("command", "sysmoni --json"),
		Parse:   parseSysmoni,
	}, nil
}

func newMetricsJSON(spec Spec) (Collector, error) {
	cmd := spec.Options.get("command", "")
	if cmd == "" {
		return nil, fmt.Errorf("%w: %s: command is required", ErrBadOption, spec.Name)
	}

	return &Snapshot{
		Desc:    descriptor(spec, 1, 1, spec.Options.get("tool", "")),
		Command: cmd,
		Parse:   parseMetricsJSON,
	}, nil
}

func newDiskDF(spec Spec) (Collector, error) {
	return &Snapshot{
		Desc:    descriptor(spec, 1, 1, "df"),
		Command: spec.Options.get("command", "df -P -B1"),
		Parse:   parseDF,
	}, nil
}

func newMeminfo(spec Spec) (Collector, error) {
	return &Snapshot{
		Desc:    descriptor(spec, 1, 1, ""),
		Command: "cat /proc/meminfo",
		Parse:   parseMeminfo,
	}, nil
}

func newUptime(spec Spec) (Collector, error) {
	return &Snapshot{
		Desc:    descriptor(spec, 1, 1, ""),
		Command: spec.Options.get("command", "cat /proc/loadavg /proc/uptime"),
		Parse:   parseLoad,
	}, nil
}

func newJournal(spec Spec) (Collector, error) {
	var unitArgs string

	if units := spec.Options.get("units", ""); units != "" {
		for _, u := range strings.Split(units, ",") {
			if u = strings.TrimSpace(u); u != "" {
				unitArgs += " -u " + executor.ShellQuote(u)
			}
		}
	}

	return &Window{
		Desc:  descriptor(spec, 1, 1, "journalctl"),
		Table: tableLogs,
		Command: func(since time.Time, limit int) string {
			return fmt.Sprintf("journalctl -o json --no-pager --since @%d.%06d%s | head -n %d",
				since.Unix(), since.Nanosecond()/1000, unitArgs, limit)
		},
		Parse: parseJournal,
	}, nil
}

func newSyslogTail(spec Spec) (Collector, error) {
	return &FileTail{
		Desc:  descriptor(spec, 1, 1, ""),
		Table: tableLogs,
		Path:  spec.Options.get("path", "/var/log/syslog"),
		ParseLine: func(line []byte, row func(time.Time) models.NormalizedRow) (*models.NormalizedRow, error) {
			return parseSyslogLine(time.Now().UTC())(line, row)
		},
	}, nil
}

func newAgentSessions(spec Spec) (Collector, error) {
	dbPath := spec.Options.get("db_path", "")
	if dbPath == "" {
		return nil, fmt.Errorf("%w: %s: db_path is required", ErrBadOption, spec.Name)
	}

	q := DBQuery{
		Table:     spec.Options.get("table", "sessions"),
		KeyColumn: spec.Options.get("key_column", "id"),
	}

	if cols := spec.Options.get("columns", ""); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			q.Columns = append(q.Columns, strings.TrimSpace(c))
		}
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}

	kindCol := spec.Options.get("kind_column", "kind")
	statusCol := spec.Options.get("status_column", "status")
	timeCol := spec.Options.get("time_column", "")

	return &DBIncremental{
		Desc:   descriptor(spec, 1, 1, "sqlite3"),
		Table:  tableRecords,
		DBPath: dbPath,
		Query:  q,
		MapRecord: func(rec map[string]interface{}, row func(string, time.Time) models.NormalizedRow) (*models.NormalizedRow, error) {
			key := keyString(rec[q.KeyColumn])

			var at time.Time
			if timeCol != "" {
				at = recordTime(rec[timeCol])
			}

			payload, err := json.Marshal(rec)
			if err != nil {
				return nil, err
			}

			r := row(key, at)
			r.Columns["record_key"] = key
			r.Columns["payload"] = string(payload)

			if v := keyString(rec[kindCol]); v != "" {
				r.Columns["kind"] = v
			}

			if v := keyString(rec[statusCol]); v != "" {
				r.Columns["status"] = v
			}

			return &r, nil
		},
	}, nil
}

// recordTime accepts RFC 3339 strings or unix seconds.
func recordTime(v interface{}) time.Time {
	s := keyString(v)
	if s == "" {
		return time.Time{}
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}

	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)

		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}

	return time.Time{}
}
