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
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	tableSys     = "sys_samples"
	tableDisk    = "disk_samples"
	tableMetrics = "metric_samples"
	tableLogs    = "log_events"
	tableRecords = "db_records"

	maxMetricDepth = 8
)

var (
	errNotObject     = errors.New("top-level JSON value is not an object")
	errNoDFHeader    = errors.New("df output has no header")
	errNoLoadAverage = errors.New("no load average found")
	errEmptyOutput   = errors.New("empty output")
)

type sysmoniReport struct {
	CPU struct {
		TotalPercent *float64 `json:"total_percent"`
		Load1        *float64 `json:"load_1"`
		Load5        *float64 `json:"load_5"`
		Load15       *float64 `json:"load_15"`
	} `json:"cpu"`
	Memory struct {
		TotalBytes     *int64 `json:"total_bytes"`
		UsedBytes      *int64 `json:"used_bytes"`
		AvailableBytes *int64 `json:"available_bytes"`
		SwapTotalBytes *int64 `json:"swap_total_bytes"`
		SwapUsedBytes  *int64 `json:"swap_used_bytes"`
	} `json:"memory"`
	Disk struct {
		Filesystems []struct {
			Mount      string `json:"mount"`
			Filesystem string `json:"filesystem"`
			TotalBytes int64  `json:"total_bytes"`
			UsedBytes  int64  `json:"used_bytes"`
		} `json:"filesystems"`
	} `json:"disk"`
	Processes []json.RawMessage `json:"processes"`
}

func setIf[T any](cols map[string]interface{}, name string, v *T) {
	if v != nil {
		cols[name] = *v
	}
}

// parseSysmoni maps one sysmoni --json report to a sys_samples row plus a
// disk_samples row per filesystem.
func parseSysmoni(out []byte, row RowFactory) ([]models.NormalizedRow, []string, error) {
	var rep sysmoniReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return nil, nil, err
	}

	sys := row(tableSys, "")
	setIf(sys.Columns, "cpu_percent", rep.CPU.TotalPercent)
	setIf(sys.Columns, "load1", rep.CPU.Load1)
	setIf(sys.Columns, "load5", rep.CPU.Load5)
	setIf(sys.Columns, "load15", rep.CPU.Load15)
	setIf(sys.Columns, "mem_total_bytes", rep.Memory.TotalBytes)
	setIf(sys.Columns, "mem_used_bytes", rep.Memory.UsedBytes)
	setIf(sys.Columns, "mem_available_bytes", rep.Memory.AvailableBytes)
	setIf(sys.Columns, "swap_total_bytes", rep.Memory.SwapTotalBytes)
	setIf(sys.Columns, "swap_used_bytes", rep.Memory.SwapUsedBytes)

	if rep.Processes != nil {
		sys.Columns["process_count"] = int64(len(rep.Processes))
	}

	sys.Raw = out

	rows := []models.NormalizedRow{sys}

	for _, fs := range rep.Disk.Filesystems {
		if fs.Mount == "" {
			continue
		}

		d := row(tableDisk, fs.Mount)
		d.Columns["mount"] = fs.Mount
		d.Columns["total_bytes"] = fs.TotalBytes
		d.Columns["used_bytes"] = fs.UsedBytes
		d.Columns["available_bytes"] = fs.TotalBytes - fs.UsedBytes

		if fs.Filesystem != "" {
			d.Columns["filesystem"] = fs.Filesystem
		}

		if fs.TotalBytes > 0 {
			d.Columns["used_percent"] = 100 * float64(fs.UsedBytes) / float64(fs.TotalBytes)
		}

		rows = append(rows, d)
	}

	return rows, nil, nil
}

// parseMetricsJSON flattens every numeric leaf of a JSON object into a
// metric_samples row named by its dotted path.
func parseMetricsJSON(out []byte, row RowFactory) ([]models.NormalizedRow, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, err
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, nil, errNotObject
	}

	metrics := make(map[string]float64)

	var warnings []string

	flattenMetrics("", obj, 0, metrics, &warnings)

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}

	sort.Strings(names)

	rows := make([]models.NormalizedRow, 0, len(names))

	for _, name := range names {
		r := row(tableMetrics, name)
		r.Columns["name"] = name
		r.Columns["value"] = metrics[name]
		rows = append(rows, r)
	}

	return rows, warnings, nil
}

func flattenMetrics(prefix string, v interface{}, depth int, out map[string]float64, warnings *[]string) {
	if depth > maxMetricDepth {
		*warnings = append(*warnings, fmt.Sprintf("metrics nested deeper than %d under %q ignored", maxMetricDepth, prefix))
		return
	}

	join := func(k string) string {
		if prefix == "" {
			return k
		}

		return prefix + "." + k
	}

	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			flattenMetrics(join(k), child, depth+1, out, warnings)
		}
	case []interface{}:
		for i, child := range t {
			flattenMetrics(join(strconv.Itoa(i)), child, depth+1, out, warnings)
		}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			out[prefix] = f
		}
	case bool:
		if t {
			out[prefix] = 1
		} else {
			out[prefix] = 0
		}
	}
}

// parseDF reads POSIX df -P output. The block size comes from the header
// ("1024-blocks", "1-blocks", "1B-blocks").
func parseDF(out []byte, row RowFactory) ([]models.NormalizedRow, []string, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))

	if !sc.Scan() {
		return nil, nil, errNoDFHeader
	}

	header := strings.Fields(sc.Text())
	if len(header) < 2 || !strings.HasSuffix(strings.ToLower(header[1]), "-blocks") {
		return nil, nil, fmt.Errorf("%w: %q", errNoDFHeader, sc.Text())
	}

	unit := int64(1)

	sizeSpec := strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(header[1]), "-blocks"), "b")
	if n, err := strconv.ParseInt(sizeSpec, 10, 64); err == nil && n > 0 {
		unit = n
	}

	var (
		rows     []models.NormalizedRow
		warnings []string
	)

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			if len(fields) > 0 {
				warnings = append(warnings, fmt.Sprintf("short df line %q", sc.Text()))
			}

			continue
		}

		total, err1 := strconv.ParseInt(fields[1], 10, 64)
		used, err2 := strconv.ParseInt(fields[2], 10, 64)
		avail, err3 := strconv.ParseInt(fields[3], 10, 64)

		if err := errors.Join(err1, err2, err3); err != nil {
			warnings = append(warnings, fmt.Sprintf("bad df line %q: %v", sc.Text(), err))
			continue
		}

		if total == 0 {
			continue
		}

		mount := strings.Join(fields[5:], " ")

		d := row(tableDisk, mount)
		d.Columns["mount"] = mount
		d.Columns["filesystem"] = fields[0]
		d.Columns["total_bytes"] = total * unit
		d.Columns["used_bytes"] = used * unit
		d.Columns["available_bytes"] = avail * unit

		if used+avail > 0 {
			d.Columns["used_percent"] = 100 * float64(used) / float64(used+avail)
		}

		rows = append(rows, d)
	}

	return rows, warnings, sc.Err()
}

// parseMeminfo reads /proc/meminfo into one sys_samples row.
func parseMeminfo(out []byte, row RowFactory) ([]models.NormalizedRow, []string, error) {
	values := make(map[string]int64)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}

		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}

		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}

		if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
			n *= 1024
		}

		values[strings.TrimSpace(key)] = n
	}

	if err := sc.Err(); err != nil {
		return nil, nil, err
	}

	total, ok := values["MemTotal"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: MemTotal missing", errEmptyOutput)
	}

	available, ok := values["MemAvailable"]
	if !ok {
		available = values["MemFree"] + values["Buffers"] + values["Cached"]
	}

	r := row(tableSys, "")
	r.Columns["mem_total_bytes"] = total
	r.Columns["mem_available_bytes"] = available
	r.Columns["mem_used_bytes"] = total - available

	if swapTotal, ok := values["SwapTotal"]; ok {
		r.Columns["swap_total_bytes"] = swapTotal
		r.Columns["swap_used_bytes"] = swapTotal - values["SwapFree"]
	}

	return []models.NormalizedRow{r}, nil, nil
}

// parseLoad accepts "/proc/loadavg" followed by "/proc/uptime", or the
// output of uptime(1) on Linux and macOS.
func parseLoad(out []byte, row RowFactory) ([]models.NormalizedRow, []string, error) {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return nil, nil, errEmptyOutput
	}

	r := row(tableSys, "")

	if idx := strings.Index(text, "load average"); idx >= 0 {
		_, nums, ok := strings.Cut(text[idx:], ":")
		if !ok {
			return nil, nil, errNoLoadAverage
		}

		loads := parseFloats(nums)
		if len(loads) < 3 {
			return nil, nil, errNoLoadAverage
		}

		r.Columns["load1"], r.Columns["load5"], r.Columns["load15"] = loads[0], loads[1], loads[2]

		return []models.NormalizedRow{r}, nil, nil
	}

	lines := strings.Split(text, "\n")

	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		return nil, nil, errNoLoadAverage
	}

	loads := parseFloats(strings.Join(fields[:3], " "))
	if len(loads) < 3 {
		return nil, nil, errNoLoadAverage
	}

	r.Columns["load1"], r.Columns["load5"], r.Columns["load15"] = loads[0], loads[1], loads[2]

	var warnings []string

	if len(fields) >= 4 {
		if _, total, ok := strings.Cut(fields[3], "/"); ok {
			if n, err := strconv.ParseInt(total, 10, 64); err == nil {
				r.Columns["process_count"] = n
			}
		}
	}

	if len(lines) > 1 {
		if up := strings.Fields(lines[1]); len(up) > 0 {
			if secs, err := strconv.ParseFloat(up[0], 64); err == nil {
				r.Columns["uptime_seconds"] = secs
			} else {
				warnings = append(warnings, fmt.Sprintf("bad uptime line %q", lines[1]))
			}
		}
	}

	return []models.NormalizedRow{r}, warnings, nil
}

func parseFloats(s string) []float64 {
	var out []float64

	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		if v, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err == nil {
			out = append(out, v)
		}
	}

	return out
}

// journal priorities 0..7 folded to log levels.
var journalLevels = []string{"critical", "critical", "critical", "error", "warning", "info", "info", "debug"}

// parseJournal reads journalctl -o json lines. The journal cursor is the
// discriminator, so re-reads of the window boundary dedupe.
func parseJournal(out []byte, row func(string, time.Time) models.NormalizedRow) ([]models.NormalizedRow, []string, error) {
	var (
		rows     []models.NormalizedRow
		warnings []string
	)

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry map[string]interface{}
		if err := json.Unmarshal(line, &entry); err != nil {
			warnings = append(warnings, fmt.Sprintf("bad journal line: %v", err))
			continue
		}

		cursor, _ := entry["__CURSOR"].(string)
		usec, err := strconv.ParseInt(fmt.Sprint(entry["__REALTIME_TIMESTAMP"]), 10, 64)

		if cursor == "" || err != nil {
			warnings = append(warnings, "journal entry without cursor or timestamp skipped")
			continue
		}

		r := row(cursor, time.UnixMicro(usec))
		r.Columns["message"] = journalMessage(entry["MESSAGE"])
		r.Columns["level"] = "info"

		if p, err := strconv.Atoi(fmt.Sprint(entry["PRIORITY"])); err == nil && p >= 0 && p < len(journalLevels) {
			r.Columns["level"] = journalLevels[p]
		}

		unit, _ := entry["_SYSTEMD_UNIT"].(string)
		if unit == "" {
			unit, _ = entry["SYSLOG_IDENTIFIER"].(string)
		}

		if unit != "" {
			r.Columns["unit"] = unit
		}

		r.Raw = append([]byte(nil), line...)
		rows = append(rows, r)
	}

	return rows, warnings, sc.Err()
}

// journalMessage handles MESSAGE fields that journald emits as byte arrays
// when they are not valid UTF-8.
func journalMessage(v interface{}) string {
	switch m := v.(type) {
	case string:
		return m
	case []interface{}:
		b := make([]byte, 0, len(m))

		for _, x := range m {
			if f, ok := x.(float64); ok {
				b = append(b, byte(f))
			}
		}

		return strings.ToValidUTF8(string(b), "?")
	case nil:
		return ""
	default:
		return fmt.Sprint(m)
	}
}

// parseSyslogLine reads RFC 3164 ("Mar  1 12:00:00 host prog[1]: msg") or
// RFC 3339 prefixed lines.
func parseSyslogLine(now time.Time) TailLineFunc {
	return func(line []byte, row func(time.Time) models.NormalizedRow) (*models.NormalizedRow, error) {
		text := string(line)

		var (
			at   time.Time
			rest string
		)

		if first, tail, ok := strings.Cut(text, " "); ok {
			if t, err := time.Parse(time.RFC3339Nano, first); err == nil {
				at, rest = t, tail
			}
		}

		if at.IsZero() && len(text) >= 16 {
			if t, err := time.Parse(time.Stamp, text[:15]); err == nil {
				at = t.AddDate(now.Year(), 0, 0)
				if at.After(now.Add(24 * time.Hour)) {
					at = at.AddDate(-1, 0, 0)
				}

				rest = text[16:]
			}
		}

		if at.IsZero() {
			rest = text
		}

		r := row(at)

		_, afterHost, _ := strings.Cut(rest, " ")
		prog, msg, ok := strings.Cut(afterHost, ": ")

		if ok && !strings.ContainsAny(prog, " ") {
			if i := strings.IndexByte(prog, '['); i > 0 {
				prog = prog[:i]
			}

			r.Columns["unit"] = prog
		} else {
			msg = rest
		}

		r.Columns["message"] = msg
		r.Columns["level"] = syslogLevel(msg)
		r.Raw = append([]byte(nil), line...)

		return &r, nil
	}
}

func syslogLevel(msg string) string {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "panic"), strings.Contains(lower, "fatal"), strings.Contains(lower, "critical"):
		return "critical"
	case strings.Contains(lower, "error"), strings.Contains(lower, "fail"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warning"
	default:
		return "info"
	}
}
