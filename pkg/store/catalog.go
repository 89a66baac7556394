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

package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// ColumnType is the storage class of a fact column.
type ColumnType int

const (
	ColumnReal ColumnType = iota
	ColumnInteger
	ColumnText
)

// Column describes one table-specific column of a fact table.
type Column struct {
	Name     string
	Type     ColumnType
	Required bool
}

// Table describes a fact table. Every fact table also carries the identity
// columns machine_id, collected_at, source, source_version, schema_version,
// discriminator and raw.
type Table struct {
	Name    string
	Columns []Column

	byName     map[string]Column
	insertSQL  string
	selectList string
}

// Fact table names.
const (
	TableMetricSamples = "metric_samples"
	TableSysSamples    = "sys_samples"
	TableDiskSamples   = "disk_samples"
	TableLogEvents     = "log_events"
	TableDBRecords     = "db_records"
)

var identityColumns = []string{
	"machine_id", "collected_at", "source", "source_version", "schema_version", "discriminator",
}

var catalog = buildCatalog(
	&Table{Name: TableMetricSamples, Columns: []Column{
		{Name: "name", Type: ColumnText, Required: true},
		{Name: "value", Type: ColumnReal},
		{Name: "unit", Type: ColumnText},
	}},
	&Table{Name: TableSysSamples, Columns: []Column{
		{Name: "cpu_percent", Type: ColumnReal},
		{Name: "load1", Type: ColumnReal},
		{Name: "load5", Type: ColumnReal},
		{Name: "load15", Type: ColumnReal},
		{Name: "mem_total_bytes", Type: ColumnInteger},
		{Name: "mem_used_bytes", Type: ColumnInteger},
		{Name: "mem_available_bytes", Type: ColumnInteger},
		{Name: "swap_total_bytes", Type: ColumnInteger},
		{Name: "swap_used_bytes", Type: ColumnInteger},
		{Name: "uptime_seconds", Type: ColumnReal},
		{Name: "process_count", Type: ColumnInteger},
	}},
	&Table{Name: TableDiskSamples, Columns: []Column{
		{Name: "mount", Type: ColumnText, Required: true},
		{Name: "filesystem", Type: ColumnText},
		{Name: "total_bytes", Type: ColumnInteger},
		{Name: "used_bytes", Type: ColumnInteger},
		{Name: "available_bytes", Type: ColumnInteger},
		{Name: "used_percent", Type: ColumnReal},
	}},
	&Table{Name: TableLogEvents, Columns: []Column{
		{Name: "level", Type: ColumnText},
		{Name: "unit", Type: ColumnText},
		{Name: "message", Type: ColumnText},
	}},
	&Table{Name: TableDBRecords, Columns: []Column{
		{Name: "record_key", Type: ColumnText, Required: true},
		{Name: "kind", Type: ColumnText},
		{Name: "status", Type: ColumnText},
		{Name: "payload", Type: ColumnText},
	}},
)

func buildCatalog(tables ...*Table) map[string]*Table {
	out := make(map[string]*Table, len(tables))

	for _, t := range tables {
		t.byName = make(map[string]Column, len(t.Columns))
		names := make([]string, 0, len(t.Columns))

		for _, c := range t.Columns {
			t.byName[c.Name] = c
			names = append(names, c.Name)
		}

		cols := strings.Join(names, ", ")
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(identityColumns)+len(names)+1), ", ")

		t.insertSQL = fmt.Sprintf(`INSERT INTO %s (%s, %s, raw) VALUES (%s)
			ON CONFLICT (machine_id, collected_at, source, discriminator) DO NOTHING`,
			t.Name, strings.Join(identityColumns, ", "), cols, marks)
		t.selectList = fmt.Sprintf("id, %s, %s, raw", strings.Join(identityColumns, ", "), cols)

		out[t.Name] = t
	}

	return out
}

// LookupTable returns the catalog entry for name.
func LookupTable(name string) (*Table, error) {
	t, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}

	return t, nil
}

// FactTables lists the catalog in name order.
func FactTables() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ValidateRow checks identity fields and coerces column values to their
// storage types in place.
func ValidateRow(row *models.NormalizedRow) error {
	if row == nil {
		return fmt.Errorf("%w: nil row", ErrInvalidRow)
	}

	t, err := LookupTable(row.Table)
	if err != nil {
		return err
	}

	switch {
	case row.MachineID == "":
		return fmt.Errorf("%w: %s: machine_id is empty", ErrInvalidRow, row.Table)
	case row.Source == "":
		return fmt.Errorf("%w: %s: source is empty", ErrInvalidRow, row.Table)
	case row.CollectedAt.IsZero():
		return fmt.Errorf("%w: %s: collected_at is zero", ErrInvalidRow, row.Table)
	}

	for name, v := range row.Columns {
		col, ok := t.byName[name]
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, row.Table, name)
		}

		coerced, err := coerce(col, v)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidRow, row.Table, name, err)
		}

		row.Columns[name] = coerced
	}

	for _, col := range t.Columns {
		if col.Required && row.Columns[col.Name] == nil {
			return fmt.Errorf("%w: %s.%s is required", ErrInvalidRow, row.Table, col.Name)
		}
	}

	return nil
}

func coerce(col Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch col.Type {
	case ColumnReal:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("not a finite number: %v", v)
		}

		return f, nil
	case ColumnInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, nil
			}
		}

		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("not an integer: %v", v)
		}

		return int64(f), nil
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		default:
			b, err := json.Marshal(s)
			if err != nil {
				return nil, err
			}

			return strings.Trim(string(b), `"`), nil
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}

		return 0, true
	default:
		return 0, false
	}
}
