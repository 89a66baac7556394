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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// DBCursorKey names the cursor of database-incremental collectors.
const DBCursorKey = "last_key"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DBRecordFunc maps one database record to a row. A nil row skips it.
type DBRecordFunc func(rec map[string]interface{}, row func(discriminator string, at time.Time) models.NormalizedRow) (*models.NormalizedRow, error)

// DBIncremental reads new records from a sqlite database on the target with
// the sqlite3 CLI, keyed by a monotonically increasing column.
type DBIncremental struct {
	Desc      models.CollectorDescriptor
	Table     string
	DBPath    string
	Query     DBQuery
	MapRecord DBRecordFunc
}

// DBQuery describes the upstream table.
type DBQuery struct {
	Table     string
	KeyColumn string
	Columns   []string
}

var _ Collector = (*DBIncremental)(nil)

// Validate rejects identifiers that would need quoting.
func (q DBQuery) Validate() error {
	idents := append([]string{q.Table, q.KeyColumn}, q.Columns...)
	for _, id := range idents {
		if !identPattern.MatchString(id) {
			return fmt.Errorf("%w: identifier %q", ErrBadOption, id)
		}
	}

	return nil
}

func (d *DBIncremental) Descriptor() models.CollectorDescriptor {
	desc := d.Desc
	desc.Kind = models.KindDBIncremental

	if desc.Tool == "" {
		desc.Tool = "sqlite3"
	}

	return desc
}

// sqlLiteral renders a cursor value: integers bare, anything else quoted.
func sqlLiteral(v string) string {
	if _, ok := new(big.Int).SetString(v, 10); ok {
		return v
	}

	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (d *DBIncremental) statement(cc *CollectContext, limit int) string {
	cols := "*"
	if len(d.Query.Columns) > 0 {
		cols = strings.Join(d.Query.Columns, ", ")
	}

	var where string
	if cc.CursorFound && cc.Cursor != "" {
		where = fmt.Sprintf(" WHERE %s > %s", d.Query.KeyColumn, sqlLiteral(cc.Cursor))
	}

	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT %d",
		cols, d.Query.Table, where, d.Query.KeyColumn, limit)
}

func (d *DBIncremental) Collect(ctx context.Context, cc *CollectContext) (*Result, error) {
	if err := d.Query.Validate(); err != nil {
		return nil, &Error{Kind: models.ErrorKindCollector, Err: err}
	}

	limit := cc.Limits.maxRows()
	command := fmt.Sprintf("sqlite3 -json -readonly %s %s",
		executor.ShellQuote(d.DBPath), executor.ShellQuote(d.statement(cc, limit+1)))

	out, err := execute(ctx, cc, command)
	if err != nil {
		return nil, err
	}

	res := &Result{BytesRead: out.Bytes()}

	var records []map[string]interface{}

	if trimmed := bytes.TrimSpace(out.Stdout); len(trimmed) > 0 {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()

		if err := dec.Decode(&records); err != nil {
			res.warnf("parse: %v", err)

			return res, nil
		}
	}

	if len(records) > limit {
		res.warnf("truncated: more than max_rows %d records available", limit)
		res.Partial = true
		records = records[:limit]
	}

	lastKey := ""
	if cc.CursorFound {
		lastKey = cc.Cursor
	}

	for _, rec := range records {
		key := keyString(rec[d.Query.KeyColumn])
		if key == "" {
			res.warnf("record without %s skipped", d.Query.KeyColumn)
			continue
		}

		if lastKey == "" || compareKeys(key, lastKey) > 0 {
			lastKey = key
		}

		factory := func(discriminator string, at time.Time) models.NormalizedRow {
			return newRow(d.Desc, cc, d.Table, discriminator, at)
		}

		row, err := d.MapRecord(rec, factory)
		if err != nil {
			res.warnf("record %s: %v", key, err)
			continue
		}

		if row != nil {
			res.Rows = append(res.Rows, *row)
		}
	}

	if lastKey != "" && (!cc.CursorFound || lastKey != cc.Cursor) {
		res.Cursor = &models.Cursor{
			MachineID: cc.Machine.ID,
			Source:    d.Desc.Name,
			Key:       DBCursorKey,
			Value:     lastKey,
			UpdatedAt: cc.CollectedAt,
		}
	}

	return res, nil
}

func keyString(v interface{}) string {
	switch k := v.(type) {
	case nil:
		return ""
	case json.Number:
		return k.String()
	case string:
		return k
	default:
		return fmt.Sprint(k)
	}
}

// compareKeys compares numerically when both keys are integers and
// lexically otherwise.
func compareKeys(a, b string) int {
	ai, aok := new(big.Int).SetString(a, 10)
	bi, bok := new(big.Int).SetString(b, 10)

	if aok && bok {
		return ai.Cmp(bi)
	}

	return strings.Compare(a, b)
}
