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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 100000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return limit
	}
}

func (s *SQLStore) GetCursor(ctx context.Context, machineID, source, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, `SELECT cursor_value FROM ingestion_cursors
			WHERE machine_id = ? AND source = ? AND cursor_key = ?`,
			[]interface{}{machineID, source, key},
			func(vals []interface{}) error {
				value = asString(vals[0])
				found = true

				return nil
			})
	})
	if err != nil {
		return "", false, fmt.Errorf("get cursor %s/%s: %w", machineID, source, err)
	}

	return value, found, nil
}

func (s *SQLStore) Commit(ctx context.Context, batch *Batch) (*CommitResult, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrInvalidRow)
	}

	stmts := make([]statement, 0, len(batch.Rows))

	for i := range batch.Rows {
		row := &batch.Rows[i]

		if err := ValidateRow(row); err != nil {
			return nil, err
		}

		stmt, err := s.insertRowStatement(row)
		if err != nil {
			return nil, err
		}

		stmts = append(stmts, stmt)
	}

	if batch.Cursor != nil && (batch.Cursor.MachineID == "" || batch.Cursor.Source == "" || batch.Cursor.Key == "") {
		return nil, fmt.Errorf("%w: cursor identity is incomplete", ErrInvalidRow)
	}

	var (
		inserted  int
		outcomeID int64
	)

	err := s.writeTx(ctx, func(q querier) error {
		affected, err := q.execBatch(ctx, stmts)
		if err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}

		inserted = 0
		for _, n := range affected {
			inserted += int(n)
		}

		if err := s.inject(faultAfterRows); err != nil {
			return err
		}

		if batch.Cursor != nil {
			if err := s.upsertCursor(ctx, q, batch.Cursor); err != nil {
				return err
			}
		}

		if err := s.inject(faultAfterCursor); err != nil {
			return err
		}

		if batch.Outcome != nil {
			outcome := *batch.Outcome
			outcome.Inserted = inserted

			if outcomeID, err = s.insertOutcome(ctx, q, &outcome); err != nil {
				return err
			}
		}

		return s.inject(faultBeforeCommit)
	})
	if err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}

	if batch.Outcome != nil {
		batch.Outcome.Inserted = inserted
		batch.Outcome.ID = outcomeID
	}

	return &CommitResult{Inserted: inserted, Duplicates: len(stmts) - inserted}, nil
}

func (s *SQLStore) insertRowStatement(row *models.NormalizedRow) (statement, error) {
	t, err := LookupTable(row.Table)
	if err != nil {
		return statement{}, err
	}

	raw, err := encodeRaw(row.Raw)
	if err != nil {
		return statement{}, err
	}

	args := make([]interface{}, 0, len(identityColumns)+len(t.Columns)+1)
	args = append(args,
		row.MachineID,
		s.eng.bindTime(row.CollectedAt),
		row.Source,
		int64(row.SourceVersion),
		int64(row.SchemaVersion),
		row.Discriminator,
	)

	for _, col := range t.Columns {
		args = append(args, row.Columns[col.Name])
	}

	if raw == nil {
		args = append(args, nil)
	} else {
		args = append(args, raw)
	}

	return statement{query: t.insertSQL, args: args}, nil
}

func (s *SQLStore) upsertCursor(ctx context.Context, q querier, c *models.Cursor) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	_, err := q.exec(ctx, `INSERT INTO ingestion_cursors (machine_id, source, cursor_key, cursor_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (machine_id, source, cursor_key)
		DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		c.MachineID, c.Source, c.Key, c.Value, s.eng.bindTime(updated))
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}

	return nil
}

func (s *SQLStore) insertOutcome(ctx context.Context, q querier, o *models.IngestionOutcome) (int64, error) {
	warnings, err := encodeJSON(o.Warnings, "[]")
	if err != nil {
		return 0, err
	}

	var id int64

	err = q.query(ctx, `INSERT INTO ingestion_outcomes
		(machine_id, source, status, row_count, inserted, warnings, error, error_kind,
		 duration_us, bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		[]interface{}{
			o.MachineID, o.Source, string(o.Status), int64(o.RowCount), int64(o.Inserted),
			warnings, o.Error, string(o.ErrorKind), o.Duration.Microseconds(), o.Bytes,
			s.eng.bindTime(o.StartedAt), s.eng.bindTime(o.FinishedAt),
		},
		func(vals []interface{}) error {
			id = asInt64(vals[0])
			return nil
		})
	if err != nil {
		return 0, fmt.Errorf("insert outcome: %w", err)
	}

	return id, nil
}

// RecordOutcome stores an outcome that has no rows or cursor attached.
func (s *SQLStore) RecordOutcome(ctx context.Context, outcome *models.IngestionOutcome) error {
	if outcome == nil || outcome.MachineID == "" || outcome.Source == "" {
		return fmt.Errorf("%w: outcome identity is incomplete", ErrInvalidRow)
	}

	return s.writeTx(ctx, func(q querier) error {
		id, err := s.insertOutcome(ctx, q, outcome)
		if err != nil {
			return err
		}

		outcome.ID = id

		return nil
	})
}

const outcomeColumns = `id, machine_id, source, status, row_count, inserted, CAST(warnings AS TEXT),
	error, error_kind, duration_us, bytes, started_at, finished_at`

func decodeOutcome(vals []interface{}) (models.IngestionOutcome, error) {
	o := models.IngestionOutcome{
		ID:         asInt64(vals[0]),
		MachineID:  asString(vals[1]),
		Source:     asString(vals[2]),
		Status:     models.OutcomeStatus(asString(vals[3])),
		RowCount:   int(asInt64(vals[4])),
		Inserted:   int(asInt64(vals[5])),
		Error:      asString(vals[7]),
		ErrorKind:  models.ErrorKind(asString(vals[8])),
		Duration:   time.Duration(asInt64(vals[9])) * time.Microsecond,
		Bytes:      asInt64(vals[10]),
		StartedAt:  asTime(vals[11]),
		FinishedAt: asTime(vals[12]),
	}

	if err := decodeJSON(vals[6], &o.Warnings); err != nil {
		return o, fmt.Errorf("decode outcome warnings: %w", err)
	}

	return o, nil
}

func (s *SQLStore) ListOutcomes(ctx context.Context, oq OutcomeQuery) ([]models.IngestionOutcome, error) {
	var (
		where []string
		args  []interface{}
	)

	if oq.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, oq.MachineID)
	}

	if oq.Source != "" {
		where = append(where, "source = ?")
		args = append(args, oq.Source)
	}

	if oq.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(oq.Status))
	}

	if !oq.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, s.eng.bindTime(oq.Since))
	}

	query := "SELECT " + outcomeColumns + " FROM ingestion_outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, int64(clampLimit(oq.Limit)))

	var out []models.IngestionOutcome

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, query, args, func(vals []interface{}) error {
			o, err := decodeOutcome(vals)
			if err != nil {
				return err
			}

			out = append(out, o)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}

	return out, nil
}

func (s *SQLStore) RecordIntervalDecision(ctx context.Context, d *models.IntervalDecision) error {
	if d == nil || d.MachineID == "" || d.Source == "" {
		return fmt.Errorf("%w: interval decision identity is incomplete", ErrInvalidRow)
	}

	return s.writeTx(ctx, func(q querier) error {
		_, err := q.exec(ctx, `INSERT INTO interval_decisions
			(machine_id, source, old_interval_ms, new_interval_ms, reason, decided_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.MachineID, d.Source, d.OldInterval.Milliseconds(), d.NewInterval.Milliseconds(),
			d.Reason, s.eng.bindTime(d.DecidedAt))

		return err
	})
}

func (s *SQLStore) ListIntervalDecisions(ctx context.Context, machineID, source string, limit int) ([]models.IntervalDecision, error) {
	var out []models.IntervalDecision

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, `SELECT machine_id, source, old_interval_ms, new_interval_ms, reason, decided_at
			FROM interval_decisions
			WHERE machine_id = ? AND (? = '' OR source = ?)
			ORDER BY decided_at DESC, id DESC
			LIMIT ?`,
			[]interface{}{machineID, source, source, int64(clampLimit(limit))},
			func(vals []interface{}) error {
				out = append(out, models.IntervalDecision{
					MachineID:   asString(vals[0]),
					Source:      asString(vals[1]),
					OldInterval: time.Duration(asInt64(vals[2])) * time.Millisecond,
					NewInterval: time.Duration(asInt64(vals[3])) * time.Millisecond,
					Reason:      asString(vals[4]),
					DecidedAt:   asTime(vals[5]),
				})

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("list interval decisions: %w", err)
	}

	return out, nil
}

func decodeFactRow(t *Table, vals []interface{}) (models.NormalizedRow, error) {
	row := models.NormalizedRow{
		Table:         t.Name,
		MachineID:     asString(vals[1]),
		CollectedAt:   asTime(vals[2]),
		Source:        asString(vals[3]),
		SourceVersion: int(asInt64(vals[4])),
		SchemaVersion: int(asInt64(vals[5])),
		Discriminator: asString(vals[6]),
		Columns:       make(map[string]interface{}, len(t.Columns)),
	}

	base := 1 + len(identityColumns)

	for i, col := range t.Columns {
		if v := columnValue(col, vals[base+i]); v != nil {
			row.Columns[col.Name] = v
		}
	}

	raw, err := decodeRaw(asBytes(vals[base+len(t.Columns)]))
	if err != nil {
		return row, err
	}

	row.Raw = raw

	return row, nil
}

func (s *SQLStore) QueryRows(ctx context.Context, rq RowQuery) ([]models.NormalizedRow, error) {
	t, err := LookupTable(rq.Table)
	if err != nil {
		return nil, err
	}

	where := []string{"machine_id = ?"}
	args := []interface{}{rq.MachineID}

	if rq.Source != "" {
		where = append(where, "source = ?")
		args = append(args, rq.Source)
	}

	if !rq.From.IsZero() {
		where = append(where, "collected_at >= ?")
		args = append(args, s.eng.bindTime(rq.From))
	}

	if !rq.To.IsZero() {
		where = append(where, "collected_at < ?")
		args = append(args, s.eng.bindTime(rq.To))
	}

	order := "ASC"
	if rq.Descending {
		order = "DESC"
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY collected_at %s, id %s LIMIT ?",
		t.selectList, t.Name, strings.Join(where, " AND "), order, order)
	args = append(args, int64(clampLimit(rq.Limit)))

	return s.readFactRows(ctx, t, query, args)
}

func (s *SQLStore) LatestRows(ctx context.Context, rq RowQuery) ([]models.NormalizedRow, error) {
	t, err := LookupTable(rq.Table)
	if err != nil {
		return nil, err
	}

	filter := "machine_id = ?"
	filterArgs := []interface{}{rq.MachineID}

	if rq.Source != "" {
		filter += " AND source = ?"
		filterArgs = append(filterArgs, rq.Source)
	}

	inner := "SELECT MAX(collected_at) FROM " + t.Name + " WHERE " + filter
	innerArgs := append([]interface{}{}, filterArgs...)

	if !rq.From.IsZero() {
		inner += " AND collected_at >= ?"
		innerArgs = append(innerArgs, s.eng.bindTime(rq.From))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND collected_at = (%s) ORDER BY id",
		t.selectList, t.Name, filter, inner)

	args := append(append([]interface{}{}, filterArgs...), innerArgs...)

	return s.readFactRows(ctx, t, query, args)
}

func (s *SQLStore) readFactRows(ctx context.Context, t *Table, query string, args []interface{}) ([]models.NormalizedRow, error) {
	var out []models.NormalizedRow

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, query, args, func(vals []interface{}) error {
			row, err := decodeFactRow(t, vals)
			if err != nil {
				return err
			}

			out = append(out, row)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}

	return out, nil
}

// Freshness reports, per (machine, source) pair, the latest outcome, the last
// non-failure and the count of failures since it. An empty machineID covers
// every machine.
func (s *SQLStore) Freshness(ctx context.Context, machineID string) ([]PairFreshness, error) {
	var out []PairFreshness

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, `SELECT o.machine_id, o.source, o.status, o.error_kind, o.error, o.finished_at,
			(SELECT MAX(s.finished_at) FROM ingestion_outcomes s
				WHERE s.machine_id = o.machine_id AND s.source = o.source AND s.status <> 'failure'),
			(SELECT COUNT(*) FROM ingestion_outcomes f
				WHERE f.machine_id = o.machine_id AND f.source = o.source AND f.status = 'failure'
				AND f.id > COALESCE((SELECT MAX(s2.id) FROM ingestion_outcomes s2
					WHERE s2.machine_id = o.machine_id AND s2.source = o.source AND s2.status <> 'failure'), 0))
			FROM ingestion_outcomes o
			WHERE o.id IN (SELECT MAX(id) FROM ingestion_outcomes
				WHERE ? = '' OR machine_id = ? GROUP BY machine_id, source)
			ORDER BY o.machine_id, o.source`,
			[]interface{}{machineID, machineID},
			func(vals []interface{}) error {
				out = append(out, PairFreshness{
					MachineID:           asString(vals[0]),
					Source:              asString(vals[1]),
					LastStatus:          models.OutcomeStatus(asString(vals[2])),
					LastErrorKind:       models.ErrorKind(asString(vals[3])),
					LastError:           asString(vals[4]),
					LastAttemptAt:       asTime(vals[5]),
					LastSuccessAt:       asTimePtr(vals[6]),
					ConsecutiveFailures: int(asInt64(vals[7])),
				})

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("freshness: %w", err)
	}

	return out, nil
}

// ApplyRetention deletes history older than the policy allows. Alerts and
// alert events are never deleted.
func (s *SQLStore) ApplyRetention(ctx context.Context, policy RetentionPolicy, now time.Time) (*RetentionResult, error) {
	type target struct {
		table  string
		column string
		keep   time.Duration
	}

	var targets []target

	for _, name := range FactTables() {
		targets = append(targets, target{name, "collected_at", policy.Facts})
	}

	targets = append(targets,
		target{"ingestion_outcomes", "finished_at", policy.Outcomes},
		target{"health_factors", "evaluated_at", policy.Health},
		target{"health_snapshots", "evaluated_at", policy.Health},
		target{"interval_decisions", "decided_at", policy.Decisions},
	)

	res := &RetentionResult{Deleted: make(map[string]int64)}

	err := s.writeTx(ctx, func(q querier) error {
		for _, t := range targets {
			if t.keep <= 0 {
				continue
			}

			n, err := q.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column),
				s.eng.bindTime(now.Add(-t.keep)))
			if err != nil {
				return fmt.Errorf("retention %s: %w", t.table, err)
			}

			if n > 0 {
				res.Deleted[t.table] = n
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
