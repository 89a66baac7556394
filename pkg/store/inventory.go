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
	"encoding/json"
	"fmt"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// SyncMachine upserts the configured identity of a machine. Liveness fields
// are owned by UpdateLiveness and survive a sync.
func (s *SQLStore) SyncMachine(ctx context.Context, m *models.Machine) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: machine_id is empty", ErrInvalidRow)
	}

	target, err := json.Marshal(m.Target)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}

	tags, err := encodeJSON(m.Tags, "[]")
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	kind := m.Target.Kind
	if kind == "" {
		kind = models.TargetLocal
	}

	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	return s.writeTx(ctx, func(q querier) error {
		_, err := q.exec(ctx, `INSERT INTO machines
			(machine_id, target_kind, target, tags, enabled, liveness, consecutive_failures, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT (machine_id) DO UPDATE SET
				target_kind = excluded.target_kind,
				target = excluded.target,
				tags = excluded.tags,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			m.ID, string(kind), string(target), tags, m.Enabled, string(models.LivenessUnknown),
			s.eng.bindTime(updated))

		return err
	})
}

func (s *SQLStore) UpdateLiveness(ctx context.Context, machineID string, liveness models.Liveness, failures int, lastSeen *time.Time) error {
	return s.writeTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, `UPDATE machines
			SET liveness = ?, consecutive_failures = ?, last_seen_at = COALESCE(?, last_seen_at), updated_at = ?
			WHERE machine_id = ?`,
			string(liveness), int64(failures), s.bindTimePtr(lastSeen), s.eng.bindTime(s.now()), machineID)
		if err != nil {
			return err
		}

		if n == 0 {
			return fmt.Errorf("machine %q: %w", machineID, ErrNotFound)
		}

		return nil
	})
}

const machineColumns = `machine_id, CAST(target AS TEXT), CAST(tags AS TEXT), enabled, liveness,
	consecutive_failures, last_seen_at, updated_at`

func decodeMachine(vals []interface{}) (models.Machine, error) {
	m := models.Machine{
		ID:                  asString(vals[0]),
		Enabled:             asBool(vals[3]),
		Liveness:            models.Liveness(asString(vals[4])),
		ConsecutiveFailures: int(asInt64(vals[5])),
		LastSeenAt:          asTimePtr(vals[6]),
		UpdatedAt:           asTime(vals[7]),
	}

	if err := decodeJSON(vals[1], &m.Target); err != nil {
		return m, fmt.Errorf("decode target of %s: %w", m.ID, err)
	}

	if err := decodeJSON(vals[2], &m.Tags); err != nil {
		return m, fmt.Errorf("decode tags of %s: %w", m.ID, err)
	}

	return m, nil
}

func (s *SQLStore) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	var found *models.Machine

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, "SELECT "+machineColumns+" FROM machines WHERE machine_id = ?",
			[]interface{}{machineID},
			func(vals []interface{}) error {
				m, err := decodeMachine(vals)
				if err != nil {
					return err
				}

				found = &m

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}

	if found == nil {
		return nil, fmt.Errorf("machine %q: %w", machineID, ErrNotFound)
	}

	return found, nil
}

func (s *SQLStore) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var out []models.Machine

	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, "SELECT "+machineColumns+" FROM machines ORDER BY machine_id", nil,
			func(vals []interface{}) error {
				m, err := decodeMachine(vals)
				if err != nil {
					return err
				}

				out = append(out, m)

				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	return out, nil
}

func (s *SQLStore) RegisterCollector(ctx context.Context, desc models.CollectorDescriptor, now time.Time) (*models.CollectorVersionChange, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: collector name is empty", ErrInvalidRow)
	}

	var change *models.CollectorVersionChange

	err := s.writeTx(ctx, func(q querier) error {
		var (
			known                    bool
			oldParser, oldSchemaVers int
		)

		err := q.query(ctx, "SELECT parser_version, schema_version FROM collectors WHERE name = ?",
			[]interface{}{desc.Name},
			func(vals []interface{}) error {
				known = true
				oldParser = int(asInt64(vals[0]))
				oldSchemaVers = int(asInt64(vals[1]))

				return nil
			})
		if err != nil {
			return err
		}

		if known && (oldParser != desc.ParserVersion || oldSchemaVers != desc.SchemaVersion) {
			change = &models.CollectorVersionChange{
				Name:             desc.Name,
				OldParserVersion: oldParser,
				NewParserVersion: desc.ParserVersion,
				OldSchemaVersion: oldSchemaVers,
				NewSchemaVersion: desc.SchemaVersion,
				ChangedAt:        now,
			}

			if _, err := q.exec(ctx, `INSERT INTO collector_version_changes
				(name, old_parser_version, new_parser_version, old_schema_version, new_schema_version, changed_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				desc.Name, int64(oldParser), int64(desc.ParserVersion),
				int64(oldSchemaVers), int64(desc.SchemaVersion), s.eng.bindTime(now)); err != nil {
				return err
			}
		}

		_, err = q.exec(ctx, `INSERT INTO collectors (name, kind, parser_version, schema_version, interval_ms, registered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				kind = excluded.kind,
				parser_version = excluded.parser_version,
				schema_version = excluded.schema_version,
				interval_ms = excluded.interval_ms`,
			desc.Name, string(desc.Kind), int64(desc.ParserVersion), int64(desc.SchemaVersion),
			desc.Interval.Milliseconds(), s.eng.bindTime(now))

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register collector %s: %w", desc.Name, err)
	}

	return change, nil
}
