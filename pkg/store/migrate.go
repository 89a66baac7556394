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
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type migration struct {
	version  int
	name     string
	sql      string
	checksum string
}

type appliedMigration struct {
	name     string
	checksum string
}

func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", dir, err)
	}

	out := make([]migration, 0, len(entries))
	seen := make(map[int]string, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		version, name, err := migrationVersion(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix: %w", entry.Name(), err)
		}

		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}

		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		sum := blake3.Sum256(content)

		out = append(out, migration{
			version:  version,
			name:     name,
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })

	return out, nil
}

// migrate applies pending migrations in version order inside one
// transaction. An applied migration whose checksum drifted, or which no
// longer exists, stops startup unless allowMismatch is set.
func (s *SQLStore) migrate(ctx context.Context, allowMismatch bool) error {
	return s.migrateFrom(ctx, migrationsFS, s.eng.migrationsDir(), allowMismatch)
}

func (s *SQLStore) migrateFrom(ctx context.Context, fsys fs.FS, dir string, allowMismatch bool) error {
	defs, err := loadMigrations(fsys, dir)
	if err != nil {
		return err
	}

	return s.eng.write(ctx, func(q querier) error {
		if lock := s.eng.migrationLock(); lock != "" {
			if err := q.query(ctx, lock, nil, func([]interface{}) error { return nil }); err != nil {
				return fmt.Errorf("migrations: lock: %w", err)
			}
		}

		if err := q.script(ctx, s.eng.ledgerDDL()); err != nil {
			return fmt.Errorf("migrations: create ledger: %w", err)
		}

		applied := make(map[int]appliedMigration)

		if err := q.query(ctx, "SELECT version, name, checksum FROM schema_migrations", nil,
			func(vals []interface{}) error {
				applied[int(asInt64(vals[0]))] = appliedMigration{name: asString(vals[1]), checksum: asString(vals[2])}
				return nil
			}); err != nil {
			return fmt.Errorf("migrations: list applied: %w", err)
		}

		known := make(map[int]struct{}, len(defs))
		for _, m := range defs {
			known[m.version] = struct{}{}
		}

		for version, a := range applied {
			if _, ok := known[version]; ok {
				continue
			}

			if !allowMismatch {
				return fmt.Errorf("%w: %05d_%s", ErrUnknownMigration, version, a.name)
			}

			s.log.Warn().Int("version", version).Str("name", a.name).
				Msg("applied migration has no definition; continuing by override")
		}

		for _, m := range defs {
			if a, ok := applied[m.version]; ok {
				if a.checksum == m.checksum {
					continue
				}

				if !allowMismatch {
					return fmt.Errorf("%w: %05d_%s", ErrChecksumMismatch, m.version, m.name)
				}

				s.log.Warn().Int("version", m.version).Str("name", m.name).
					Str("applied", a.checksum).Str("embedded", m.checksum).
					Msg("migration checksum mismatch; continuing by override")

				continue
			}

			s.log.Info().Int("version", m.version).Str("name", m.name).Msg("applying migration")

			if err := q.script(ctx, m.sql); err != nil {
				return fmt.Errorf("migration %05d_%s: %w", m.version, m.name, err)
			}

			if _, err := q.exec(ctx, `INSERT INTO schema_migrations (version, name, checksum, applied_at)
				VALUES (?, ?, ?, ?)`, int64(m.version), m.name, m.checksum, s.eng.bindTime(s.now())); err != nil {
				return fmt.Errorf("migration %05d_%s: record: %w", m.version, m.name, err)
			}
		}

		return nil
	})
}
