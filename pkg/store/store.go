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

// Package store persists normalized facts, ingestion state, health results and
// alerts. SQLite is the default backend; Postgres is available for shared
// deployments. Both run the same SQL through SQLStore.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and configures the storage backend.
type Config struct {
	Backend  string          `json:"backend" yaml:"backend"`
	SQLite   SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	// AllowChecksumMismatch starts the store even when an applied migration
	// no longer matches its embedded definition.
	AllowChecksumMismatch bool `json:"allow_checksum_mismatch" yaml:"allow_checksum_mismatch"`
}

// Fault points inside a Commit transaction.
const (
	faultAfterRows    = "after_rows"
	faultAfterCursor  = "after_cursor"
	faultBeforeCommit = "before_commit"
)

// SQLStore implements Store on top of a SQL engine.
type SQLStore struct {
	eng    engine
	log    logger.Logger
	status *statusTracker
	now    func() time.Time

	fault func(point string) error
}

var _ Store = (*SQLStore)(nil)

// Open builds the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*SQLStore, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLite, cfg.AllowChecksumMismatch, log)
	case BackendPostgres:
		if cfg.Postgres == nil {
			return nil, ErrDSNRequired
		}

		return OpenPostgres(ctx, *cfg.Postgres, cfg.AllowChecksumMismatch, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

func newSQLStore(ctx context.Context, eng engine, allowMismatch bool, log logger.Logger) (*SQLStore, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &SQLStore{
		eng:    eng,
		log:    log,
		status: newStatusTracker(eng.backend(), eng.location()),
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(ctx, allowMismatch); err != nil {
		_ = eng.close()

		return nil, err
	}

	return s, nil
}

func (s *SQLStore) inject(point string) error {
	if s.fault == nil {
		return nil
	}

	return s.fault(point)
}

// Ping checks that the backend answers a trivial query.
func (s *SQLStore) Ping(ctx context.Context) error {
	err := s.eng.read(ctx, func(q querier) error {
		return q.query(ctx, "SELECT 1", nil, func([]interface{}) error { return nil })
	})

	s.status.observe(err, s.now())

	return err
}

func (s *SQLStore) Status() Status {
	return s.status.snapshot()
}

func (s *SQLStore) Close() error {
	return s.eng.close()
}

// writeTx runs fn in a transaction and feeds the result into the degraded
// status.
func (s *SQLStore) writeTx(ctx context.Context, fn func(q querier) error) error {
	err := s.eng.write(ctx, fn)
	s.status.observe(err, s.now())

	return err
}

func (s *SQLStore) bindTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return s.eng.bindTime(*t)
}
