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
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

const defaultSQLitePoolSize = 8

// SQLiteConfig configures the embedded SQLite backend.
type SQLiteConfig struct {
	Path     string `json:"path" yaml:"path"`
	PoolSize int    `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	// BusyTimeoutMs bounds how long a connection waits on a locked database.
	BusyTimeoutMs int `json:"busy_timeout_ms,omitempty" yaml:"busy_timeout_ms,omitempty"`
}

type sqliteEngine struct {
	pool *sqlitex.Pool
	path string

	// SQLite allows one writer; serializing here keeps writers off the
	// busy handler.
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database file and migrates it.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, allowMismatch bool, log logger.Logger) (*SQLStore, error) {
	if cfg.Path == "" {
		return nil, ErrStorePathRequired
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = defaultSQLitePoolSize
	}

	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: sqlitePrepare(busy),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}

	if log != nil {
		log.Info().Str("path", cfg.Path).Int("pool_size", size).Msg("opened sqlite store")
	}

	return newSQLStore(ctx, &sqliteEngine{pool: pool, path: cfg.Path}, allowMismatch, log)
}

func sqlitePrepare(busyTimeoutMs int) func(*sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA temp_store = MEMORY;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMs),
	}

	return func(conn *sqlite.Conn) error {
		for _, p := range pragmas {
			if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
				return fmt.Errorf("sqlite: %s: %w", p, err)
			}
		}

		return nil
	}
}

func (*sqliteEngine) backend() string    { return BackendSQLite }
func (e *sqliteEngine) location() string { return e.path }

func (*sqliteEngine) migrationsDir() string { return "migrations/sqlite" }
func (*sqliteEngine) migrationLock() string { return "" }

func (*sqliteEngine) ledgerDDL() string {
	return `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);`
}

func (*sqliteEngine) bindTime(t time.Time) interface{} {
	return t.UTC().UnixMicro()
}

func (e *sqliteEngine) read(ctx context.Context, fn func(q querier) error) error {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take connection: %w", err)
	}
	defer e.pool.Put(conn)

	return fn(&sqliteQuerier{conn: conn})
}

func (e *sqliteEngine) write(ctx context.Context, fn func(q querier) error) (err error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take connection: %w", err)
	}
	defer e.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer endFn(&err)

	return fn(&sqliteQuerier{conn: conn})
}

func (e *sqliteEngine) close() error {
	return e.pool.Close()
}

type sqliteQuerier struct {
	conn *sqlite.Conn
}

func (q *sqliteQuerier) exec(_ context.Context, query string, args ...interface{}) (int64, error) {
	if err := sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{Args: sqliteArgs(args)}); err != nil {
		return 0, err
	}

	return int64(q.conn.Changes()), nil
}

func (q *sqliteQuerier) query(_ context.Context, query string, args []interface{}, fn func([]interface{}) error) error {
	return sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{
		Args: sqliteArgs(args),
		ResultFunc: func(stmt *sqlite.Stmt) error {
			vals := make([]interface{}, stmt.ColumnCount())

			for i := range vals {
				switch stmt.ColumnType(i) {
				case sqlite.TypeInteger:
					vals[i] = stmt.ColumnInt64(i)
				case sqlite.TypeFloat:
					vals[i] = stmt.ColumnFloat(i)
				case sqlite.TypeText:
					vals[i] = stmt.ColumnText(i)
				case sqlite.TypeBlob:
					buf := make([]byte, stmt.ColumnLen(i))
					stmt.ColumnBytes(i, buf)
					vals[i] = buf
				default:
					vals[i] = nil
				}
			}

			return fn(vals)
		},
	})
}

func (q *sqliteQuerier) execBatch(ctx context.Context, stmts []statement) ([]int64, error) {
	out := make([]int64, len(stmts))

	for i, st := range stmts {
		n, err := q.exec(ctx, st.query, st.args...)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}

		out[i] = n
	}

	return out, nil
}

func (q *sqliteQuerier) script(_ context.Context, sql string) error {
	return sqlitex.ExecuteScript(q.conn, sql, nil)
}

// sqliteArgs narrows arguments to the types the binder accepts.
func sqliteArgs(args []interface{}) []interface{} {
	if len(args) == 0 {
		return nil
	}

	out := make([]interface{}, len(args))

	for i, a := range args {
		switch v := a.(type) {
		case int:
			out[i] = int64(v)
		case int32:
			out[i] = int64(v)
		case float32:
			out[i] = float64(v)
		case time.Time:
			out[i] = v.UTC().UnixMicro()
		case time.Duration:
			out[i] = int64(v)
		default:
			out[i] = v
		}
	}

	return out
}
