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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// advisory lock key guarding concurrent migrations from several daemons.
const pgMigrationLockKey = 0x666c7477

var errPGTLSIncomplete = errors.New("postgres tls: cert_file, key_file, and ca_file are required")

// PostgresConfig describes a Postgres (or Timescale) server used as the
// shared store.
type PostgresConfig struct {
	Host               string            `json:"host" yaml:"host"`
	Port               int               `json:"port,omitempty" yaml:"port,omitempty"`
	Database           string            `json:"database" yaml:"database"`
	Username           string            `json:"username,omitempty" yaml:"username,omitempty"`
	Password           string            `json:"password,omitempty" yaml:"password,omitempty"`
	SSLMode            string            `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty"`
	ApplicationName    string            `json:"application_name,omitempty" yaml:"application_name,omitempty"`
	MaxConnections     int32             `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	MinConnections     int32             `json:"min_connections,omitempty" yaml:"min_connections,omitempty"`
	MaxConnLifetime    models.Duration   `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime,omitempty"`
	HealthCheckPeriod  models.Duration   `json:"health_check_period,omitempty" yaml:"health_check_period,omitempty"`
	StatementTimeout   models.Duration   `json:"statement_timeout,omitempty" yaml:"statement_timeout,omitempty"`
	ExtraRuntimeParams map[string]string `json:"extra_runtime_params,omitempty" yaml:"extra_runtime_params,omitempty"`
	TLS                *PostgresTLS      `json:"tls,omitempty" yaml:"tls,omitempty"`
	CertDir            string            `json:"cert_dir,omitempty" yaml:"cert_dir,omitempty"`
}

type PostgresTLS struct {
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

// ConnString renders the config as a postgres:// URL.
func (c PostgresConfig) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(port),
		Path:   "/" + c.Database,
	}

	switch {
	case c.Username != "" && c.Password != "":
		u.User = url.UserPassword(c.Username, c.Password)
	case c.Username != "":
		u.User = url.User(c.Username)
	}

	q := u.Query()

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	q.Set("sslmode", sslMode)

	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

type postgresEngine struct {
	pool *pgxpool.Pool
	addr string
}

// OpenPostgres connects the pool and migrates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, allowMismatch bool, log logger.Logger) (*SQLStore, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, ErrDSNRequired
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}

	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime.Std()
	}

	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod.Std()
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	for k, v := range cfg.ExtraRuntimeParams {
		if k != "" {
			poolConfig.ConnConfig.RuntimeParams[k] = v
		}
	}

	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Std().Milliseconds(), 10)
	}

	tlsConfig, err := postgresTLSConfig(&cfg)
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		poolConfig.ConnConfig.TLSConfig = tlsConfig
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: initialize pool: %w", err)
	}

	if log != nil {
		log.Info().
			Str("host", cfg.Host).
			Str("database", cfg.Database).
			Int32("max_conns", poolConfig.MaxConns).
			Msg("connected to postgres store")
	}

	addr := fmt.Sprintf("%s/%s", cfg.Host, cfg.Database)

	return newSQLStore(ctx, &postgresEngine{pool: pool, addr: addr}, allowMismatch, log)
}

func postgresTLSConfig(cfg *PostgresConfig) (*tls.Config, error) {
	if cfg.TLS == nil {
		return nil, nil
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || cfg.CertDir == "" {
			return p
		}

		return filepath.Join(cfg.CertDir, p)
	}

	certFile, keyFile, caFile := resolve(cfg.TLS.CertFile), resolve(cfg.TLS.KeyFile), resolve(cfg.TLS.CAFile)
	if certFile == "" || keyFile == "" || caFile == "" {
		return nil, errPGTLSIncomplete
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("postgres tls: load client keypair: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("postgres tls: read CA file: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("postgres tls: no certificates in %s", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
		ServerName:   cfg.Host,
	}, nil
}

func (*postgresEngine) backend() string    { return BackendPostgres }
func (e *postgresEngine) location() string { return e.addr }

func (*postgresEngine) migrationsDir() string { return "migrations/postgres" }

func (*postgresEngine) migrationLock() string {
	return fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", pgMigrationLockKey)
}

func (*postgresEngine) ledgerDDL() string {
	return `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
}

func (*postgresEngine) bindTime(t time.Time) interface{} {
	return t.UTC()
}

func (e *postgresEngine) read(ctx context.Context, fn func(q querier) error) error {
	return fn(&pgQuerier{db: e.pool})
}

func (e *postgresEngine) write(ctx context.Context, fn func(q querier) error) (err error) {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(&pgQuerier{db: tx}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}

	return nil
}

func (e *postgresEngine) close() error {
	e.pool.Close()

	return nil
}

// pgxDB is the subset shared by *pgxpool.Pool and pgx.Tx.
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgQuerier struct {
	db pgxDB
}

func (q *pgQuerier) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := q.db.Exec(ctx, rebindPositional(query), args...)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (q *pgQuerier) query(ctx context.Context, query string, args []interface{}, fn func([]interface{}) error) error {
	rows, err := q.db.Query(ctx, rebindPositional(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}

		if err := fn(vals); err != nil {
			return err
		}
	}

	return rows.Err()
}

// execBatch queues every statement into one round trip and reports rows
// affected per statement.
func (q *pgQuerier) execBatch(ctx context.Context, stmts []statement) (affected []int64, err error) {
	if len(stmts) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, st := range stmts {
		batch.Queue(rebindPositional(st.query), st.args...)
	}

	br := q.db.SendBatch(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("batch close: %w", closeErr)
		}
	}()

	affected = make([]int64, len(stmts))

	for i := range stmts {
		tag, execErr := br.Exec()
		if execErr != nil {
			return nil, fmt.Errorf("batch exec (command %d): %w", i, execErr)
		}

		affected[i] = tag.RowsAffected()
	}

	return affected, nil
}

func (q *pgQuerier) script(ctx context.Context, sql string) error {
	for idx, stmt := range splitSQLStatements(sql) {
		if _, err := q.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", idx+1, err)
		}
	}

	return nil
}
