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
	"time"
)

// querier runs statements written with ? placeholders against one connection
// or transaction. Result rows are handed over as driver-neutral values:
// int64, float64, string, []byte, bool, time.Time or nil.
type querier interface {
	exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	query(ctx context.Context, query string, args []interface{}, fn func(vals []interface{}) error) error
	execBatch(ctx context.Context, stmts []statement) ([]int64, error)
	script(ctx context.Context, sql string) error
}

type statement struct {
	query string
	args  []interface{}
}

// engine is the backend-specific half of SQLStore.
type engine interface {
	backend() string
	location() string
	read(ctx context.Context, fn func(q querier) error) error
	// write runs fn in a single transaction; a non-nil error from fn rolls
	// back everything fn did.
	write(ctx context.Context, fn func(q querier) error) error
	bindTime(t time.Time) interface{}
	migrationsDir() string
	ledgerDDL() string
	migrationLock() string
	close() error
}
