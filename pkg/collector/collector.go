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

// Package collector turns the output of upstream tools, files and databases
// into normalized rows. A Collector is one of four variants distinguished by
// how it resumes: snapshot, incremental window, file tail and database
// incremental.
package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	DefaultMaxRows   = 10000
	DefaultBootstrap = time.Hour
)

// CursorKey is the cursor key a collector kind persists under; snapshots
// keep none.
func CursorKey(kind models.CollectorKind) string {
	switch kind {
	case models.KindIncrementalWindow:
		return WindowCursorKey
	case models.KindFileTail:
		return TailCursorKey
	case models.KindDBIncremental:
		return DBCursorKey
	default:
		return ""
	}
}

// Limits bound one collection run.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	MaxRows        int
}

func (l Limits) exec() executor.Limits {
	return executor.Limits{Timeout: l.Timeout, MaxOutputBytes: l.MaxOutputBytes}
}

func (l Limits) maxRows() int {
	if l.MaxRows <= 0 {
		return DefaultMaxRows
	}

	return l.MaxRows
}

// CollectContext is everything a collector may consult during one run.
type CollectContext struct {
	Machine  models.Machine
	Executor executor.Executor

	Cursor      string
	CursorFound bool

	// WindowStart is where an incremental window begins when no cursor
	// exists yet.
	WindowStart time.Time
	CollectedAt time.Time
	Limits      Limits
}

// Result is what a collector hands back to the scheduler.
type Result struct {
	Rows []models.NormalizedRow
	// Cursor is nil when the cursor should stay as it is.
	Cursor    *models.Cursor
	Warnings  []string
	BytesRead int64
	// Partial marks a run that stopped early, for example at MaxRows.
	Partial bool
}

func (r *Result) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Collector is the capability every variant implements.
type Collector interface {
	Descriptor() models.CollectorDescriptor
	Collect(ctx context.Context, cc *CollectContext) (*Result, error)
}

// Run invokes c and converts panics and untyped errors into *Error so that
// nothing unwinds past the caller.
func Run(ctx context.Context, c Collector, cc *CollectContext) (res *Result, err error) {
	name := c.Descriptor().Name

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &Error{
				Kind:      models.ErrorKindCollector,
				Collector: name,
				Err:       fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack()),
			}
		}
	}()

	res, err = c.Collect(ctx, cc)
	if err != nil {
		return nil, wrap(name, err)
	}

	if res == nil {
		res = &Result{}
	}

	return res, nil
}

// newRow stamps the identity columns shared by every row of a run.
func newRow(desc models.CollectorDescriptor, cc *CollectContext, table, discriminator string, at time.Time) models.NormalizedRow {
	if at.IsZero() {
		at = cc.CollectedAt
	}

	return models.NormalizedRow{
		Table:         table,
		MachineID:     cc.Machine.ID,
		Source:        desc.Name,
		SourceVersion: desc.ParserVersion,
		SchemaVersion: desc.SchemaVersion,
		CollectedAt:   at.UTC().Truncate(time.Microsecond),
		Discriminator: discriminator,
		Columns:       make(map[string]interface{}),
	}
}

// execute runs command on the machine and treats a non-zero exit as an
// error. Exit 127 is the shell's "command not found".
func execute(ctx context.Context, cc *CollectContext, command string) (*executor.Output, error) {
	out, err := cc.Executor.Execute(ctx, cc.Machine.Target, command, cc.Limits.exec())
	if err != nil {
		return nil, err
	}

	switch out.ExitCode {
	case 0:
		return out, nil
	case 127:
		return out, &Error{Kind: models.ErrorKindToolMissing, Err: fmt.Errorf("%w: %s", ErrToolMissing, stderrSnippet(out))}
	default:
		return out, &Error{
			Kind: models.ErrorKindExitStatus,
			Err:  fmt.Errorf("%w %d: %s", ErrExitStatus, out.ExitCode, stderrSnippet(out)),
		}
	}
}

func stderrSnippet(out *executor.Output) string {
	const limit = 512

	s := string(out.Stderr)
	if len(s) > limit {
		s = s[:limit] + "..."
	}

	return s
}

// truncate enforces MaxRows on a result built from an ordered row slice.
func truncate(res *Result, limit int) {
	if len(res.Rows) <= limit {
		return
	}

	res.warnf("truncated: %d rows exceeded max_rows %d", len(res.Rows), limit)
	res.Rows = res.Rows[:limit]
	res.Partial = true
}
