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
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// WindowCursorKey names the cursor of incremental-window collectors.
const WindowCursorKey = "since"

// WindowCommandFunc builds the command for events at or after since. limit
// is one more than the row budget so truncation can be detected.
type WindowCommandFunc func(since time.Time, limit int) string

// WindowParseFunc parses events; each row's CollectedAt must be the event
// time.
type WindowParseFunc func(out []byte, row func(discriminator string, at time.Time) models.NormalizedRow) ([]models.NormalizedRow, []string, error)

// Window polls a source that can return everything since a timestamp.
type Window struct {
	Desc    models.CollectorDescriptor
	Table   string
	Command WindowCommandFunc
	Parse   WindowParseFunc
}

var _ Collector = (*Window)(nil)

func (w *Window) Descriptor() models.CollectorDescriptor {
	d := w.Desc
	d.Kind = models.KindIncrementalWindow

	return d
}

func (w *Window) since(cc *CollectContext) (time.Time, error) {
	if cc.CursorFound && cc.Cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cc.Cursor)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %w", ErrBadCursor, cc.Cursor, err)
		}

		return t, nil
	}

	if !cc.WindowStart.IsZero() {
		return cc.WindowStart, nil
	}

	return cc.CollectedAt.Add(-DefaultBootstrap), nil
}

func (w *Window) Collect(ctx context.Context, cc *CollectContext) (*Result, error) {
	since, err := w.since(cc)
	if err != nil {
		return nil, &Error{Kind: models.ErrorKindCollector, Err: err}
	}

	limit := cc.Limits.maxRows()

	out, err := execute(ctx, cc, w.Command(since, limit+1))
	if err != nil {
		return nil, err
	}

	res := &Result{BytesRead: out.Bytes()}

	factory := func(discriminator string, at time.Time) models.NormalizedRow {
		return newRow(w.Desc, cc, w.Table, discriminator, at)
	}

	rows, warnings, err := w.Parse(out.Stdout, factory)
	res.Warnings = append(res.Warnings, warnings...)

	if err != nil {
		res.warnf("parse: %v", err)

		return res, nil
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CollectedAt.Before(rows[j].CollectedAt) })

	res.Rows = rows
	truncate(res, limit)

	res.Cursor = w.nextCursor(cc, since, res.Rows)

	return res, nil
}

// nextCursor is max(old cursor, newest returned event). With no events and
// no previous cursor the window closes at CollectedAt.
func (w *Window) nextCursor(cc *CollectContext, since time.Time, rows []models.NormalizedRow) *models.Cursor {
	next := since
	advanced := false

	for i := range rows {
		if rows[i].CollectedAt.After(next) {
			next = rows[i].CollectedAt
			advanced = true
		}
	}

	if !advanced {
		if cc.CursorFound {
			return nil
		}

		next = cc.CollectedAt
	}

	return &models.Cursor{
		MachineID: cc.Machine.ID,
		Source:    w.Desc.Name,
		Key:       WindowCursorKey,
		Value:     next.UTC().Format(time.RFC3339Nano),
		UpdatedAt: cc.CollectedAt,
	}
}
