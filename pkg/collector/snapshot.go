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

	"github.com/carverauto/fleetwatch/pkg/models"
)

// ParseFunc turns command output into rows. Returned warnings are kept even
// when rows are produced.
type ParseFunc func(out []byte, row RowFactory) ([]models.NormalizedRow, []string, error)

// RowFactory creates a row stamped with the run's identity.
type RowFactory func(table, discriminator string) models.NormalizedRow

// Snapshot runs Command every time and ignores the cursor.
type Snapshot struct {
	Desc    models.CollectorDescriptor
	Command string
	Parse   ParseFunc
}

var _ Collector = (*Snapshot)(nil)

func (s *Snapshot) Descriptor() models.CollectorDescriptor {
	d := s.Desc
	d.Kind = models.KindSnapshot

	return d
}

func (s *Snapshot) Collect(ctx context.Context, cc *CollectContext) (*Result, error) {
	out, err := execute(ctx, cc, s.Command)
	if err != nil {
		return nil, err
	}

	res := &Result{BytesRead: out.Bytes()}

	factory := func(table, discriminator string) models.NormalizedRow {
		return newRow(s.Desc, cc, table, discriminator, cc.CollectedAt)
	}

	rows, warnings, err := s.Parse(out.Stdout, factory)
	res.Warnings = append(res.Warnings, warnings...)

	if err != nil {
		res.warnf("parse: %v", err)

		return res, nil
	}

	res.Rows = rows
	truncate(res, cc.Limits.maxRows())

	return res, nil
}
