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

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationDecoding(t *testing.T) {
	var d Duration

	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`2000000000`), &d))
	assert.Equal(t, 2*time.Second, d.Std())

	var y struct {
		Every Duration `yaml:"every"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("every: 45s\n"), &y))
	assert.Equal(t, 45*time.Second, y.Every.Std())

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &d))
}

func TestSeverityOrder(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityWarning))
	assert.True(t, SeverityUnknown.AtLeast(SeverityInfo))
	assert.False(t, SeverityHealthy.AtLeast(SeverityUnknown))

	_, err := ParseSeverity("sparkly")
	require.ErrorIs(t, err, ErrUnknownSeverity)

	sev, err := ParseSeverity("warning")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, sev)
}

func TestAlertValidate(t *testing.T) {
	now := time.Now()

	a := &Alert{FirstSeenAt: now, LastSeenAt: now.Add(time.Second), State: AlertOpen}
	require.NoError(t, a.Validate())

	a.State = AlertClosed
	require.ErrorIs(t, a.Validate(), ErrAlertClosedAtMiss)

	a.ClosedAt = &now
	require.NoError(t, a.Validate())

	a.FirstSeenAt = now.Add(time.Hour)
	require.ErrorIs(t, a.Validate(), ErrAlertSeenOrder)
}

func TestTargetAddress(t *testing.T) {
	assert.Equal(t, "local", Target{}.String())
	assert.Equal(t, "ops@db1:22", Target{Kind: TargetRemote, Host: "db1", User: "ops"}.String())
	assert.Equal(t, "db1:2222", Target{Kind: TargetRemote, Host: "db1", Port: 2222}.Address())
}

func TestRowFloat(t *testing.T) {
	row := NormalizedRow{Columns: map[string]interface{}{"a": int64(3), "b": "2.5", "c": "x"}}

	v, ok := row.Float("a")
	assert.True(t, ok)
	assert.InDelta(t, 3.0, v, 0.0001)

	v, ok = row.Float("b")
	assert.True(t, ok)
	assert.InDelta(t, 2.5, v, 0.0001)

	_, ok = row.Float("c")
	assert.False(t, ok)
}
