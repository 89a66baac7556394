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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

func newCC(exec executor.Executor) *CollectContext {
	return &CollectContext{
		Machine:     models.Machine{ID: "m1", Target: models.Target{Kind: models.TargetLocal}},
		Executor:    exec,
		CollectedAt: t0,
	}
}

func TestSnapshotMetricsJSON(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)

	c, err := Build(Spec{Name: "app_metrics", Type: "metrics_json", Options: Options{"command": "cat /tmp/m.json"}})
	require.NoError(t, err)

	exec.EXPECT().Execute(gomock.Any(), gomock.Any(), "cat /tmp/m.json", gomock.Any()).
		Return(&executor.Output{Stdout: []byte(`{"cpu": 10.0}`)}, nil)

	res, err := Run(context.Background(), c, newCC(exec))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Nil(t, res.Cursor)
	assert.Equal(t, int64(13), res.BytesRead)

	row := res.Rows[0]
	assert.Equal(t, "m1", row.MachineID)
	assert.Equal(t, "app_metrics", row.Source)
	assert.Equal(t, t0, row.CollectedAt)
	assert.Equal(t, "cpu", row.Columns["name"])
	assert.Equal(t, 10.0, row.Columns["value"])

	desc := c.Descriptor()
	assert.Equal(t, models.KindSnapshot, desc.Kind)
	assert.Equal(t, time.Minute, desc.Interval)
}

func TestSnapshotParseFailureWarns(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)

	c, err := Build(Spec{Name: "sysmoni"})
	require.NoError(t, err)

	exec.EXPECT().Execute(gomock.Any(), gomock.Any(), "sysmoni --json", gomock.Any()).
		Return(&executor.Output{Stdout: []byte("Segmentation fault")}, nil)

	res, err := Run(context.Background(), c, newCC(exec))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "parse:")
}

func TestSnapshotTruncatesAtMaxRows(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)

	c, err := Build(Spec{Name: "m", Type: "metrics_json", Options: Options{"command": "m"}})
	require.NoError(t, err)

	exec.EXPECT().Execute(gomock.Any(), gomock.Any(), "m", gomock.Any()).
		Return(&executor.Output{Stdout: []byte(`{"a": 1, "b": 2, "c": 3}`)}, nil)

	cc := newCC(exec)
	cc.Limits.MaxRows = 2

	res, err := Run(context.Background(), c, cc)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Partial)
	assert.Equal(t, "a", res.Rows[0].Columns["name"])
}

func TestExecutionFailuresAreClassified(t *testing.T) {
	tests := []struct {
		name string
		out  *executor.Output
		err  error
		want models.ErrorKind
	}{
		{name: "missing tool", out: &executor.Output{ExitCode: 127, Stderr: []byte("sh: df: not found")}, want: models.ErrorKindToolMissing},
		{name: "exit status", out: &executor.Output{ExitCode: 2}, want: models.ErrorKindExitStatus},
		{name: "timeout", err: executor.ErrTimeout, want: models.ErrorKindTimeout},
		{name: "unreachable", err: executor.ErrUnreachable, want: models.ErrorKindUnreachable},
		{name: "too large", err: executor.ErrOutputTooLarge, want: models.ErrorKindOutputTooLarge},
		{name: "canceled", err: context.Canceled, want: models.ErrorKindCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			exec := executor.NewMockExecutor(ctrl)

			c, err := Build(Spec{Name: "disk_df"})
			require.NoError(t, err)

			exec.EXPECT().Execute(gomock.Any(), gomock.Any(), "df -P -B1", gomock.Any()).Return(tt.out, tt.err)

			res, err := Run(context.Background(), c, newCC(exec))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.want, KindOf(err))

			var ce *Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "disk_df", ce.Collector)
		})
	}
}

func TestRunRecoversPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)

	c := &Snapshot{
		Desc:    models.CollectorDescriptor{Name: "boom"},
		Command: "true",
		Parse: func([]byte, RowFactory) ([]models.NormalizedRow, []string, error) {
			panic("index out of range")
		},
	}

	exec.EXPECT().Execute(gomock.Any(), gomock.Any(), "true", gomock.Any()).Return(&executor.Output{}, nil)

	res, err := Run(context.Background(), c, newCC(exec))
	require.ErrorIs(t, err, ErrPanic)
	assert.Nil(t, res)
	assert.Equal(t, models.ErrorKindCollector, KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestBuildValidatesOptions(t *testing.T) {
	_, err := Build(Spec{Name: "x", Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownCollector)

	_, err = Build(Spec{Name: "x", Type: "metrics_json"})
	require.ErrorIs(t, err, ErrBadOption)

	_, err = Build(Spec{Name: "x", Type: "agent_sessions"})
	require.ErrorIs(t, err, ErrBadOption)

	_, err = Build(Spec{Name: "x", Type: "agent_sessions", Options: Options{"db_path": "/d.db", "table": "s; DROP"}})
	require.ErrorIs(t, err, ErrBadOption)

	c, err := Build(Spec{Type: "journal", Interval: 30 * time.Second, HighValue: true})
	require.NoError(t, err)

	desc := c.Descriptor()
	assert.Equal(t, "journal", desc.Name)
	assert.Equal(t, 30*time.Second, desc.Interval)
	assert.True(t, desc.HighValue)
	assert.Equal(t, "journalctl", desc.Tool)

	assert.Contains(t, BuiltinTypes(), "syslog_tail")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	for _, name := range []string{"uptime", "meminfo"} {
		c, err := Build(Spec{Name: name})
		require.NoError(t, err)
		require.NoError(t, reg.Register(c))
	}

	dup, err := Build(Spec{Name: "uptime"})
	require.NoError(t, err)
	require.ErrorIs(t, reg.Register(dup), ErrDuplicate)

	assert.Equal(t, []string{"uptime", "meminfo"}, reg.Names())

	c, err := reg.Get("meminfo")
	require.NoError(t, err)
	assert.Equal(t, "meminfo", c.Descriptor().Name)

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, ErrUnknownCollector)

	descs := reg.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, models.KindSnapshot, descs[1].Kind)
}
