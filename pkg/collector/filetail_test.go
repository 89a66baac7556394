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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// tailOutput fakes the stat/fingerprint/chunk output for a file with the
// given content read from offset.
func tailOutput(inode uint64, content string, offset int) *executor.Output {
	prefix := content
	if len(prefix) > fingerprintBytes {
		prefix = prefix[:fingerprintBytes]
	}

	out := fmt.Sprintf("%d %d\n%s\n%s", inode, len(content), base64.StdEncoding.EncodeToString([]byte(prefix)), content[offset:])

	return &executor.Output{Stdout: []byte(out)}
}

func newTail() *FileTail {
	return &FileTail{
		Desc:  models.CollectorDescriptor{Name: "app_log"},
		Table: tableLogs,
		Path:  "/var/log/app.log",
		ParseLine: func(line []byte, row func(time.Time) models.NormalizedRow) (*models.NormalizedRow, error) {
			r := row(time.Time{})
			r.Columns["message"] = string(line)

			return &r, nil
		},
	}
}

func tailCursor(t *testing.T, res *Result) TailPosition {
	t.Helper()

	require.NotNil(t, res.Cursor)
	assert.Equal(t, TailCursorKey, res.Cursor.Key)

	var pos TailPosition
	require.NoError(t, json.Unmarshal([]byte(res.Cursor.Value), &pos))

	return pos
}

func messages(rows []models.NormalizedRow) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Columns["message"].(string))
	}

	return out
}

func TestFileTailResumesAfterPartialLine(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)
	tail := newTail()

	first := "line1\nline2\npart"
	grown := first + "ial\nline3\n"

	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(tailOutput(7, first, 0), nil),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(tailOutput(7, grown, 12), nil),
	)

	cc := newCC(exec)

	res, err := Run(context.Background(), tail, cc)
	require.NoError(t, err)
	assert.Equal(t, []string{"line1", "line2"}, messages(res.Rows))
	assert.Equal(t, "7:6", res.Rows[1].Discriminator)

	pos := tailCursor(t, res)
	assert.Equal(t, int64(12), pos.Offset)
	assert.Equal(t, uint64(7), pos.Inode)
	assert.Equal(t, len(first), pos.PrefixLen)

	cc.Cursor, cc.CursorFound = res.Cursor.Value, true

	res, err = Run(context.Background(), tail, cc)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{"partial", "line3"}, messages(res.Rows))
	assert.Equal(t, "7:12", res.Rows[0].Discriminator)
	assert.Equal(t, int64(len(grown)), tailCursor(t, res).Offset)
}

func TestFileTailDetectsRotation(t *testing.T) {
	tests := []struct {
		name  string
		inode uint64
		file  string
	}{
		{name: "new inode", inode: 8, file: "fresh1\nfresh2\n"},
		{name: "truncated in place", inode: 7, file: "x\n"},
		{name: "rewritten in place", inode: 7, file: "other content that is long enough\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			exec := executor.NewMockExecutor(ctrl)
			tail := newTail()

			old := "old line one\nold line two\n"
			cursor, err := json.Marshal(TailPosition{
				Inode:       7,
				Fingerprint: fingerprint([]byte(old)),
				PrefixLen:   len(old),
				Offset:      int64(len(old)),
			})
			require.NoError(t, err)

			probeOffset := len(old)
			if probeOffset > len(tt.file) {
				probeOffset = len(tt.file)
			}

			gomock.InOrder(
				exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(tailOutput(tt.inode, tt.file, probeOffset), nil),
				exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(tailOutput(tt.inode, tt.file, 0), nil),
			)

			cc := newCC(exec)
			cc.Cursor, cc.CursorFound = string(cursor), true

			res, err := Run(context.Background(), tail, cc)
			require.NoError(t, err)
			require.NotEmpty(t, res.Warnings)
			assert.Contains(t, res.Warnings[0], "rotation:")
			assert.NotEmpty(t, res.Rows)

			pos := tailCursor(t, res)
			assert.Equal(t, tt.inode, pos.Inode)
			assert.Equal(t, int64(len(tt.file)), pos.Offset)
		})
	}
}

func TestFileTailMaxRows(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)

	exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(tailOutput(3, "a\nb\nc\nd\n", 0), nil)

	cc := newCC(exec)
	cc.Limits.MaxRows = 2

	res, err := Run(context.Background(), newTail(), cc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, messages(res.Rows))
	assert.True(t, res.Partial)
	assert.Equal(t, int64(4), tailCursor(t, res).Offset)
}

func TestFileTailFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)

	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&executor.Output{ExitCode: 3, Stderr: []byte("stat: cannot stat")}, nil),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&executor.Output{Stdout: []byte("garbage")}, nil),
	)

	_, err := Run(context.Background(), newTail(), newCC(exec))
	assert.Equal(t, models.ErrorKindExitStatus, KindOf(err))

	res, err := Run(context.Background(), newTail(), newCC(exec))
	require.NoError(t, err)
	assert.Nil(t, res.Cursor)
	assert.Contains(t, res.Warnings[0], "parse:")
}
