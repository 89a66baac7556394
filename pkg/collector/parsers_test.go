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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testFactory() RowFactory {
	cc := &CollectContext{Machine: models.Machine{ID: "m1"}, CollectedAt: t0}
	desc := models.CollectorDescriptor{Name: "test", ParserVersion: 1, SchemaVersion: 1}

	return func(table, discriminator string) models.NormalizedRow {
		return newRow(desc, cc, table, discriminator, time.Time{})
	}
}

func TestParseSysmoni(t *testing.T) {
	out := []byte(`{
		"cpu": {"total_percent": 42.5, "load_1": 1.5, "load_5": 1.25, "load_15": 1},
		"memory": {"total_bytes": 1000, "used_bytes": 600, "available_bytes": 400},
		"disk": {"filesystems": [
			{"mount": "/", "filesystem": "/dev/sda1", "total_bytes": 200, "used_bytes": 150},
			{"mount": "", "total_bytes": 1}
		]},
		"processes": [{}, {}, {}]
	}`)

	rows, warnings, err := parseSysmoni(out, testFactory())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, rows, 2)

	sys := rows[0]
	assert.Equal(t, tableSys, sys.Table)
	assert.Equal(t, 42.5, sys.Columns["cpu_percent"])
	assert.Equal(t, int64(600), sys.Columns["mem_used_bytes"])
	assert.Equal(t, int64(3), sys.Columns["process_count"])
	assert.NotContains(t, sys.Columns, "swap_total_bytes")
	assert.Equal(t, out, sys.Raw)

	disk := rows[1]
	assert.Equal(t, tableDisk, disk.Table)
	assert.Equal(t, "/", disk.Discriminator)
	assert.Equal(t, int64(50), disk.Columns["available_bytes"])
	assert.InDelta(t, 75.0, disk.Columns["used_percent"], 0.001)
}

func TestParseMetricsJSON(t *testing.T) {
	rows, _, err := parseMetricsJSON([]byte(`{"cpu": 10.0, "net": {"rx": 5, "up": true}, "name": "web"}`), testFactory())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	got := make(map[string]interface{})
	for _, r := range rows {
		assert.Equal(t, tableMetrics, r.Table)
		assert.Equal(t, r.Discriminator, r.Columns["name"])
		got[r.Columns["name"].(string)] = r.Columns["value"]
	}

	assert.Equal(t, map[string]interface{}{"cpu": 10.0, "net.rx": 5.0, "net.up": 1.0}, got)

	_, _, err = parseMetricsJSON([]byte(`[1, 2]`), testFactory())
	require.ErrorIs(t, err, errNotObject)
}

func TestParseDF(t *testing.T) {
	out := []byte(`Filesystem     1024-blocks     Used Available Capacity Mounted on
/dev/sda1         10000000  7500000   2500000      75% /
tmpfs                 1000        0      1000       0% /dev/shm
none                     0        0         0       -  /proc
garbage
`)

	rows, warnings, err := parseDF(out, testFactory())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Len(t, warnings, 1)

	root := rows[0]
	assert.Equal(t, "/", root.Columns["mount"])
	assert.Equal(t, int64(10000000*1024), root.Columns["total_bytes"])
	assert.Equal(t, int64(2500000*1024), root.Columns["available_bytes"])
	assert.InDelta(t, 75.0, root.Columns["used_percent"], 0.001)

	assert.Equal(t, "/dev/shm", rows[1].Discriminator)

	_, _, err = parseDF([]byte("not df\n"), testFactory())
	require.ErrorIs(t, err, errNoDFHeader)
}

func TestParseMeminfo(t *testing.T) {
	out := []byte(`MemTotal:       16000000 kB
MemFree:         1000000 kB
MemAvailable:    4000000 kB
SwapTotal:       2000000 kB
SwapFree:        1500000 kB
HugePages_Total:       0
`)

	rows, _, err := parseMeminfo(out, testFactory())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	cols := rows[0].Columns
	assert.Equal(t, int64(16000000*1024), cols["mem_total_bytes"])
	assert.Equal(t, int64(12000000*1024), cols["mem_used_bytes"])
	assert.Equal(t, int64(500000*1024), cols["swap_used_bytes"])

	rows, _, err = parseMeminfo([]byte("MemTotal: 100 kB\nMemFree: 10 kB\nBuffers: 5 kB\nCached: 5 kB\n"), testFactory())
	require.NoError(t, err)
	assert.Equal(t, int64(20*1024), rows[0].Columns["mem_available_bytes"])

	_, _, err = parseMeminfo([]byte("nothing here"), testFactory())
	require.ErrorIs(t, err, errEmptyOutput)
}

func TestParseLoad(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		load1   float64
		uptime  interface{}
		procs   interface{}
		wantErr error
	}{
		{
			name:   "proc files",
			out:    "0.52 0.58 0.59 3/467 12345\n350735.47 234388.90\n",
			load1:  0.52,
			uptime: 350735.47,
			procs:  int64(467),
		},
		{
			name:  "linux uptime",
			out:   " 12:00:01 up 4 days,  3:11,  2 users,  load average: 0.25, 0.18, 0.12",
			load1: 0.25,
		},
		{
			name:  "darwin uptime",
			out:   "12:00  up 3 days,  2:03, 2 users, load averages: 1.52 1.41 1.38",
			load1: 1.52,
		},
		{name: "empty", out: "  ", wantErr: errEmptyOutput},
		{name: "garbage", out: "hello", wantErr: errNoLoadAverage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, _, err := parseLoad([]byte(tt.out), testFactory())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.InDelta(t, tt.load1, rows[0].Columns["load1"], 0.0001)
			assert.Equal(t, tt.uptime, rows[0].Columns["uptime_seconds"])
			assert.Equal(t, tt.procs, rows[0].Columns["process_count"])
		})
	}
}

func TestParseJournal(t *testing.T) {
	usec := t0.UnixMicro()
	out := []byte(fmt.Sprintf(`{"__CURSOR":"s=a;i=1","__REALTIME_TIMESTAMP":"%d","PRIORITY":"3","_SYSTEMD_UNIT":"nginx.service","MESSAGE":"upstream failed"}
not json
{"__CURSOR":"s=a;i=2","__REALTIME_TIMESTAMP":"%d","SYSLOG_IDENTIFIER":"cron","MESSAGE":[104,105]}
{"MESSAGE":"no cursor"}
`, usec, usec+1500000))

	cc := &CollectContext{Machine: models.Machine{ID: "m1"}, CollectedAt: t0.Add(time.Hour)}
	desc := models.CollectorDescriptor{Name: "journal"}

	rows, warnings, err := parseJournal(out, func(d string, at time.Time) models.NormalizedRow {
		return newRow(desc, cc, tableLogs, d, at)
	})
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
	require.Len(t, rows, 2)

	assert.Equal(t, "s=a;i=1", rows[0].Discriminator)
	assert.Equal(t, t0, rows[0].CollectedAt)
	assert.Equal(t, "error", rows[0].Columns["level"])
	assert.Equal(t, "nginx.service", rows[0].Columns["unit"])
	assert.NotEmpty(t, rows[0].Raw)

	assert.Equal(t, t0.Add(1500*time.Millisecond), rows[1].CollectedAt)
	assert.Equal(t, "hi", rows[1].Columns["message"])
	assert.Equal(t, "cron", rows[1].Columns["unit"])
	assert.Equal(t, "info", rows[1].Columns["level"])
}

func TestParseSyslogLine(t *testing.T) {
	parse := parseSyslogLine(t0)
	cc := &CollectContext{Machine: models.Machine{ID: "m1"}, CollectedAt: t0}
	row := func(at time.Time) models.NormalizedRow {
		return newRow(models.CollectorDescriptor{Name: "syslog"}, cc, tableLogs, "1:0", at)
	}

	r, err := parse([]byte("Feb 28 23:59:01 web1 sshd[42]: error: auth failed for root"), row)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 23, 59, 1, 0, time.UTC), r.CollectedAt)
	assert.Equal(t, "sshd", r.Columns["unit"])
	assert.Equal(t, "error: auth failed for root", r.Columns["message"])
	assert.Equal(t, "error", r.Columns["level"])

	r, err = parse([]byte("Dec 31 23:00:00 web1 kernel: all good"), row)
	require.NoError(t, err)
	assert.Equal(t, 2025, r.CollectedAt.Year())
	assert.Equal(t, "info", r.Columns["level"])

	r, err = parse([]byte("2026-03-01T11:00:00.5Z web1 app: WARN disk slow"), row)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Hour+500*time.Millisecond), r.CollectedAt)
	assert.Equal(t, "app", r.Columns["unit"])
	assert.Equal(t, "warning", r.Columns["level"])

	r, err = parse([]byte("free form text"), row)
	require.NoError(t, err)
	assert.Equal(t, t0, r.CollectedAt)
	assert.Equal(t, "free form text", r.Columns["message"])
	assert.NotContains(t, r.Columns, "unit")
}
