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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	// TailCursorKey names the cursor of file-tail collectors.
	TailCursorKey = "position"

	fingerprintBytes = 64
	tailHeadroom     = 4096
	defaultTailChunk = 4 << 20
)

var (
	errMissingStat        = errors.New("missing stat line")
	errMissingFingerprint = errors.New("missing fingerprint line")
)

// TailPosition is the persisted file-tail cursor.
type TailPosition struct {
	Inode       uint64 `json:"inode"`
	Fingerprint string `json:"fingerprint"`
	// PrefixLen is how many leading bytes the fingerprint covers; a file
	// shorter than fingerprintBytes grows without being a new file.
	PrefixLen int   `json:"prefix_len"`
	Offset    int64 `json:"offset"`
}

// TailLineFunc parses one complete line. A nil row skips the line.
type TailLineFunc func(line []byte, row func(at time.Time) models.NormalizedRow) (*models.NormalizedRow, error)

// FileTail follows an append-only file across runs and detects rotation.
type FileTail struct {
	Desc      models.CollectorDescriptor
	Table     string
	Path      string
	ParseLine TailLineFunc
}

var _ Collector = (*FileTail)(nil)

func (f *FileTail) Descriptor() models.CollectorDescriptor {
	d := f.Desc
	d.Kind = models.KindFileTail

	return d
}

type tailRead struct {
	inode  uint64
	size   int64
	prefix []byte
	data   []byte
}

func (f *FileTail) chunkSize(cc *CollectContext) int64 {
	limit := cc.Limits.MaxOutputBytes
	if limit <= 0 {
		limit = executor.DefaultMaxOutputBytes
	}

	chunk := limit - tailHeadroom
	if chunk > defaultTailChunk {
		chunk = defaultTailChunk
	}

	if chunk < 1 {
		chunk = 1
	}

	return chunk
}

// command prints "inode size", the base64 of the first bytes, then the
// chunk starting at offset.
func (f *FileTail) command(offset, chunk int64) string {
	p := executor.ShellQuote(f.Path)

	return fmt.Sprintf(
		"f=%s; st=$(stat -c '%%i %%s' \"$f\") || exit 3; echo \"$st\"; "+
			"head -c %d \"$f\" | base64 | tr -d '\\n'; echo; tail -c +%d \"$f\" | head -c %d",
		p, fingerprintBytes, offset+1, chunk)
}

func (f *FileTail) read(ctx context.Context, cc *CollectContext, offset, chunk int64) (*tailRead, int64, error) {
	out, err := execute(ctx, cc, f.command(offset, chunk))
	if err != nil {
		return nil, 0, err
	}

	head, rest, ok := bytes.Cut(out.Stdout, []byte("\n"))
	if !ok {
		return nil, out.Bytes(), errMissingStat
	}

	fields := strings.Fields(string(head))
	if len(fields) != 2 {
		return nil, out.Bytes(), fmt.Errorf("bad stat line %q", head)
	}

	inode, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, out.Bytes(), fmt.Errorf("bad inode %q: %w", fields[0], err)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, out.Bytes(), fmt.Errorf("bad size %q: %w", fields[1], err)
	}

	encoded, data, ok := bytes.Cut(rest, []byte("\n"))
	if !ok {
		return nil, out.Bytes(), errMissingFingerprint
	}

	prefix, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, out.Bytes(), fmt.Errorf("bad fingerprint encoding: %w", err)
	}

	return &tailRead{inode: inode, size: size, prefix: prefix, data: data}, out.Bytes(), nil
}

func fingerprint(prefix []byte) string {
	sum := blake3.Sum256(prefix)

	return hex.EncodeToString(sum[:])
}

// rotated reports whether the file at read is not the one pos describes.
func rotated(pos *TailPosition, r *tailRead) (bool, string) {
	switch {
	case r.inode != pos.Inode:
		return true, "inode changed"
	case r.size < pos.Offset:
		return true, "file shrank below offset"
	case len(r.prefix) < pos.PrefixLen:
		return true, "file prefix shrank"
	case fingerprint(r.prefix[:pos.PrefixLen]) != pos.Fingerprint:
		return true, "fingerprint changed"
	}

	return false, ""
}

func (f *FileTail) Collect(ctx context.Context, cc *CollectContext) (*Result, error) {
	var pos *TailPosition

	if cc.CursorFound && cc.Cursor != "" {
		pos = &TailPosition{}
		if err := json.Unmarshal([]byte(cc.Cursor), pos); err != nil {
			return nil, &Error{Kind: models.ErrorKindCollector, Err: fmt.Errorf("%w: %w", ErrBadCursor, err)}
		}
	}

	chunk := f.chunkSize(cc)
	res := &Result{}

	offset := int64(0)
	if pos != nil {
		offset = pos.Offset
	}

	r, n, err := f.read(ctx, cc, offset, chunk)
	res.BytesRead += n

	if err != nil {
		if isExecFailure(err) {
			return nil, err
		}

		res.warnf("parse: %v", err)

		return res, nil
	}

	if pos != nil {
		if rot, why := rotated(pos, r); rot {
			res.warnf("rotation: %s; restarting at offset 0", why)

			offset = 0
			if pos.Offset != 0 {
				r, n, err = f.read(ctx, cc, 0, chunk)
				res.BytesRead += n

				if err != nil {
					if isExecFailure(err) {
						return nil, err
					}

					res.warnf("parse: %v", err)

					return res, nil
				}
			}
		}
	}

	consumed := f.consume(cc, r, offset, chunk, res)

	prefix := r.prefix
	if len(prefix) > fingerprintBytes {
		prefix = prefix[:fingerprintBytes]
	}

	next := TailPosition{
		Inode:       r.inode,
		Fingerprint: fingerprint(prefix),
		PrefixLen:   len(prefix),
		Offset:      offset + consumed,
	}

	value, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}

	res.Cursor = &models.Cursor{
		MachineID: cc.Machine.ID,
		Source:    f.Desc.Name,
		Key:       TailCursorKey,
		Value:     string(value),
		UpdatedAt: cc.CollectedAt,
	}

	if int64(len(r.data)) >= chunk && offset+consumed < r.size {
		res.Partial = true
	}

	return res, nil
}

// isExecFailure separates execution errors, which fail the run, from
// malformed output, which only warns.
func isExecFailure(err error) bool {
	var ce *Error

	return errors.As(err, &ce) || KindOf(err) != models.ErrorKindCollector
}

// consume parses complete lines from the chunk and returns how many bytes
// were accounted for. A trailing partial line is left for the next run.
func (f *FileTail) consume(cc *CollectContext, r *tailRead, base, chunk int64, res *Result) int64 {
	data := r.data
	limit := cc.Limits.maxRows()

	var consumed int64

	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')

		var line []byte

		switch {
		case idx >= 0:
			line = data[:idx]
		case int64(len(r.data)) >= chunk && consumed == 0:
			// a single line longer than the chunk would never complete
			line = data
			res.warnf("line at offset %d longer than %d bytes was split", base, chunk)
		default:
			return consumed
		}

		if len(res.Rows) >= limit {
			res.warnf("truncated: more than max_rows %d lines available", limit)
			res.Partial = true

			return consumed
		}

		lineOffset := base + consumed
		step := int64(len(line))

		if idx >= 0 {
			step++
		}

		consumed += step
		data = data[step:]

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		factory := func(at time.Time) models.NormalizedRow {
			return newRow(f.Desc, cc, f.Table, fmt.Sprintf("%d:%d", r.inode, lineOffset), at)
		}

		row, err := f.ParseLine(line, factory)
		if err != nil {
			res.warnf("parse line at offset %d: %v", lineOffset, err)
			continue
		}

		if row != nil {
			res.Rows = append(res.Rows, *row)
		}
	}

	return consumed
}
