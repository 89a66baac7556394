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

package executor

import (
	"bytes"
	"sync"
)

// boundedOutput enforces one byte budget across stdout and stderr. The first
// write past the budget fails and fires onExceed once.
type boundedOutput struct {
	mu       sync.Mutex
	max      int64
	total    int64
	exceeded bool
	onExceed func()
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

func newBoundedOutput(limit int64, onExceed func()) *boundedOutput {
	return &boundedOutput{max: limit, onExceed: onExceed}
}

func (b *boundedOutput) write(buf *bytes.Buffer, p []byte) (int, error) {
	b.mu.Lock()

	if b.exceeded || b.total+int64(len(p)) > b.max {
		first := !b.exceeded
		b.exceeded = true
		b.mu.Unlock()

		if first && b.onExceed != nil {
			b.onExceed()
		}

		return 0, ErrOutputTooLarge
	}

	b.total += int64(len(p))
	buf.Write(p)
	b.mu.Unlock()

	return len(p), nil
}

func (b *boundedOutput) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.exceeded
}

func (b *boundedOutput) Stdout() *streamWriter { return &streamWriter{parent: b, buf: &b.stdout} }
func (b *boundedOutput) Stderr() *streamWriter { return &streamWriter{parent: b, buf: &b.stderr} }

func (b *boundedOutput) result() (stdout, stderr []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return bytes.Clone(b.stdout.Bytes()), bytes.Clone(b.stderr.Bytes())
}

type streamWriter struct {
	parent *boundedOutput
	buf    *bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.parent.write(w.buf, p)
}
