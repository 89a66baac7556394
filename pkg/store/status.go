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
	"sync"
	"time"
)

// statusTracker flips the store into degraded mode on storage failures and
// back out on the next successful write.
type statusTracker struct {
	mu     sync.RWMutex
	status Status
}

func newStatusTracker(backend, location string) *statusTracker {
	return &statusTracker{status: Status{Backend: backend, Location: location}}
}

func (t *statusTracker) observe(err error, now time.Time) {
	if err != nil && (IsInvalidInput(err) || isCallerCancel(err)) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		t.status.Degraded = false
		t.status.ConsecutiveErrors = 0

		return
	}

	t.status.Degraded = true
	t.status.ConsecutiveErrors++
	t.status.LastError = err.Error()
	t.status.LastErrorAt = now
}

func (t *statusTracker) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}
